package lifecycle

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/entities"
	"go.uber.org/zap"
)

type TransitionObserver interface {
	ObserveTransition(from, to entities.NoteStatus)
}

// Tracker holds the notes of one address and applies ledger events to them.
type Tracker struct {
	logger   *zap.SugaredLogger
	observer TransitionObserver
	mutex    sync.RWMutex
	notes    map[string]entities.NoteRecord
}

func NewTracker(logger *zap.SugaredLogger, notes []entities.NoteRecord) *Tracker {
	tracker := Tracker{
		logger: logger,
		notes:  make(map[string]entities.NoteRecord, len(notes)),
	}
	for _, note := range notes {
		tracker.notes[note.Key()] = note
	}
	return &tracker
}

func (t *Tracker) WithObserver(observer TransitionObserver) *Tracker {
	t.observer = observer
	return t
}

func (t *Tracker) Get(id string) (entities.NoteRecord, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	note, ok := t.notes[id]
	return note, ok
}

// Notes returns a copy of the tracked notes.
func (t *Tracker) Notes() []entities.NoteRecord {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	notes := make([]entities.NoteRecord, 0, len(t.notes))
	for _, note := range t.notes {
		notes = append(notes, note)
	}
	return notes
}

// Check validates event against the tracked note without applying it. Unlike Observe it
// returns invalid transitions to the caller.
func (t *Tracker) Check(id string, event Event, currentHeight uint64) error {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	_, err := t.next(id, event, currentHeight)
	return err
}

// Observe applies event to the note with id. Invalid transitions, including executions
// claimed ahead of an earlier pending index, are logged and ignored: the returned note is
// unchanged and the error is nil. Timelock and unknown-note errors are returned.
func (t *Tracker) Observe(id string, event Event, currentHeight uint64) (entities.NoteRecord, bool, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	previous := t.notes[id]
	note, err := t.next(id, event, currentHeight)
	if errors.Is(err, entities.ErrInvalidTransition) {
		t.logger.Warnw("Ignoring note event.", "note", id, "event", event, "status", previous.Status, "error", err)
		return previous, false, nil
	}
	if err != nil {
		return previous, false, err
	}
	if note.Status == previous.Status {
		return note, false, nil
	}

	t.notes[id] = note
	if t.observer != nil {
		t.observer.ObserveTransition(previous.Status, note.Status)
	}
	t.logger.Infow("Note status changed.", "note", id, "from", previous.Status, "to", note.Status, "height", currentHeight)
	return note, true, nil
}

func (t *Tracker) next(id string, event Event, currentHeight uint64) (entities.NoteRecord, error) {
	note, ok := t.notes[id]
	if !ok {
		return entities.NoteRecord{}, errors.Wrapf(entities.ErrUnknownNote, "note [%s]", id)
	}
	if event == EventConsumed && note.Status == entities.NotePending {
		if err := t.checkOrder(note); err != nil {
			return note, err
		}
	}
	return Apply(note, event, currentHeight)
}

// checkOrder rejects claiming a scheduled execution while an earlier execution of the
// same payment is still pending.
func (t *Tracker) checkOrder(note entities.NoteRecord) error {
	if note.PaymentID == "" || note.Index == nil {
		return nil
	}
	for _, other := range t.notes {
		if other.PaymentID != note.PaymentID || other.Index == nil {
			continue
		}
		if *other.Index < *note.Index && other.Status == entities.NotePending {
			return errors.Wrapf(entities.ErrOutOfOrder, "payment [%s]: index [%d] pending before [%d]", note.PaymentID, *other.Index, *note.Index)
		}
	}
	return nil
}
