package lifecycle

import (
	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/entities"
)

// Event is a ledger observation that moves a note out of PENDING.
type Event string

const (
	EventConsumed Event = "CONSUMED"
	EventRecalled Event = "RECALLED"
)

func (e Event) Target() (entities.NoteStatus, error) {
	switch e {
	case EventConsumed:
		return entities.NoteConsumed, nil
	case EventRecalled:
		return entities.NoteRecalled, nil
	default:
		return "", errors.Errorf("unknown note event [%s]", e)
	}
}

// EventFor is the event that moves a note into status. PENDING has none.
func EventFor(status entities.NoteStatus) (Event, bool) {
	switch status {
	case entities.NoteConsumed:
		return EventConsumed, true
	case entities.NoteRecalled:
		return EventRecalled, true
	default:
		return "", false
	}
}

// Apply returns note after event. A note leaves PENDING exactly once; re-applying the event
// that put it into its terminal status is a no-op. A recall is only applied once
// currentHeight has reached the note's recall height.
func Apply(note entities.NoteRecord, event Event, currentHeight uint64) (entities.NoteRecord, error) {
	target, err := event.Target()
	if err != nil {
		return note, err
	}
	if note.Status == target {
		return note, nil
	}
	if note.Status != entities.NotePending {
		return note, errors.Wrapf(entities.ErrInvalidTransition, "note [%s]: %s to %s", note.Key(), note.Status, target)
	}
	if event == EventRecalled && currentHeight < note.RecallHeight {
		return note, errors.Wrapf(entities.ErrTimelockNotReached, "note [%s] recallable at height [%d], current height [%d]", note.Key(), note.RecallHeight, currentHeight)
	}
	note.Status = target
	return note, nil
}

type Transition int

const (
	// TransitionNone means both sides agree.
	TransitionNone Transition = iota
	// TransitionForward is a legal move out of PENDING.
	TransitionForward
	// TransitionConflict is any move out of a terminal status or back to PENDING.
	TransitionConflict
)

func (t Transition) String() string {
	switch t {
	case TransitionNone:
		return "none"
	case TransitionForward:
		return "forward"
	default:
		return "conflict"
	}
}

// Classify reports whether moving a note from one status to another is a legal lifecycle
// step. It is used to flag disagreements between the backend and the ledger.
func Classify(from, to entities.NoteStatus) Transition {
	switch {
	case from == to:
		return TransitionNone
	case from == entities.NotePending && to.Terminal():
		return TransitionForward
	default:
		return TransitionConflict
	}
}
