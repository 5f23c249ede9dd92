package action

import (
	"context"
	"slices"
	"time"

	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/business/domain/lifecycle"
	"github.com/qash-finance/schedule-service/business/domain/schedule"
	"github.com/qash-finance/schedule-service/entities"
)

const (
	actionClaim  = "claim"
	actionRecall = "recall"

	outcomeSuccess = "success"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"
)

// Outcome is the result of an action for one note. Skipped notes were already in the
// requested status or listed twice.
type Outcome struct {
	NoteID  string
	TxID    string
	Skipped bool
	Err     error
}

func (o Outcome) Succeeded() bool {
	return o.Err == nil && !o.Skipped
}

// Claim consumes the listed notes addressed to address in one ledger transaction. Notes that
// fail local validation are reported individually and left out of the transaction.
func (s *Service) Claim(ctx context.Context, address string, noteIDs []string) ([]Outcome, error) {
	view, height, err := s.prepare(ctx, address)
	if err != nil {
		return nil, err
	}
	now := s.calculator.Clock.Now()
	tracker := lifecycle.NewTracker(s.logger, records(view))

	outcomes, valid := s.validate(actionClaim, noteIDs, func(id string) error {
		if err := checkClaim(view, tracker, address, id, now, height); err != nil {
			return err
		}
		// later executions of the same payment may follow in this batch
		_, _, err := tracker.Observe(id, lifecycle.EventConsumed, height)
		return err
	})
	if len(valid) == 0 {
		return outcomes, nil
	}

	txID, err := s.submit(view, valid, entities.NoteConsumed, func() (string, error) {
		return s.ledger.SubmitClaim(ctx, valid)
	})
	s.complete(actionClaim, outcomes, valid, txID, err)
	if err == nil {
		s.logger.Infow("Claimed notes.", "address", address, "notes", valid, "tx", txID)
		s.refresh(ctx, address)
	}
	return outcomes, nil
}

// Recall reclaims the listed notes sent by address whose recall timelock has passed. Notes
// still timelocked fail immediately and are never submitted.
func (s *Service) Recall(ctx context.Context, address string, noteIDs []string) ([]Outcome, error) {
	view, height, err := s.prepare(ctx, address)
	if err != nil {
		return nil, err
	}
	now := s.calculator.Clock.Now()

	outcomes, valid := s.validate(actionRecall, noteIDs, func(id string) error {
		return checkRecall(view, address, id, now, height)
	})
	if len(valid) == 0 {
		return outcomes, nil
	}

	txID, err := s.submit(view, valid, entities.NoteRecalled, func() (string, error) {
		return s.ledger.SubmitRecall(ctx, valid)
	})
	s.complete(actionRecall, outcomes, valid, txID, err)
	if err != nil {
		return outcomes, nil
	}

	s.logger.Infow("Recalled notes.", "address", address, "notes", valid, "tx", txID)
	batch := entities.RecallBatch{TxID: txID}
	for _, id := range valid {
		note, _ := view.Find(id)
		noteType := note.Type
		if noteType == "" {
			noteType = entities.NoteTypeRecallable
		}
		batch.Items = append(batch.Items, entities.RecallItem{Type: noteType, ID: id})
	}
	if err := s.backend.RecallBatch(ctx, batch); err != nil {
		// the ledger already recalled the notes, the next refresh reconciles the backend
		s.logger.Errorw("Reporting recall batch failed.", "address", address, "tx", txID, "error", err)
	}
	s.refresh(ctx, address)
	return outcomes, nil
}

func (s *Service) prepare(ctx context.Context, address string) (entities.NoteView, uint64, error) {
	view, err := s.currentView(ctx, address)
	if err != nil {
		return entities.NoteView{}, 0, err
	}
	height, err := s.heights.CurrentHeight(ctx)
	if err != nil {
		return entities.NoteView{}, 0, errors.Wrap(err, "getting current height")
	}
	return view, height, nil
}

// validate runs check for every distinct note id and returns the outcomes, in request order,
// together with the ids that passed.
func (s *Service) validate(action string, noteIDs []string, check func(id string) error) ([]Outcome, []string) {
	outcomes := make([]Outcome, len(noteIDs))
	seen := make(map[string]bool, len(noteIDs))
	var valid []string
	for i, id := range noteIDs {
		outcomes[i].NoteID = id
		if seen[id] {
			outcomes[i].Skipped = true
			continue
		}
		seen[id] = true

		err := check(id)
		switch {
		case err == nil:
			valid = append(valid, id)
		case errors.Is(err, entities.ErrInvalidTransition) && !errors.Is(err, entities.ErrOutOfOrder):
			s.logger.Warnw("Skipping note.", "action", action, "note", id, "error", err)
			outcomes[i].Skipped = true
			s.observe(action, outcomeSkipped)
		default:
			s.logger.Infow("Rejecting note.", "action", action, "note", id, "error", err)
			outcomes[i].Err = err
			s.observe(action, outcomeFailed)
		}
	}
	return outcomes, valid
}

// submit installs the optimistic view with the valid notes in status, runs the ledger call
// and restores the previous view when it fails.
func (s *Service) submit(view entities.NoteView, valid []string, status entities.NoteStatus, call func() (string, error)) (string, error) {
	optimistic := NewOptimistic(view, func(v entities.NoteView) entities.NoteView {
		return withStatus(v, valid, status)
	})
	installed, ok := s.views.CompareAndSwap(view, optimistic.Commit())
	if !ok {
		s.logger.Debugw("View changed before optimistic update.", "address", view.Address)
	}

	txID, err := call()
	if err != nil && ok {
		if _, restored := s.views.CompareAndSwap(installed, optimistic.Rollback()); !restored {
			s.logger.Debugw("View refreshed before rollback.", "address", view.Address)
		}
	}
	return txID, err
}

func (s *Service) complete(action string, outcomes []Outcome, valid []string, txID string, err error) {
	for i := range outcomes {
		if outcomes[i].Skipped || outcomes[i].Err != nil || !slices.Contains(valid, outcomes[i].NoteID) {
			continue
		}
		if err != nil {
			outcomes[i].Err = errors.Wrapf(err, "submitting %s", action)
			s.observe(action, outcomeFailed)
			continue
		}
		outcomes[i].TxID = txID
		s.observe(action, outcomeSuccess)
	}
}

func checkClaim(view entities.NoteView, tracker *lifecycle.Tracker, address, id string, now time.Time, height uint64) error {
	note, ok := view.Find(id)
	if !ok {
		return errors.Wrapf(entities.ErrUnknownNote, "note [%s]", id)
	}
	if note.Recipient != "" && note.Recipient != address {
		return errors.Errorf("note [%s] is not addressed to [%s]", id, address)
	}
	if note.Status != entities.NotePending {
		return errors.Wrapf(entities.ErrInvalidTransition, "note [%s] is %s", id, note.Status)
	}
	if note.ClaimableAt != nil && now.Before(*note.ClaimableAt) {
		return errors.Wrapf(entities.ErrTimelockNotReached, "note [%s] claimable at %s", id, note.ClaimableAt.Format(time.RFC3339))
	}
	return tracker.Check(id, lifecycle.EventConsumed, height)
}

func checkRecall(view entities.NoteView, address, id string, now time.Time, height uint64) error {
	note, ok := view.Find(id)
	if !ok {
		return errors.Wrapf(entities.ErrUnknownNote, "note [%s]", id)
	}
	if note.Sender != "" && note.Sender != address {
		return errors.Errorf("note [%s] was not sent by [%s]", id, address)
	}
	recallable, ok := note.Recallable()
	if !ok {
		return errors.Errorf("note [%s] has no recall timelock", id)
	}
	return schedule.CheckRecallable(recallable, now, height)
}

func records(view entities.NoteView) []entities.NoteRecord {
	notes := make([]entities.NoteRecord, 0, len(view.Notes))
	for _, note := range view.Notes {
		notes = append(notes, note.NoteRecord)
	}
	return notes
}

func withStatus(view entities.NoteView, ids []string, status entities.NoteStatus) entities.NoteView {
	view.Notes = slices.Clone(view.Notes)
	for i := range view.Notes {
		if slices.Contains(ids, view.Notes[i].Key()) {
			view.Notes[i].Status = status
		}
	}
	return view
}
