package schedule

import (
	"time"

	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/entities"
)

// ComputeRecallHeight is the height after which the sender may reclaim an unclaimed note:
// currentHeight plus the whole blocks contained in the recall delay.
func ComputeRecallHeight(recallDelay time.Duration, currentHeight uint64, blockTime time.Duration) uint64 {
	if recallDelay <= 0 {
		return currentHeight
	}
	return currentHeight + uint64(recallDelay/blockTime)
}

func (c Calculator) ComputeRecallHeight(recallDelaySeconds uint64, currentHeight uint64) uint64 {
	return ComputeRecallHeight(time.Duration(recallDelaySeconds)*time.Second, currentHeight, c.BlockTime)
}

// RecallableAt is the calendar instant matching the recall height embedded at creation.
func RecallableAt(createdAt time.Time, recallDelay time.Duration) time.Time {
	return createdAt.UTC().Add(max(recallDelay, 0))
}

// CheckRecallable is the local fail-fast guard run before a recall is submitted. The ledger
// stays the final authority.
func CheckRecallable(note entities.RecallableNote, now time.Time, currentHeight uint64) error {
	if note.Status != entities.NotePending {
		return errors.Wrapf(entities.ErrInvalidTransition, "note [%s] is %s", note.SerialNumber, note.Status)
	}
	if !note.RecallableAt.IsZero() && now.Before(note.RecallableAt) {
		return errors.Wrapf(entities.ErrTimelockNotReached, "note [%s] recallable at %s", note.SerialNumber, note.RecallableAt.Format(time.RFC3339))
	}
	if currentHeight < note.RecallHeight {
		return errors.Wrapf(entities.ErrTimelockNotReached, "note [%s] recallable at height [%d], current height [%d]", note.SerialNumber, note.RecallHeight, currentHeight)
	}
	return nil
}
