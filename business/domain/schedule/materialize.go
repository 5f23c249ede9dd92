package schedule

import (
	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/entities"
)

// NextExecution builds the next execution of def to materialize against the ledger. Indices
// are gapless and strictly increasing; an index at or past the execution bound is rejected.
func (c Calculator) NextExecution(def entities.RecurringPaymentDefinition, existing []entities.ScheduledExecution, currentHeight uint64) (entities.ScheduledExecution, error) {
	return c.Materialize(def, existing, uint32(len(existing)), currentHeight)
}

// Materialize builds execution index of def. It must be the next index after existing.
func (c Calculator) Materialize(def entities.RecurringPaymentDefinition, existing []entities.ScheduledExecution, index uint32, currentHeight uint64) (entities.ScheduledExecution, error) {
	if def.Status != entities.DefinitionActive {
		return entities.ScheduledExecution{}, errors.Wrapf(entities.ErrInvalidTransition, "payment [%s] is %s", def.ID, def.Status)
	}
	if err := validateExecutions(def, existing); err != nil {
		return entities.ScheduledExecution{}, err
	}
	if expected := uint32(len(existing)); index != expected {
		return entities.ScheduledExecution{}, errors.Wrapf(entities.ErrOutOfOrder, "payment [%s]: expected index [%d], got [%d]", def.ID, expected, index)
	}
	if maxExecutions := EffectiveMaxExecutions(def); maxExecutions != nil && index >= *maxExecutions {
		return entities.ScheduledExecution{}, errors.Wrapf(entities.ErrExecutionBoundsExceeded, "payment [%s]: index [%d] with max executions [%d]", def.ID, index, *maxExecutions)
	}

	claimable := c.ComputeClaimableTime(index, def.Frequency, currentHeight, def.CreatedAt)
	return entities.ScheduledExecution{
		PaymentID:      def.ID,
		Index:          index,
		ClaimableAt:    claimable.ClaimableAt,
		TimelockHeight: claimable.TimelockHeight,
		Amounts:        def.Amounts,
		Status:         entities.NotePending,
	}, nil
}
