package action

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/business/domain/schedule"
	"github.com/qash-finance/schedule-service/entities"
)

// MaxSchedulePreview bounds the number of entries Schedule returns.
const MaxSchedulePreview = 120

type ScheduleEntry struct {
	Index          uint32              `json:"index"`
	ClaimableAt    time.Time           `json:"claimableAt"`
	Date           string              `json:"date"`
	TimelockHeight uint64              `json:"timelockHeight"`
	BlocksToWait   uint64              `json:"blocksToWait"`
	Status         entities.NoteStatus `json:"status,omitempty"`
	NoteID         string              `json:"noteId,omitempty"`
}

func (s *Service) Pause(ctx context.Context, id string) (entities.RecurringPaymentDefinition, error) {
	return s.transition(ctx, "pause", id, entities.DefinitionPaused, s.backend.PausePayment)
}

func (s *Service) Resume(ctx context.Context, id string) (entities.RecurringPaymentDefinition, error) {
	return s.transition(ctx, "resume", id, entities.DefinitionActive, s.backend.ResumePayment)
}

func (s *Service) Cancel(ctx context.Context, id string) (entities.RecurringPaymentDefinition, error) {
	return s.transition(ctx, "cancel", id, entities.DefinitionCancelled, s.backend.CancelPayment)
}

// Delete removes a definition. Active definitions have to be paused or cancelled first.
func (s *Service) Delete(ctx context.Context, id string) error {
	def, _, err := s.backend.GetPayment(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "getting payment [%s]", id)
	}
	if def.Status == entities.DefinitionActive {
		s.observe("delete", outcomeFailed)
		return errors.Wrapf(entities.ErrInvalidTransition, "payment [%s] is %s", id, def.Status)
	}
	if err := s.backend.DeletePayment(ctx, id); err != nil {
		s.observe("delete", outcomeFailed)
		return errors.Wrapf(err, "deleting payment [%s]", id)
	}
	s.observe("delete", outcomeSuccess)
	s.logger.Infow("Deleted payment.", "payment", id)
	s.refresh(ctx, def.Payer)
	s.refresh(ctx, def.Payee)
	return nil
}

func (s *Service) transition(ctx context.Context, action, id string, target entities.DefinitionStatus, call func(context.Context, string) error) (entities.RecurringPaymentDefinition, error) {
	def, _, err := s.backend.GetPayment(ctx, id)
	if err != nil {
		return entities.RecurringPaymentDefinition{}, errors.Wrapf(err, "getting payment [%s]", id)
	}
	if def.Status == target {
		s.observe(action, outcomeSkipped)
		return def, nil
	}
	if !def.Status.CanTransitionTo(target) {
		s.observe(action, outcomeFailed)
		return def, errors.Wrapf(entities.ErrInvalidTransition, "payment [%s]: %s to %s", id, def.Status, target)
	}

	if err := call(ctx, id); err != nil {
		s.observe(action, outcomeFailed)
		return def, errors.Wrapf(err, "%s payment [%s]", action, id)
	}
	s.observe(action, outcomeSuccess)
	s.logger.Infow("Payment status changed.", "payment", id, "from", def.Status, "to", target)

	def.Status = target
	s.refresh(ctx, def.Payer)
	s.refresh(ctx, def.Payee)
	return def, nil
}

func (s *Service) List(ctx context.Context, query entities.PaymentQuery) ([]entities.RecurringPaymentDefinition, error) {
	defs, err := s.backend.ListPayments(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "listing payments")
	}
	return defs, nil
}

// Progress rolls up the executions of a payment.
func (s *Service) Progress(ctx context.Context, id string) (schedule.Progress, error) {
	def, executions, err := s.backend.GetPayment(ctx, id)
	if err != nil {
		return schedule.Progress{}, errors.Wrapf(err, "getting payment [%s]", id)
	}
	progress, err := s.calculator.Aggregate(def, executions)
	if err != nil {
		return schedule.Progress{}, errors.Wrapf(err, "aggregating payment [%s]", id)
	}
	return progress, nil
}

// Schedule previews the first count executions of a payment.
func (s *Service) Schedule(ctx context.Context, id string, count uint32) ([]ScheduleEntry, error) {
	def, executions, err := s.backend.GetPayment(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "getting payment [%s]", id)
	}
	height, err := s.heights.CurrentHeight(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting current height")
	}

	count = min(count, MaxSchedulePreview)
	if maxExecutions := schedule.EffectiveMaxExecutions(def); maxExecutions != nil {
		count = min(count, *maxExecutions)
	}

	entries := make([]ScheduleEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		claimable := s.calculator.ComputeClaimableTime(i, def.Frequency, height, def.CreatedAt)
		entry := ScheduleEntry{
			Index:          i,
			ClaimableAt:    claimable.ClaimableAt,
			Date:           schedule.FormatClaimableDate(claimable.ClaimableAt),
			TimelockHeight: claimable.TimelockHeight,
			BlocksToWait:   claimable.BlocksToWait,
		}
		if int(i) < len(executions) {
			entry.Status = executions[i].Status
			entry.NoteID = executions[i].NoteID
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// NextExecution is the next execution of an active payment at the current height.
func (s *Service) NextExecution(ctx context.Context, id string) (entities.ScheduledExecution, error) {
	def, executions, err := s.backend.GetPayment(ctx, id)
	if err != nil {
		return entities.ScheduledExecution{}, errors.Wrapf(err, "getting payment [%s]", id)
	}
	height, err := s.heights.CurrentHeight(ctx)
	if err != nil {
		return entities.ScheduledExecution{}, errors.Wrap(err, "getting current height")
	}
	return s.calculator.NextExecution(def, executions, height)
}

func (s *Service) Create(ctx context.Context, request entities.CreatePaymentRequest) (entities.RecurringPaymentDefinition, error) {
	if err := validateCreate(request, s.calculator.Clock.Now()); err != nil {
		s.observe("create", outcomeFailed)
		return entities.RecurringPaymentDefinition{}, err
	}
	def, err := s.backend.CreatePayment(ctx, request)
	if err != nil {
		s.observe("create", outcomeFailed)
		return entities.RecurringPaymentDefinition{}, errors.Wrap(err, "creating payment")
	}
	s.observe("create", outcomeSuccess)
	s.logger.Infow("Created payment.", "payment", def.ID, "payer", def.Payer, "payee", def.Payee, "frequency", def.Frequency)
	return def, nil
}

// ErrInvalidRequest marks a request rejected before it reached the backend.
var ErrInvalidRequest = errors.New("invalid request")

func validateCreate(request entities.CreatePaymentRequest, now time.Time) error {
	switch {
	case request.Payer == "" || request.Payee == "":
		return errors.Wrap(ErrInvalidRequest, "payer and payee are required")
	case !request.Frequency.Valid():
		return errors.Wrapf(ErrInvalidRequest, "unknown frequency [%s]", request.Frequency)
	case len(request.Amounts) == 0:
		return errors.Wrap(ErrInvalidRequest, "at least one amount is required")
	case request.MaxExecutions != nil && *request.MaxExecutions == 0:
		return errors.Wrap(ErrInvalidRequest, "max executions must be positive")
	case request.EndDate != nil && !request.EndDate.After(now):
		return errors.Wrap(ErrInvalidRequest, "end date must be in the future")
	}
	for _, amount := range request.Amounts {
		if amount.Faucet == "" || !amount.Amount.IsPositive() {
			return errors.Wrapf(ErrInvalidRequest, "invalid amount [%s] of [%s]", amount.Amount, amount.Faucet)
		}
	}
	return nil
}
