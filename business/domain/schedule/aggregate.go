package schedule

import (
	"time"

	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/entities"
	"github.com/shopspring/decimal"
)

// maxOccurrenceIterations bounds the search for the execution count implied by an end date.
const maxOccurrenceIterations = 10000

var hundred = decimal.NewFromInt(100)

type TokenProgress struct {
	Faucet       string          `json:"faucetId"`
	PerExecution decimal.Decimal `json:"perExecution"`
	Locked       decimal.Decimal `json:"locked"`
	Claimed      decimal.Decimal `json:"claimed"`
	Total        decimal.Decimal `json:"total"`
}

// Progress is the roll-up of one recurring payment definition.
type Progress struct {
	PaymentID            string                    `json:"paymentId"`
	Status               entities.DefinitionStatus `json:"status"`
	Frequency            entities.Frequency        `json:"frequency"`
	ExecutionCount       uint32                    `json:"executionCount"`
	MaxExecutions        *uint32                   `json:"maxExecutions,omitempty"`
	RemainingExecutions  uint32                    `json:"remainingExecutions"`
	Tokens               []TokenProgress           `json:"tokens"`
	ClaimProgressPercent float64                   `json:"claimProgressPercent"`
	TimeProgressPercent  float64                   `json:"timeProgressPercent"`
	CurrentPeriodStart   time.Time                 `json:"currentPeriodStart"`
	NextClaimableAt      *time.Time                `json:"nextClaimableAt,omitempty"`
	NextClaimableDate    string                    `json:"nextClaimableDate,omitempty"`
	PeriodBlocks         uint64                    `json:"periodBlocks"`
}

// Aggregate rolls the executions of a definition up into locked and claimed amounts and
// claim and time progress. Definitions whose execution count exceeds their bound are
// rejected, never clamped.
func (c Calculator) Aggregate(def entities.RecurringPaymentDefinition, executions []entities.ScheduledExecution) (Progress, error) {
	if err := validateExecutions(def, executions); err != nil {
		return Progress{}, err
	}

	maxExecutions := EffectiveMaxExecutions(def)
	count := def.ExecutionCount
	if maxExecutions != nil && count > *maxExecutions {
		return Progress{}, errors.Wrapf(entities.ErrExecutionBoundsExceeded, "payment [%s]: execution count [%d] exceeds max executions [%d]", def.ID, count, *maxExecutions)
	}

	progress := Progress{
		PaymentID:      def.ID,
		Status:         def.Status,
		Frequency:      def.Frequency,
		ExecutionCount: count,
		MaxExecutions:  maxExecutions,
	}

	var remaining uint32
	if maxExecutions != nil {
		remaining = *maxExecutions - count
	}
	progress.RemainingExecutions = remaining

	totalIsZero := true
	for _, amount := range def.Amounts {
		token := TokenProgress{
			Faucet:       amount.Faucet,
			PerExecution: amount.Amount,
			Claimed:      amount.Amount.Mul(decimal.NewFromInt(int64(count))),
			Locked:       amount.Amount.Mul(decimal.NewFromInt(int64(remaining))),
		}
		if maxExecutions != nil {
			token.Total = amount.Amount.Mul(decimal.NewFromInt(int64(*maxExecutions)))
		} else {
			token.Total = token.Claimed
		}
		if !token.Total.IsZero() {
			totalIsZero = false
		}
		progress.Tokens = append(progress.Tokens, token)
	}

	if maxExecutions != nil && *maxExecutions > 0 && !totalIsZero {
		ratio := decimal.NewFromInt(int64(count)).Div(decimal.NewFromInt(int64(*maxExecutions)))
		progress.ClaimProgressPercent = clampPercent(ratio.Mul(hundred).InexactFloat64())
	}

	finished := def.Status == entities.DefinitionCompleted || (maxExecutions != nil && count >= *maxExecutions)
	// after count executions the next one is claimable at ordinal count
	start := PeriodStart(count, def.Frequency, def.CreatedAt)
	end := ClaimableAt(count, def.Frequency, def.CreatedAt)
	progress.CurrentPeriodStart = start
	progress.PeriodBlocks = uint64(end.Sub(start) / c.BlockTime)

	switch {
	case finished:
		progress.TimeProgressPercent = 100
	case def.Status == entities.DefinitionCancelled:
		progress.TimeProgressPercent = 0
	default:
		progress.TimeProgressPercent = timeProgress(c.Clock.Now(), start, end)
		progress.NextClaimableAt = &end
		progress.NextClaimableDate = FormatClaimableDate(end)
	}

	return progress, nil
}

// EffectiveMaxExecutions is the explicit execution bound, or the number of executions that
// become claimable on or before the end date when only an end date is set.
func EffectiveMaxExecutions(def entities.RecurringPaymentDefinition) *uint32 {
	if def.MaxExecutions != nil {
		value := *def.MaxExecutions
		return &value
	}
	if def.EndDate == nil {
		return nil
	}
	var count uint32
	for count < maxOccurrenceIterations {
		if ClaimableAt(count, def.Frequency, def.CreatedAt).After(*def.EndDate) {
			break
		}
		count++
	}
	return &count
}

func validateExecutions(def entities.RecurringPaymentDefinition, executions []entities.ScheduledExecution) error {
	for i, execution := range executions {
		if execution.Index != uint32(i) {
			return errors.Wrapf(entities.ErrOutOfOrder, "payment [%s]: execution at position [%d] has index [%d]", def.ID, i, execution.Index)
		}
		if execution.PaymentID != "" && execution.PaymentID != def.ID {
			return errors.Errorf("execution [%d] belongs to payment [%s], not [%s]", execution.Index, execution.PaymentID, def.ID)
		}
	}
	if maxExecutions := EffectiveMaxExecutions(def); maxExecutions != nil && uint32(len(executions)) > *maxExecutions {
		return errors.Wrapf(entities.ErrExecutionBoundsExceeded, "payment [%s]: [%d] executions for max [%d]", def.ID, len(executions), *maxExecutions)
	}
	return nil
}

func timeProgress(now, start, end time.Time) float64 {
	if !now.Before(end) {
		return 100
	}
	duration := end.Sub(start)
	if duration <= 0 {
		return 0
	}
	elapsed := now.Sub(start)
	return clampPercent(float64(elapsed) / float64(duration) * 100)
}

func clampPercent(value float64) float64 {
	return min(max(value, 0), 100)
}
