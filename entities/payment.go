package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

type TokenAmount struct {
	Faucet string          `json:"faucetId"`
	Amount decimal.Decimal `json:"amount"`
}

// RecurringPaymentDefinition is the payer-created recurrence rule. ExecutionCount is
// server-authoritative and never exceeds MaxExecutions.
type RecurringPaymentDefinition struct {
	ID             string           `json:"id"`
	Payer          string           `json:"payer"`
	Payee          string           `json:"payee"`
	Amounts        []TokenAmount    `json:"amounts"`
	Frequency      Frequency        `json:"frequency"`
	MaxExecutions  *uint32          `json:"maxExecutions,omitempty"`
	ExecutionCount uint32           `json:"executionCount"`
	Status         DefinitionStatus `json:"status"`
	CreatedAt      time.Time        `json:"createdAt"`
	EndDate        *time.Time       `json:"endDate,omitempty"`
}

// ScheduledExecution is one materialized turn of a recurring payment.
type ScheduledExecution struct {
	PaymentID      string        `json:"paymentId"`
	Index          uint32        `json:"index"`
	NoteID         string        `json:"noteId,omitempty"`
	ClaimableAt    time.Time     `json:"claimableAt"`
	TimelockHeight uint64        `json:"timelockHeight"`
	Amounts        []TokenAmount `json:"amounts"`
	Status         NoteStatus    `json:"status"`
}

type PaymentQuery struct {
	Status DefinitionStatus
	Payer  string
	Payee  string
}

type CreatePaymentRequest struct {
	Payer         string        `json:"payer"`
	Payee         string        `json:"payee"`
	Amounts       []TokenAmount `json:"amounts"`
	Frequency     Frequency     `json:"frequency"`
	MaxExecutions *uint32       `json:"maxExecutions,omitempty"`
	EndDate       *time.Time    `json:"endDate,omitempty"`
}
