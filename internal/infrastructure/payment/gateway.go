package payment

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomeSucceeded     Outcome = "succeeded"
	OutcomeDeclined      Outcome = "declined"
	OutcomeIndeterminate Outcome = "indeterminate"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusDeclined  Status = "declined"
	StatusUnknown   Status = "unknown"
)

type ChargeRequest struct {
	OrderID uuid.UUID
	Amount  decimal.Decimal
	// IdempotencyKey is forwarded to the gateway so a repeated charge is deduplicated there.
	IdempotencyKey string
}

// ChargeResult is one of: Succeeded with Reference, Declined with Reason,
// or Indeterminate with Err describing why the outcome is unknown.
type ChargeResult struct {
	Outcome   Outcome
	Reference string
	Reason    string
	Err       error
}

func Succeeded(ref string) ChargeResult {
	return ChargeResult{Outcome: OutcomeSucceeded, Reference: ref}
}

func Declined(ref, reason string) ChargeResult {
	return ChargeResult{Outcome: OutcomeDeclined, Reference: ref, Reason: reason}
}

func Indeterminate(err error) ChargeResult {
	return ChargeResult{Outcome: OutcomeIndeterminate, Err: err}
}

type StatusResult struct {
	Status    Status
	Reference string
	Reason    string
}

type PaymentGateway interface {
	// Charge never reports Declined unless the gateway said so explicitly.
	Charge(ctx context.Context, req ChargeRequest) ChargeResult
	// QueryStatus looks a charge up by gateway reference or by the idempotency key it was sent with.
	QueryStatus(ctx context.Context, ref string) (StatusResult, error)
}
