package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentOutcome string

const (
	PaymentPending       PaymentOutcome = "PENDING"
	PaymentSucceeded     PaymentOutcome = "SUCCEEDED"
	PaymentDeclined      PaymentOutcome = "DECLINED"
	PaymentIndeterminate PaymentOutcome = "INDETERMINATE"
)

// PaymentAttempt is one charge dispatched to the gateway.
// Seq is unique per order, which makes inserting the next attempt the dispatch guard.
type PaymentAttempt struct {
	ID         uuid.UUID
	OrderID    uuid.UUID
	Seq        int
	ChargeKey  string
	GatewayRef string
	Amount     decimal.Decimal
	Outcome    PaymentOutcome
	Reason     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Reference is what the gateway can be queried by: its own reference once
// assigned, else the idempotency key the charge was sent with.
func (a *PaymentAttempt) Reference() string {
	if a.GatewayRef != "" {
		return a.GatewayRef
	}
	return a.ChargeKey
}

func (a *PaymentAttempt) Unresolved() bool {
	return a.Outcome == PaymentPending || a.Outcome == PaymentIndeterminate
}

func ChargeKey(idempotencyKey string, seq int) string {
	return fmt.Sprintf("%s:%d", idempotencyKey, seq)
}
