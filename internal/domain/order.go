package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	OrderPaid            OrderStatus = "PAID"
	OrderPaymentFailed   OrderStatus = "PAYMENT_FAILED"
	OrderCancelled       OrderStatus = "CANCELLED"
)

// transitions lists every edge of the order state machine.
// PAYMENT_FAILED -> AWAITING_PAYMENT is the retry re-entry for the same idempotency key.
var transitions = map[OrderStatus][]OrderStatus{
	OrderPending:         {OrderAwaitingPayment, OrderCancelled},
	OrderAwaitingPayment: {OrderPaid, OrderPaymentFailed, OrderCancelled},
	OrderPaymentFailed:   {OrderAwaitingPayment},
}

func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderAwaitingPayment, OrderPaid, OrderPaymentFailed, OrderCancelled:
		return true
	}
	return false
}

type Order struct {
	ID             uuid.UUID
	UserID         string
	Items          []LineItem
	IdempotencyKey string
	Status         OrderStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LineItem prices are captured when the order is created and never rewritten.
type LineItem struct {
	ID        uuid.UUID
	OrderID   uuid.UUID
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
}

func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range o.Items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// Amounts are stored as NUMERIC(14, 2) and quantities as INTEGER.
const (
	PriceScale  = 2
	MaxQuantity = math.MaxInt32
)

// MaxAmount is the exclusive upper bound for a unit price and an order total.
var MaxAmount = decimal.New(1, 12)

// ValidateItems rejects anything the order tables could not store exactly, so the
// amount charged is the amount persisted.
func ValidateItems(items []LineItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: items must not be empty", ErrInvalidRequest)
	}
	total := decimal.Zero
	for i, it := range items {
		if it.ProductID == "" {
			return fmt.Errorf("%w: item %d has no product id", ErrInvalidRequest, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be greater than 0", ErrInvalidRequest, i)
		}
		if it.Quantity > MaxQuantity {
			return fmt.Errorf("%w: item %d quantity must be at most %d", ErrInvalidRequest, i, MaxQuantity)
		}
		if !it.UnitPrice.IsPositive() {
			return fmt.Errorf("%w: item %d price must be greater than 0", ErrInvalidRequest, i)
		}
		if !it.UnitPrice.Equal(it.UnitPrice.Round(PriceScale)) {
			return fmt.Errorf("%w: item %d price has more than %d decimal places", ErrInvalidRequest, i, PriceScale)
		}
		if it.UnitPrice.GreaterThanOrEqual(MaxAmount) {
			return fmt.Errorf("%w: item %d price must be less than %s", ErrInvalidRequest, i, MaxAmount)
		}
		total = total.Add(it.Subtotal())
	}
	if total.GreaterThanOrEqual(MaxAmount) {
		return fmt.Errorf("%w: order total must be less than %s", ErrInvalidRequest, MaxAmount)
	}
	return nil
}

func NewOrder(userID, idempotencyKey string, items []LineItem, now time.Time) *Order {
	order := &Order{
		ID:             uuid.New(),
		UserID:         userID,
		IdempotencyKey: idempotencyKey,
		Status:         OrderPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	order.Items = make([]LineItem, len(items))
	for i, it := range items {
		it.ID = uuid.New()
		it.OrderID = order.ID
		order.Items[i] = it
	}
	return order
}
