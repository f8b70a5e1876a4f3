package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type IdempotencyState string

const (
	IdempotencyInFlight  IdempotencyState = "IN_FLIGHT"
	IdempotencySucceeded IdempotencyState = "SUCCEEDED"
	IdempotencyFailed    IdempotencyState = "FAILED"
	IdempotencyCancelled IdempotencyState = "CANCELLED"
)

// Replayable states are answered from the record without touching the gateway.
// FAILED is not: a declined checkout may be retried with the same key.
func (s IdempotencyState) Replayable() bool {
	return s == IdempotencySucceeded || s == IdempotencyCancelled
}

type IdempotencyRecord struct {
	Key       string
	UserID    string
	OrderID   uuid.UUID
	State     IdempotencyState
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// StateFor maps a settled order status onto the record state that describes it.
func StateFor(status OrderStatus) IdempotencyState {
	switch status {
	case OrderPaid:
		return IdempotencySucceeded
	case OrderPaymentFailed:
		return IdempotencyFailed
	case OrderCancelled:
		return IdempotencyCancelled
	default:
		return IdempotencyInFlight
	}
}

// DeriveIdempotencyKey builds a key from the user and a fingerprint of the cart
// for clients that do not send one. Item order does not change the key.
func DeriveIdempotencyKey(userID string, items []LineItem) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = it.ProductID + "|" + strconv.Itoa(it.Quantity) + "|" + it.UnitPrice.String()
	}
	sort.Strings(parts)

	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(parts, ";")))
	return "derived-" + hex.EncodeToString(h.Sum(nil))
}
