package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrConflict       = errors.New("conflict")
	ErrNotFound       = errors.New("not found")
	ErrPersistence    = errors.New("persistence error")
	ErrGatewayTimeout = errors.New("payment gateway timeout")
	ErrGateway        = errors.New("payment gateway error")

	// ErrInvalidTransition is a conflict: the requested edge is not in the state machine.
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrConflict)
	// ErrDuplicateKey means a live idempotency record already holds the key.
	ErrDuplicateKey = fmt.Errorf("%w: idempotency key already in use", ErrConflict)
)
