package payment

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"checkout-orchestrator/internal/domain"
)

// MockOptions splits 100 percent of charges into behaviours. Whatever is left
// after success, decline and phantom is "lost": the call times out and the
// gateway never records a charge.
type MockOptions struct {
	SuccessPct int
	DeclinePct int
	// PhantomPct charges succeed on the gateway but the caller only sees a timeout.
	PhantomPct int

	Latency     time.Duration
	HangLatency time.Duration
}

func DefaultMockOptions() MockOptions {
	return MockOptions{
		SuccessPct:  70,
		DeclinePct:  20,
		PhantomPct:  8,
		Latency:     100 * time.Millisecond,
		HangLatency: 2 * time.Second,
	}
}

type charge struct {
	ref       string
	succeeded bool
	reason    string
}

type MockGateway struct {
	opts MockOptions

	mu      sync.RWMutex
	byKey   map[string]*charge
	byRef   map[string]*charge
	charges int
}

func NewMockGateway(opts MockOptions) *MockGateway {
	return &MockGateway{
		opts:  opts,
		byKey: make(map[string]*charge),
		byRef: make(map[string]*charge),
	}
}

func (pg *MockGateway) Charge(ctx context.Context, req ChargeRequest) ChargeResult {
	pg.mu.RLock()
	if c, ok := pg.byKey[req.IdempotencyKey]; ok {
		pg.mu.RUnlock()
		return c.result()
	}
	pg.mu.RUnlock()

	chance := rand.IntN(100)

	switch {
	case chance < pg.opts.SuccessPct:
		if err := sleep(ctx, pg.opts.Latency); err != nil {
			return Indeterminate(err)
		}
		return pg.record(req, true, "").result()

	case chance < pg.opts.SuccessPct+pg.opts.DeclinePct:
		if err := sleep(ctx, pg.opts.Latency); err != nil {
			return Indeterminate(err)
		}
		return pg.record(req, false, "card declined").result()

	case chance < pg.opts.SuccessPct+pg.opts.DeclinePct+pg.opts.PhantomPct:
		// The money moves, the response never arrives.
		c := pg.record(req, true, "")
		slog.DebugContext(ctx, "mock gateway charged but will time out", "ref", c.ref, "idempotency_key", req.IdempotencyKey)
		if err := sleep(ctx, pg.opts.HangLatency); err != nil {
			return Indeterminate(err)
		}
		return Indeterminate(fmt.Errorf("%w: connection timeout", domain.ErrGatewayTimeout))

	default:
		if err := sleep(ctx, pg.opts.HangLatency); err != nil {
			return Indeterminate(err)
		}
		return Indeterminate(fmt.Errorf("%w: connection timeout", domain.ErrGatewayTimeout))
	}
}

func (pg *MockGateway) QueryStatus(ctx context.Context, ref string) (StatusResult, error) {
	pg.mu.RLock()
	defer pg.mu.RUnlock()

	c, ok := pg.byRef[ref]
	if !ok {
		c, ok = pg.byKey[ref]
	}
	if !ok {
		return StatusResult{Status: StatusUnknown}, nil
	}
	if c.succeeded {
		return StatusResult{Status: StatusSucceeded, Reference: c.ref}, nil
	}
	return StatusResult{Status: StatusDeclined, Reference: c.ref, Reason: c.reason}, nil
}

// Charges reports how many distinct charges reached the gateway.
func (pg *MockGateway) Charges() int {
	pg.mu.RLock()
	defer pg.mu.RUnlock()
	return pg.charges
}

func (pg *MockGateway) record(req ChargeRequest, succeeded bool, reason string) *charge {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	if c, ok := pg.byKey[req.IdempotencyKey]; ok {
		return c
	}
	c := &charge{ref: "ch_" + uuid.NewString(), succeeded: succeeded, reason: reason}
	pg.byKey[req.IdempotencyKey] = c
	pg.byRef[c.ref] = c
	pg.charges++
	return c
}

func (c *charge) result() ChargeResult {
	if c.succeeded {
		return Succeeded(c.ref)
	}
	return Declined(c.ref, c.reason)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", domain.ErrGatewayTimeout, ctx.Err())
	case <-t.C:
		return nil
	}
}
