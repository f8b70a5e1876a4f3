package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"checkout-orchestrator/internal/domain"
	"checkout-orchestrator/internal/infrastructure/payment"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memStore implements the order, idempotency and payment repositories in memory.
type memStore struct {
	mu       sync.Mutex
	clock    *fakeClock
	orders   map[uuid.UUID]*domain.Order
	records  map[string]*domain.IdempotencyRecord
	attempts map[uuid.UUID][]*domain.PaymentAttempt

	createErr error
	// One-shot hooks run before the store takes its lock, to interleave a concurrent caller.
	beforeCancel  func()
	beforeAttempt func()
}

func newMemStore(clock *fakeClock) *memStore {
	return &memStore{
		clock:    clock,
		orders:   make(map[uuid.UUID]*domain.Order),
		records:  make(map[string]*domain.IdempotencyRecord),
		attempts: make(map[uuid.UUID][]*domain.PaymentAttempt),
	}
}

func copyOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Items = append([]domain.LineItem(nil), o.Items...)
	return &c
}

func (m *memStore) CreateOrder(ctx context.Context, order *domain.Order, rec *domain.IdempotencyRecord) error {
	if err := domain.ValidateItems(order.Items); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return m.createErr
	}
	if existing, ok := m.records[rec.Key]; ok && !existing.Expired(rec.CreatedAt) {
		return domain.ErrDuplicateKey
	}
	m.orders[order.ID] = copyOrder(order)
	r := *rec
	m.records[rec.Key] = &r
	return nil
}

func (m *memStore) Transition(ctx context.Context, id uuid.UUID, from, to domain.OrderStatus) (*domain.Order, error) {
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if o.Status != from {
		return copyOrder(o), fmt.Errorf("%w: order is %s", domain.ErrConflict, o.Status)
	}
	o.Status = to
	o.UpdatedAt = m.clock.Now()
	return copyOrder(o), nil
}

func (m *memStore) CancelUndispatched(ctx context.Context, id uuid.UUID, from domain.OrderStatus) (*domain.Order, error) {
	m.runHook(&m.beforeCancel)
	if !domain.CanTransition(from, domain.OrderCancelled) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, domain.OrderCancelled)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if o.Status != from {
		return copyOrder(o), fmt.Errorf("%w: order is %s", domain.ErrConflict, o.Status)
	}
	if len(m.attempts[id]) > 0 {
		return copyOrder(o), fmt.Errorf("%w: a charge was already dispatched", domain.ErrConflict)
	}
	o.Status = domain.OrderCancelled
	o.UpdatedAt = m.clock.Now()
	return copyOrder(o), nil
}

func (m *memStore) runHook(hook *func()) {
	m.mu.Lock()
	fn := *hook
	*hook = nil
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *memStore) FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyOrder(o), nil
}

func (m *memStore) FindStuckOrders(ctx context.Context, status domain.OrderStatus, olderThan time.Duration, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.clock.Now().Add(-olderThan)
	var out []domain.Order
	for _, o := range m.orders {
		if o.Status == status && o.UpdatedAt.Before(cutoff) {
			out = append(out, *copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Find(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok || r.Expired(m.clock.Now()) {
		return nil, domain.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *memStore) UpdateState(ctx context.Context, key string, orderID uuid.UUID, state domain.IdempotencyState) (*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok || r.OrderID != orderID {
		return nil, domain.ErrNotFound
	}
	r.State = state
	r.UpdatedAt = m.clock.Now()
	c := *r
	return &c, nil
}

func (m *memStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, r := range m.records {
		if !before.Before(r.ExpiresAt) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreateAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	m.runHook(&m.beforeAttempt)
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[a.OrderID]
	if !ok {
		return domain.ErrNotFound
	}
	if o.Status != domain.OrderAwaitingPayment {
		return fmt.Errorf("%w: order is %s", domain.ErrConflict, o.Status)
	}
	for _, existing := range m.attempts[a.OrderID] {
		if existing.Seq == a.Seq {
			return fmt.Errorf("%w: duplicate attempt", domain.ErrConflict)
		}
	}
	c := *a
	m.attempts[a.OrderID] = append(m.attempts[a.OrderID], &c)
	return nil
}

func (m *memStore) UpdateAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.attempts[a.OrderID] {
		if existing.ID == a.ID {
			existing.Outcome = a.Outcome
			existing.Reason = a.Reason
			if a.GatewayRef != "" {
				existing.GatewayRef = a.GatewayRef
			}
			existing.UpdatedAt = m.clock.Now()
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memStore) LatestAttempt(ctx context.Context, orderID uuid.UUID) (*domain.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.PaymentAttempt
	for _, a := range m.attempts[orderID] {
		if latest == nil || a.Seq > latest.Seq {
			latest = a
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	c := *latest
	return &c, nil
}

func (m *memStore) ListAttempts(ctx context.Context, orderID uuid.UUID) ([]domain.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PaymentAttempt, 0, len(m.attempts[orderID]))
	for _, a := range m.attempts[orderID] {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memStore) record(key string) *domain.IdempotencyRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return nil
	}
	c := *r
	return &c
}

// fakeGateway answers charges from a script, then from decide, then succeeds.
type fakeGateway struct {
	mu       sync.Mutex
	script   []payment.ChargeResult
	decide   func(req payment.ChargeRequest) payment.ChargeResult
	delay    time.Duration
	calls    []payment.ChargeRequest
	statuses map[string]payment.StatusResult
	queryErr error

	// When set, Charge signals entered and waits for release before answering.
	entered chan struct{}
	release chan struct{}
}

func newFakeGateway(script ...payment.ChargeResult) *fakeGateway {
	return &fakeGateway{script: script, statuses: make(map[string]payment.StatusResult)}
}

func (g *fakeGateway) Charge(ctx context.Context, req payment.ChargeRequest) payment.ChargeResult {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	var res payment.ChargeResult
	switch {
	case len(g.script) > 0:
		res = g.script[0]
		g.script = g.script[1:]
	case g.decide != nil:
		res = g.decide(req)
	default:
		res = payment.Succeeded("ch_" + req.IdempotencyKey)
	}
	delay := g.delay
	entered, release := g.entered, g.release
	g.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return payment.Indeterminate(fmt.Errorf("%w: %w", domain.ErrGatewayTimeout, ctx.Err()))
		}
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			return payment.Indeterminate(fmt.Errorf("%w: %w", domain.ErrGatewayTimeout, ctx.Err()))
		case <-time.After(delay):
		}
	}
	return res
}

func (g *fakeGateway) QueryStatus(ctx context.Context, ref string) (payment.StatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queryErr != nil {
		return payment.StatusResult{}, g.queryErr
	}
	if st, ok := g.statuses[ref]; ok {
		return st, nil
	}
	return payment.StatusResult{Status: payment.StatusUnknown}, nil
}

func (g *fakeGateway) setStatus(ref string, st payment.StatusResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[ref] = st
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) chargeKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, len(g.calls))
	for i, c := range g.calls {
		keys[i] = c.IdempotencyKey
	}
	return keys
}

type memCache struct {
	mu      sync.Mutex
	records map[string]*domain.IdempotencyRecord
}

func newMemCache() *memCache {
	return &memCache{records: make(map[string]*domain.IdempotencyRecord)}
}

func (c *memCache) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[key]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (c *memCache) Set(ctx context.Context, rec *domain.IdempotencyRecord) error {
	if !rec.State.Replayable() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *rec
	c.records[rec.Key] = &cp
	return nil
}
