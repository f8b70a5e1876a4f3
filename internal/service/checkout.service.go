package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"checkout-orchestrator/internal/domain"
	"checkout-orchestrator/internal/infrastructure/cache"
	"checkout-orchestrator/internal/infrastructure/payment"
	"checkout-orchestrator/internal/repo"
)

type CheckoutRequest struct {
	UserID string
	Items  []domain.LineItem
	// IdempotencyKey is derived from the user and cart when empty.
	IdempotencyKey string
}

// CheckoutResult reports where the order stands once the request is done.
// Order is nil when the result was replayed from the outcome cache.
type CheckoutResult struct {
	OrderID  uuid.UUID
	Status   domain.OrderStatus
	Reason   string
	Replayed bool
	Order    *domain.Order
}

type ReconcileReport struct {
	Scanned    int
	Paid       int
	Failed     int
	Cancelled  int
	Unresolved int
	Errors     int
}

type CheckoutService interface {
	Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	Cancel(ctx context.Context, id uuid.UUID, userID string) (*domain.Order, error)
	// Reconcile resolves one order against the gateway without dispatching a new charge.
	Reconcile(ctx context.Context, id uuid.UUID) (*CheckoutResult, error)
	// ReconcileStuck runs Reconcile over orders left in PENDING or AWAITING_PAYMENT past the stale threshold.
	ReconcileStuck(ctx context.Context, limit int) (ReconcileReport, error)
	PurgeExpiredKeys(ctx context.Context) (int64, error)
}

type Options struct {
	GatewayTimeout time.Duration
	KeyRetention   time.Duration
	// StaleAfter is how long an order may sit without progress before it is
	// treated as abandoned by the request that created it.
	StaleAfter time.Duration

	Cache  cache.OutcomeCache
	Logger *slog.Logger
	Now    func() time.Time
}

type resumeMode int

const (
	modeRequest resumeMode = iota
	modeSweep
)

type checkoutService struct {
	orders   repo.OrderRepo
	keys     repo.IdempotencyRepo
	payments repo.PaymentRepo
	gateway  payment.PaymentGateway

	opts   Options
	log    *slog.Logger
	tracer trace.Tracer
	flight singleflight.Group
}

func NewCheckoutService(
	orders repo.OrderRepo,
	keys repo.IdempotencyRepo,
	payments repo.PaymentRepo,
	gateway payment.PaymentGateway,
	opts Options,
) CheckoutService {
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 5 * time.Second
	}
	if opts.KeyRetention <= 0 {
		opts.KeyRetention = 24 * time.Hour
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &checkoutService{
		orders:   orders,
		keys:     keys,
		payments: payments,
		gateway:  gateway,
		opts:     opts,
		log:      l.With("component", "checkout"),
		tracer:   otel.Tracer("checkout-orchestrator/service"),
	}
}

func (s *checkoutService) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	}
	if err := domain.ValidateItems(req.Items); err != nil {
		return nil, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = domain.DeriveIdempotencyKey(req.UserID, req.Items)
	}

	ctx, span := s.tracer.Start(ctx, "checkout", trace.WithAttributes(attribute.String("idempotency_key", key)))
	defer span.End()

	// A client that goes away does not abort a checkout that has started,
	// and requests sharing the flight must not be hurt by the leader leaving.
	detached := context.WithoutCancel(ctx)
	v, err, _ := s.flight.Do(req.UserID+"\x00"+key, func() (any, error) {
		return s.checkout(detached, req.UserID, key, req.Items)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res := *v.(*CheckoutResult)
	span.SetAttributes(
		attribute.String("order_id", res.OrderID.String()),
		attribute.String("order_status", string(res.Status)),
	)
	return &res, nil
}

func (s *checkoutService) checkout(ctx context.Context, userID, key string, items []domain.LineItem) (*CheckoutResult, error) {
	rec, err := s.findRecord(ctx, key)
	switch {
	case err == nil:
		if rec.UserID != userID {
			return nil, fmt.Errorf("%w: idempotency key is bound to another user", domain.ErrConflict)
		}
		return s.resume(ctx, rec)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	now := s.opts.Now().UTC()
	order := domain.NewOrder(userID, key, items, now)
	rec = &domain.IdempotencyRecord{
		Key:       key,
		UserID:    userID,
		OrderID:   order.ID,
		State:     domain.IdempotencyInFlight,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.opts.KeyRetention),
	}

	if err := s.orders.CreateOrder(ctx, order, rec); err != nil {
		if !errors.Is(err, domain.ErrDuplicateKey) {
			return nil, err
		}
		// Another process created the order for this key first.
		existing, ferr := s.keys.Find(ctx, key)
		if ferr != nil {
			return nil, ferr
		}
		if existing.UserID != userID {
			return nil, fmt.Errorf("%w: idempotency key is bound to another user", domain.ErrConflict)
		}
		return s.resume(ctx, existing)
	}

	s.log.InfoContext(ctx, "order created",
		"order_id", order.ID,
		"user_id", userID,
		"items", len(order.Items),
		"total", order.Total().StringFixed(2),
	)
	return s.startPayment(ctx, order, domain.OrderPending)
}

func (s *checkoutService) findRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	if s.opts.Cache != nil {
		rec, err := s.opts.Cache.Get(ctx, key)
		if err != nil {
			s.log.WarnContext(ctx, "outcome cache read failed", "error", err)
		} else if rec != nil && !rec.Expired(s.opts.Now()) {
			return rec, nil
		}
	}
	return s.keys.Find(ctx, key)
}

// resume continues a checkout whose idempotency record already exists.
func (s *checkoutService) resume(ctx context.Context, rec *domain.IdempotencyRecord) (*CheckoutResult, error) {
	if rec.State.Replayable() {
		return &CheckoutResult{
			OrderID:  rec.OrderID,
			Status:   replayStatus(rec.State),
			Replayed: true,
		}, nil
	}

	order, err := s.orders.FindById(ctx, rec.OrderID)
	if err != nil {
		return nil, err
	}

	if rec.State == domain.IdempotencyFailed && order.Status == domain.OrderPaymentFailed {
		s.log.InfoContext(ctx, "retrying declined checkout", "order_id", order.ID)
		return s.startPayment(ctx, order, domain.OrderPaymentFailed)
	}
	return s.settle(ctx, order, modeRequest)
}

// startPayment moves the order to AWAITING_PAYMENT and, if this request won
// the transition, dispatches the charge.
func (s *checkoutService) startPayment(ctx context.Context, order *domain.Order, from domain.OrderStatus) (*CheckoutResult, error) {
	updated, err := s.orders.Transition(ctx, order.ID, from, domain.OrderAwaitingPayment)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) && updated != nil {
			s.log.InfoContext(ctx, "order advanced by a concurrent request", "order_id", order.ID, "status", updated.Status)
			return s.result(updated), nil
		}
		return nil, err
	}

	if from == domain.OrderPaymentFailed {
		if _, err := s.keys.UpdateState(ctx, updated.IdempotencyKey, updated.ID, domain.IdempotencyInFlight); err != nil {
			s.log.WarnContext(ctx, "reopen idempotency record failed", "order_id", updated.ID, "error", err)
		}
	}

	prev, err := s.latestAttempt(ctx, updated.ID)
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, updated, prev)
}

// dispatch claims the next attempt slot and charges the gateway. Only the
// request that inserts the attempt calls the gateway.
func (s *checkoutService) dispatch(ctx context.Context, order *domain.Order, prev *domain.PaymentAttempt) (*CheckoutResult, error) {
	seq := 1
	chargeKey := domain.ChargeKey(order.IdempotencyKey, seq)
	if prev != nil {
		if prev.Outcome == domain.PaymentSucceeded {
			return s.finish(ctx, order, nil, domain.OrderPaid)
		}
		seq = prev.Seq + 1
		chargeKey = domain.ChargeKey(order.IdempotencyKey, seq)
		if prev.Outcome == domain.PaymentIndeterminate {
			// Same key: the gateway folds this into the charge it may already hold.
			chargeKey = prev.ChargeKey
		}
	}

	now := s.opts.Now().UTC()
	attempt := &domain.PaymentAttempt{
		ID:        uuid.New(),
		OrderID:   order.ID,
		Seq:       seq,
		ChargeKey: chargeKey,
		Amount:    order.Total(),
		Outcome:   domain.PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.payments.CreateAttempt(ctx, attempt); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		// Another request holds this slot, or a cancel got to the order first.
		current, ferr := s.orders.FindById(ctx, order.ID)
		if ferr != nil {
			return nil, ferr
		}
		s.log.InfoContext(ctx, "charge not dispatched", "order_id", order.ID, "seq", seq, "status", current.Status, "reason", err)
		return s.result(current), nil
	}

	res := s.charge(ctx, attempt)

	switch res.Outcome {
	case payment.OutcomeSucceeded:
		attempt.Outcome = domain.PaymentSucceeded
		attempt.GatewayRef = res.Reference
		return s.finish(ctx, order, attempt, domain.OrderPaid)

	case payment.OutcomeDeclined:
		attempt.Outcome = domain.PaymentDeclined
		attempt.GatewayRef = res.Reference
		attempt.Reason = res.Reason
		return s.finish(ctx, order, attempt, domain.OrderPaymentFailed)

	default:
		attempt.Outcome = domain.PaymentIndeterminate
		if res.Err != nil {
			attempt.Reason = res.Err.Error()
		}
		if err := s.payments.UpdateAttempt(ctx, attempt); err != nil {
			s.log.ErrorContext(ctx, "record indeterminate attempt failed", "order_id", order.ID, "error", err)
		}
		s.log.WarnContext(ctx, "payment outcome unknown, awaiting reconciliation",
			"order_id", order.ID,
			"charge_key", chargeKey,
			"error", res.Err,
		)
		return s.result(order), nil
	}
}

// charge calls the gateway with a bounded timeout that the caller cannot cancel.
func (s *checkoutService) charge(ctx context.Context, attempt *domain.PaymentAttempt) payment.ChargeResult {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.GatewayTimeout)
	defer cancel()

	callCtx, span := s.tracer.Start(callCtx, "payment.charge", trace.WithAttributes(
		attribute.String("order_id", attempt.OrderID.String()),
		attribute.Int("attempt", attempt.Seq),
	))
	defer span.End()

	res := s.gateway.Charge(callCtx, payment.ChargeRequest{
		OrderID:        attempt.OrderID,
		Amount:         attempt.Amount,
		IdempotencyKey: attempt.ChargeKey,
	})
	span.SetAttributes(attribute.String("payment.outcome", string(res.Outcome)))
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	return res
}

// finish records the attempt outcome and moves the order out of AWAITING_PAYMENT.
// Failures are logged, never returned: the order stays resolvable by reconciliation.
func (s *checkoutService) finish(ctx context.Context, order *domain.Order, attempt *domain.PaymentAttempt, to domain.OrderStatus) (*CheckoutResult, error) {
	if attempt != nil {
		if err := s.payments.UpdateAttempt(ctx, attempt); err != nil {
			s.log.ErrorContext(ctx, "record attempt outcome failed", "order_id", order.ID, "outcome", attempt.Outcome, "error", err)
		}
	}

	updated, err := s.orders.Transition(ctx, order.ID, domain.OrderAwaitingPayment, to)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) && updated != nil {
			s.settleRecord(ctx, updated)
			return s.result(updated), nil
		}
		s.log.ErrorContext(ctx, "order transition failed, left for reconciliation", "order_id", order.ID, "to", to, "error", err)
		return s.result(order), nil
	}

	s.settleRecord(ctx, updated)
	s.log.InfoContext(ctx, "order settled", "order_id", updated.ID, "status", updated.Status)

	res := s.result(updated)
	if attempt != nil {
		res.Reason = attempt.Reason
	}
	return res, nil
}

// settleRecord brings the idempotency record in line with a settled order.
func (s *checkoutService) settleRecord(ctx context.Context, order *domain.Order) {
	state := domain.StateFor(order.Status)
	if state == domain.IdempotencyInFlight {
		return
	}
	rec, err := s.keys.UpdateState(ctx, order.IdempotencyKey, order.ID, state)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.log.ErrorContext(ctx, "finalize idempotency record failed", "order_id", order.ID, "error", err)
		}
		return
	}
	if s.opts.Cache != nil {
		if err := s.opts.Cache.Set(ctx, rec); err != nil {
			s.log.WarnContext(ctx, "outcome cache write failed", "order_id", order.ID, "error", err)
		}
	}
}

// settle drives an order whose record is still in flight towards a settled state.
// Requests may dispatch charges; the sweep only queries and cancels.
func (s *checkoutService) settle(ctx context.Context, order *domain.Order, mode resumeMode) (*CheckoutResult, error) {
	switch order.Status {
	case domain.OrderPaid, domain.OrderPaymentFailed, domain.OrderCancelled:
		s.settleRecord(ctx, order)
		return s.result(order), nil

	case domain.OrderPending:
		if mode == modeRequest {
			return s.startPayment(ctx, order, domain.OrderPending)
		}
		if !s.stale(order.UpdatedAt) {
			return s.result(order), nil
		}
		return s.abandon(ctx, order, domain.OrderPending)
	}

	latest, err := s.latestAttempt(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	switch {
	case latest == nil || latest.Outcome == domain.PaymentDeclined:
		// Nothing is in flight. Either a dispatch is about to happen or the
		// request that owned it died before calling the gateway.
		if !s.stale(order.UpdatedAt) {
			return s.result(order), nil
		}
		if mode == modeRequest {
			return s.dispatch(ctx, order, latest)
		}
		if latest == nil {
			return s.abandon(ctx, order, domain.OrderAwaitingPayment)
		}
		return s.finish(ctx, order, nil, domain.OrderPaymentFailed)

	case latest.Outcome == domain.PaymentSucceeded:
		return s.finish(ctx, order, nil, domain.OrderPaid)

	case latest.Unresolved():
		return s.resolveUnresolved(ctx, order, latest, mode)
	}
	return s.result(order), nil
}

// resolveUnresolved asks the gateway what happened to a PENDING or INDETERMINATE attempt.
func (s *checkoutService) resolveUnresolved(ctx context.Context, order *domain.Order, latest *domain.PaymentAttempt, mode resumeMode) (*CheckoutResult, error) {
	qctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	st, err := s.gateway.QueryStatus(qctx, latest.Reference())
	cancel()
	if err != nil {
		s.log.WarnContext(ctx, "query payment status failed", "order_id", order.ID, "ref", latest.Reference(), "error", err)
		return s.result(order), nil
	}

	switch st.Status {
	case payment.StatusSucceeded:
		latest.Outcome = domain.PaymentSucceeded
		if st.Reference != "" {
			latest.GatewayRef = st.Reference
		}
		s.log.InfoContext(ctx, "gateway confirms charge", "order_id", order.ID, "ref", latest.GatewayRef)
		return s.finish(ctx, order, latest, domain.OrderPaid)

	case payment.StatusDeclined:
		latest.Outcome = domain.PaymentDeclined
		if st.Reference != "" {
			latest.GatewayRef = st.Reference
		}
		latest.Reason = st.Reason
		s.log.InfoContext(ctx, "gateway reports decline", "order_id", order.ID, "ref", latest.GatewayRef)
		return s.finish(ctx, order, latest, domain.OrderPaymentFailed)
	}

	if latest.Outcome == domain.PaymentPending {
		if !s.stale(latest.UpdatedAt) {
			return s.result(order), nil
		}
		latest.Outcome = domain.PaymentIndeterminate
		latest.Reason = "dispatch interrupted"
		if err := s.payments.UpdateAttempt(ctx, latest); err != nil {
			s.log.ErrorContext(ctx, "mark interrupted attempt failed", "order_id", order.ID, "error", err)
			return s.result(order), nil
		}
	}

	if mode == modeRequest {
		return s.dispatch(ctx, order, latest)
	}
	return s.result(order), nil
}

// abandon cancels an order whose request died before dispatching a charge.
// A request that resumed it and claimed an attempt in the meantime wins.
func (s *checkoutService) abandon(ctx context.Context, order *domain.Order, from domain.OrderStatus) (*CheckoutResult, error) {
	updated, err := s.orders.CancelUndispatched(ctx, order.ID, from)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) && updated != nil {
			s.log.InfoContext(ctx, "abandon skipped", "order_id", order.ID, "status", updated.Status, "reason", err)
			return s.result(updated), nil
		}
		return nil, err
	}
	s.settleRecord(ctx, updated)
	s.log.InfoContext(ctx, "abandoned order cancelled", "order_id", order.ID, "from", from)
	return s.result(updated), nil
}

func (s *checkoutService) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return s.orders.FindById(ctx, id)
}

func (s *checkoutService) Cancel(ctx context.Context, id uuid.UUID, userID string) (*domain.Order, error) {
	order, err := s.orders.FindById(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}

	switch order.Status {
	case domain.OrderCancelled:
		return order, nil
	case domain.OrderPending:
	case domain.OrderAwaitingPayment:
		if !s.stale(order.UpdatedAt) {
			return nil, fmt.Errorf("%w: order %s is about to be charged", domain.ErrConflict, id)
		}
	default:
		return nil, fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, id, order.Status)
	}

	// The store refuses once an attempt exists, so a charge dispatched after
	// the checks above still keeps the order.
	updated, err := s.orders.CancelUndispatched(ctx, id, order.Status)
	if err != nil {
		return nil, err
	}
	s.settleRecord(ctx, updated)
	s.log.InfoContext(ctx, "order cancelled", "order_id", id)
	return updated, nil
}

func (s *checkoutService) Reconcile(ctx context.Context, id uuid.UUID) (*CheckoutResult, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile", trace.WithAttributes(attribute.String("order_id", id.String())))
	defer span.End()

	order, err := s.orders.FindById(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.settle(ctx, order, modeSweep)
}

func (s *checkoutService) ReconcileStuck(ctx context.Context, limit int) (ReconcileReport, error) {
	var report ReconcileReport

	for _, status := range []domain.OrderStatus{domain.OrderAwaitingPayment, domain.OrderPending} {
		stuck, err := s.orders.FindStuckOrders(ctx, status, s.opts.StaleAfter, limit)
		if err != nil {
			return report, err
		}
		for _, o := range stuck {
			report.Scanned++
			res, err := s.Reconcile(ctx, o.ID)
			if err != nil {
				report.Errors++
				s.log.ErrorContext(ctx, "reconcile order failed", "order_id", o.ID, "error", err)
				continue
			}
			switch res.Status {
			case domain.OrderPaid:
				report.Paid++
			case domain.OrderPaymentFailed:
				report.Failed++
			case domain.OrderCancelled:
				report.Cancelled++
			default:
				report.Unresolved++
			}
		}
	}
	return report, nil
}

func (s *checkoutService) PurgeExpiredKeys(ctx context.Context) (int64, error) {
	return s.keys.DeleteExpired(ctx, s.opts.Now().UTC())
}

func (s *checkoutService) latestAttempt(ctx context.Context, orderID uuid.UUID) (*domain.PaymentAttempt, error) {
	a, err := s.payments.LatestAttempt(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (s *checkoutService) stale(t time.Time) bool {
	return s.opts.Now().Sub(t) >= s.opts.StaleAfter
}

func (s *checkoutService) result(order *domain.Order) *CheckoutResult {
	return &CheckoutResult{OrderID: order.ID, Status: order.Status, Order: order}
}

func replayStatus(state domain.IdempotencyState) domain.OrderStatus {
	if state == domain.IdempotencyCancelled {
		return domain.OrderCancelled
	}
	return domain.OrderPaid
}
