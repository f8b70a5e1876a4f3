package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"checkout-orchestrator/internal/domain"
)

type PaymentRepo interface {
	// CreateAttempt claims an attempt slot while the order is AWAITING_PAYMENT, holding the
	// order row lock so a concurrent cancel cannot slip in. It fails with domain.ErrConflict
	// when the order is in any other status or already has an attempt with the same seq.
	CreateAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error
	// UpdateAttempt records the outcome, gateway reference and reason of an attempt.
	UpdateAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error
	LatestAttempt(ctx context.Context, orderID uuid.UUID) (*domain.PaymentAttempt, error)
	ListAttempts(ctx context.Context, orderID uuid.UUID) ([]domain.PaymentAttempt, error)
}

type paymentRepo struct {
	db *sql.DB
}

func NewPaymentRepo(db *sql.DB) PaymentRepo {
	return &paymentRepo{db: db}
}

const attemptColumns = `id, order_id, seq, charge_key, gateway_ref, amount, outcome, reason, created_at, updated_at`

func (r *paymentRepo) CreateAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("create payment attempt", err)
	}
	defer tx.Rollback()

	var status domain.OrderStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, a.OrderID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("order %s: %w", a.OrderID, domain.ErrNotFound)
	}
	if err != nil {
		return storeErr("lock order", err)
	}
	if status != domain.OrderAwaitingPayment {
		return fmt.Errorf("%w: order %s is %s, no charge may be dispatched", domain.ErrConflict, a.OrderID, status)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payment_attempts (`+attemptColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.OrderID, a.Seq, a.ChargeKey, a.GatewayRef, a.Amount, a.Outcome, a.Reason, a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: attempt %d for order %s already exists", domain.ErrConflict, a.Seq, a.OrderID)
	}
	if err != nil {
		return storeErr("create payment attempt", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("create payment attempt", err)
	}
	return nil
}

func (r *paymentRepo) UpdateAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	a.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_attempts
		SET outcome = $2,
		    gateway_ref = COALESCE(NULLIF($3, ''), gateway_ref),
		    reason = $4,
		    updated_at = $5
		WHERE id = $1`,
		a.ID, a.Outcome, a.GatewayRef, a.Reason, a.UpdatedAt,
	)
	if err != nil {
		return storeErr("update payment attempt", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update payment attempt", err)
	}
	if n == 0 {
		return fmt.Errorf("payment attempt %s: %w", a.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *paymentRepo) LatestAttempt(ctx context.Context, orderID uuid.UUID) (*domain.PaymentAttempt, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE order_id = $1 ORDER BY seq DESC LIMIT 1`,
		orderID,
	)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment attempts for order %s: %w", orderID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("find payment attempt", err)
	}
	return a, nil
}

func (r *paymentRepo) ListAttempts(ctx context.Context, orderID uuid.UUID) ([]domain.PaymentAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE order_id = $1 ORDER BY seq`,
		orderID,
	)
	if err != nil {
		return nil, storeErr("list payment attempts", err)
	}
	defer rows.Close()

	var attempts []domain.PaymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, storeErr("scan payment attempt", err)
		}
		attempts = append(attempts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list payment attempts", err)
	}
	return attempts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(s scanner) (*domain.PaymentAttempt, error) {
	var a domain.PaymentAttempt
	err := s.Scan(
		&a.ID,
		&a.OrderID,
		&a.Seq,
		&a.ChargeKey,
		&a.GatewayRef,
		&a.Amount,
		&a.Outcome,
		&a.Reason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
