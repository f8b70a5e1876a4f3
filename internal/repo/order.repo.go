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

type OrderRepo interface {
	// CreateOrder stores the order, its items and the in-flight idempotency record in one transaction.
	CreateOrder(ctx context.Context, order *domain.Order, record *domain.IdempotencyRecord) error
	// Transition moves the order from one status to another only if it is still in from.
	Transition(ctx context.Context, id uuid.UUID, from, to domain.OrderStatus) (*domain.Order, error)
	// CancelUndispatched cancels an order still in from that has no payment attempt.
	// It fails with domain.ErrConflict, returning the current order, once a charge was dispatched.
	CancelUndispatched(ctx context.Context, id uuid.UUID, from domain.OrderStatus) (*domain.Order, error)
	FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	// FindStuckOrders returns orders (without items) sitting in status since before now-olderThan.
	FindStuckOrders(ctx context.Context, status domain.OrderStatus, olderThan time.Duration, limit int) ([]domain.Order, error)
}

type orderRepo struct {
	db *sql.DB
}

func NewOrderRepo(db *sql.DB) OrderRepo {
	return &orderRepo{db: db}
}

const orderColumns = `id, user_id, idempotency_key, status, created_at, updated_at`

func (r *orderRepo) CreateOrder(ctx context.Context, order *domain.Order, record *domain.IdempotencyRecord) error {
	if err := domain.ValidateItems(order.Items); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("create order", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		order.ID, order.UserID, order.IdempotencyKey, order.Status, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return storeErr("create order", err)
	}

	for i, it := range order.Items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO order_items (id, order_id, position, product_id, quantity, unit_price) VALUES ($1, $2, $3, $4, $5, $6)`,
			it.ID, order.ID, i, it.ProductID, it.Quantity, it.UnitPrice,
		)
		if err != nil {
			return storeErr("create order item", err)
		}
	}

	// An expired record with the same key is taken over; a live one is not.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, user_id, order_id, state, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    order_id = EXCLUDED.order_id,
		    state = EXCLUDED.state,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at,
		    expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= EXCLUDED.created_at`,
		record.Key, record.UserID, record.OrderID, record.State, record.CreatedAt, record.UpdatedAt, record.ExpiresAt,
	)
	if err != nil {
		return storeErr("create idempotency record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("create idempotency record", err)
	}
	if n == 0 {
		return domain.ErrDuplicateKey
	}

	if err := tx.Commit(); err != nil {
		return storeErr("create order", err)
	}
	return nil
}

func (r *orderRepo) Transition(ctx context.Context, id uuid.UUID, from, to domain.OrderStatus) (*domain.Order, error) {
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	row := r.db.QueryRowContext(ctx,
		`UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2 RETURNING `+orderColumns,
		id, from, to, time.Now().UTC(),
	)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r.conflict(ctx, id, from)
	}
	if err != nil {
		return nil, storeErr("transition order", err)
	}
	if err := r.loadItems(ctx, r.db, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *orderRepo) CancelUndispatched(ctx context.Context, id uuid.UUID, from domain.OrderStatus) (*domain.Order, error) {
	if !domain.CanTransition(from, domain.OrderCancelled) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, domain.OrderCancelled)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("cancel order", err)
	}
	defer tx.Rollback()

	// The row lock orders this cancel against CreateAttempt on the same order.
	var status domain.OrderStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("lock order", err)
	}
	if status != from {
		_ = tx.Rollback()
		return r.conflict(ctx, id, from)
	}

	var dispatched bool
	err = tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payment_attempts WHERE order_id = $1)`, id).Scan(&dispatched)
	if err != nil {
		return nil, storeErr("check payment attempts", err)
	}
	if dispatched {
		_ = tx.Rollback()
		order, err := r.FindById(ctx, id)
		if err != nil {
			return nil, err
		}
		return order, fmt.Errorf("%w: a charge was already dispatched for order %s", domain.ErrConflict, id)
	}

	order, err := scanOrder(tx.QueryRowContext(ctx,
		`UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1 RETURNING `+orderColumns,
		id, domain.OrderCancelled, time.Now().UTC(),
	))
	if err != nil {
		return nil, storeErr("cancel order", err)
	}
	if err := r.loadItems(ctx, tx, order); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("cancel order", err)
	}
	return order, nil
}

// conflict reports a lost compare-and-swap together with the order as it is now.
func (r *orderRepo) conflict(ctx context.Context, id uuid.UUID, from domain.OrderStatus) (*domain.Order, error) {
	order, err := r.FindById(ctx, id)
	if err != nil {
		return nil, err
	}
	return order, fmt.Errorf("%w: order %s is %s, expected %s", domain.ErrConflict, id, order.Status, from)
}

func (r *orderRepo) FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("find order", err)
	}
	if !order.Status.Valid() {
		return nil, fmt.Errorf("order %s has unknown status %q: %w", id, order.Status, domain.ErrPersistence)
	}
	if err := r.loadItems(ctx, r.db, order); err != nil {
		return nil, err
	}
	return order, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *orderRepo) loadItems(ctx context.Context, q queryer, order *domain.Order) error {
	rows, err := q.QueryContext(ctx,
		`SELECT id, order_id, product_id, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY position`,
		order.ID,
	)
	if err != nil {
		return storeErr("find order items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it domain.LineItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.UnitPrice); err != nil {
			return storeErr("scan order item", err)
		}
		order.Items = append(order.Items, it)
	}
	if err := rows.Err(); err != nil {
		return storeErr("find order items", err)
	}
	return nil
}

func scanOrder(s scanner) (*domain.Order, error) {
	var order domain.Order
	err := s.Scan(
		&order.ID,
		&order.UserID,
		&order.IdempotencyKey,
		&order.Status,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepo) FindStuckOrders(ctx context.Context, status domain.OrderStatus, olderThan time.Duration, limit int) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`,
		status, time.Now().Add(-olderThan), limit,
	)
	if err != nil {
		return nil, storeErr("find stuck orders", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, storeErr("scan stuck order", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find stuck orders", err)
	}
	return orders, nil
}
