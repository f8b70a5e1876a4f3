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

type IdempotencyRepo interface {
	// Find returns the live record for key; expired records count as missing.
	Find(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	// UpdateState changes the state of the record only while it still belongs to orderID.
	UpdateState(ctx context.Context, key string, orderID uuid.UUID, state domain.IdempotencyState) (*domain.IdempotencyRecord, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type idempotencyRepo struct {
	db *sql.DB
}

func NewIdempotencyRepo(db *sql.DB) IdempotencyRepo {
	return &idempotencyRepo{db: db}
}

func (r *idempotencyRepo) Find(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT key, user_id, order_id, state, created_at, updated_at, expires_at
		FROM idempotency_records
		WHERE key = $1 AND expires_at > $2`,
		key, time.Now().UTC(),
	).Scan(
		&rec.Key,
		&rec.UserID,
		&rec.OrderID,
		&rec.State,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idempotency key %q: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("find idempotency record", err)
	}
	return &rec, nil
}

func (r *idempotencyRepo) UpdateState(ctx context.Context, key string, orderID uuid.UUID, state domain.IdempotencyState) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := r.db.QueryRowContext(ctx, `
		UPDATE idempotency_records
		SET state = $3, updated_at = $4
		WHERE key = $1 AND order_id = $2
		RETURNING key, user_id, order_id, state, created_at, updated_at, expires_at`,
		key, orderID, state, time.Now().UTC(),
	).Scan(
		&rec.Key,
		&rec.UserID,
		&rec.OrderID,
		&rec.State,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idempotency key %q for order %s: %w", key, orderID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("update idempotency record", err)
	}
	return &rec, nil
}

func (r *idempotencyRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, storeErr("delete expired idempotency records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("delete expired idempotency records", err)
	}
	return n, nil
}
