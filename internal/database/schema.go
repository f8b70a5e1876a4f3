package database

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    id              UUID PRIMARY KEY,
    user_id         TEXT        NOT NULL,
    idempotency_key TEXT        NOT NULL,
    status          TEXT        NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_status_updated ON orders (status, updated_at);
CREATE INDEX IF NOT EXISTS idx_orders_idempotency_key ON orders (idempotency_key);

CREATE TABLE IF NOT EXISTS order_items (
    id          UUID PRIMARY KEY,
    order_id    UUID           NOT NULL REFERENCES orders (id) ON DELETE CASCADE,
    position    INTEGER        NOT NULL,
    product_id  TEXT           NOT NULL,
    quantity    INTEGER        NOT NULL CHECK (quantity > 0),
    unit_price  NUMERIC(14, 2) NOT NULL CHECK (unit_price > 0),
    UNIQUE (order_id, position)
);

CREATE TABLE IF NOT EXISTS idempotency_records (
    key        TEXT PRIMARY KEY,
    user_id    TEXT        NOT NULL,
    order_id   UUID        NOT NULL REFERENCES orders (id),
    state      TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records (expires_at);

CREATE TABLE IF NOT EXISTS payment_attempts (
    id          UUID PRIMARY KEY,
    order_id    UUID           NOT NULL REFERENCES orders (id),
    seq         INTEGER        NOT NULL,
    charge_key  TEXT           NOT NULL,
    gateway_ref TEXT           NOT NULL DEFAULT '',
    amount      NUMERIC(14, 2) NOT NULL,
    outcome     TEXT           NOT NULL,
    reason      TEXT           NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ    NOT NULL,
    updated_at  TIMESTAMPTZ    NOT NULL,
    UNIQUE (order_id, seq)
);
`

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("database: apply schema: %w", err)
	}
	return nil
}
