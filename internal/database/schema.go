package database

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id                TEXT PRIMARY KEY,
		source_id         TEXT NOT NULL UNIQUE,
		title             TEXT NOT NULL,
		description       TEXT,
		price             NUMERIC(12,2) NOT NULL,
		original_price    NUMERIC(12,2),
		currency          TEXT NOT NULL DEFAULT 'BRL',
		category          TEXT,
		subcategory       TEXT,
		seller_name       TEXT,
		seller_rating     DOUBLE PRECISION,
		product_rating    DOUBLE PRECISION,
		reviews_count     INTEGER NOT NULL DEFAULT 0,
		sales_count       INTEGER NOT NULL DEFAULT 0,
		sales_7d          INTEGER NOT NULL DEFAULT 0,
		sales_30d         INTEGER NOT NULL DEFAULT 0,
		commission_rate   DOUBLE PRECISION,
		image_url         TEXT,
		images            JSONB NOT NULL DEFAULT '[]',
		video_url         TEXT,
		product_url       TEXT NOT NULL,
		affiliate_url     TEXT,
		has_free_shipping BOOLEAN NOT NULL DEFAULT FALSE,
		is_trending       BOOLEAN NOT NULL DEFAULT FALSE,
		is_on_sale        BOOLEAN NOT NULL DEFAULT FALSE,
		in_stock          BOOLEAN NOT NULL DEFAULT TRUE,
		stock_level       INTEGER,
		collected_at      TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS product_history (
		id           TEXT PRIMARY KEY,
		product_id   TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		price        NUMERIC(12,2) NOT NULL,
		sales_count  INTEGER NOT NULL DEFAULT 0,
		stock_level  INTEGER,
		collected_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_product_history_product
		ON product_history (product_id, collected_at)`,
	`CREATE TABLE IF NOT EXISTS error_pages (
		id         BIGSERIAL PRIMARY KEY,
		url        TEXT NOT NULL,
		html       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_event (
		id             UUID PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		target_stream  TEXT NOT NULL,
		status         TEXT NOT NULL,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		error_message  TEXT,
		created_at     TIMESTAMPTZ NOT NULL,
		processed_at   TIMESTAMPTZ,
		next_retry_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_event_pending
		ON outbox_event (status, next_retry_at)`,
}

// Migrate creates the tables used by the product repository and the relay.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}
