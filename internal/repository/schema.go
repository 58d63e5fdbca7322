package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// schema is idempotent; the CHECK constraints back up the movement engine's invariants.
const schema = `
CREATE TABLE IF NOT EXISTS inventory_levels (
	variant_id          TEXT        NOT NULL,
	warehouse_id        TEXT        NOT NULL,
	on_hand             INTEGER     NOT NULL DEFAULT 0,
	reserved            INTEGER     NOT NULL DEFAULT 0,
	low_stock_threshold INTEGER     NOT NULL DEFAULT 0,
	version             BIGINT      NOT NULL DEFAULT 0,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (variant_id, warehouse_id),
	CONSTRAINT inventory_levels_on_hand_non_negative CHECK (on_hand >= 0),
	CONSTRAINT inventory_levels_reserved_non_negative CHECK (reserved >= 0),
	CONSTRAINT inventory_levels_reserved_within_on_hand CHECK (reserved <= on_hand),
	CONSTRAINT inventory_levels_threshold_non_negative CHECK (low_stock_threshold >= 0)
);

CREATE TABLE IF NOT EXISTS stock_movements (
	id             UUID          PRIMARY KEY,
	variant_id     TEXT          NOT NULL,
	warehouse_id   TEXT          NOT NULL,
	kind           TEXT          NOT NULL,
	quantity       INTEGER       NOT NULL CHECK (quantity > 0),
	unit_cost      NUMERIC(14,4),
	reference_type TEXT          NOT NULL DEFAULT '',
	reference_id   TEXT          NOT NULL DEFAULT '',
	reason_code    TEXT          NOT NULL DEFAULT '',
	notes          TEXT          NOT NULL DEFAULT '',
	actor_id       TEXT,
	on_hand_after  INTEGER       NOT NULL,
	reserved_after INTEGER       NOT NULL,
	created_at     TIMESTAMPTZ   NOT NULL DEFAULT clock_timestamp(),
	FOREIGN KEY (variant_id, warehouse_id) REFERENCES inventory_levels (variant_id, warehouse_id)
);

CREATE INDEX IF NOT EXISTS idx_stock_movements_variant ON stock_movements (variant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_stock_movements_warehouse ON stock_movements (warehouse_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_stock_movements_kind ON stock_movements (kind, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_stock_movements_created_at ON stock_movements (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_stock_movements_reference ON stock_movements (reference_type, reference_id);

CREATE TABLE IF NOT EXISTS outbox (
	id               BIGSERIAL   PRIMARY KEY,
	event_type       TEXT        NOT NULL,
	key              TEXT        NOT NULL,
	payload          JSONB       NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	published        BOOLEAN     NOT NULL DEFAULT FALSE,
	published_at     TIMESTAMPTZ,
	publish_attempts INTEGER     NOT NULL DEFAULT 0,
	last_error       TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON outbox (id) WHERE published = FALSE;
`

// Migrate creates the ledger tables if they do not exist
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Info().Msg("Ledger schema applied")
	return nil
}
