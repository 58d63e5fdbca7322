package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"inventory-ledger/internal/models"
)

// OutboxRepository stores movement events until the publisher hands them to Kafka
type OutboxRepository struct {
	db *sqlx.DB
}

// NewOutboxRepository creates a new outbox repository
func NewOutboxRepository(db *sqlx.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// WithOutboxLock runs fn while holding a PostgreSQL advisory lock.
// Advisory locks are session scoped, so lock and unlock share one pinned connection.
// Returns false without calling fn if another worker holds the lock.
func (r *OutboxRepository) WithOutboxLock(ctx context.Context, lockKey int64, fn func(ctx context.Context) error) (bool, error) {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockKey).Scan(&acquired); err != nil {
		log.Error().Err(err).Int64("lock_key", lockKey).Msg("pg_try_advisory_lock failed")
		return false, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	if !acquired {
		log.Debug().Int64("lock_key", lockKey).Msg("Outbox is owned by another publisher")
		return false, nil
	}

	defer func() {
		// ctx may already be cancelled on shutdown; the unlock must still reach the server
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var released bool
		if err := conn.QueryRowContext(unlockCtx, "SELECT pg_advisory_unlock($1)", lockKey).Scan(&released); err != nil {
			log.Error().Err(err).Int64("lock_key", lockKey).Msg("pg_advisory_unlock failed")
		} else if !released {
			log.Warn().Int64("lock_key", lockKey).Msg("Outbox lock was already gone at release")
		}
	}()

	return true, fn(ctx)
}

const outboxColumns = `id, event_type, key, payload, created_at, published, published_at, publish_attempts, last_error`

// FetchOutboxBatchOrdered returns up to limit pending rows, oldest first. Callers hold the outbox lock.
func (r *OutboxRepository) FetchOutboxBatchOrdered(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	events := []models.OutboxEvent{}
	query := `SELECT ` + outboxColumns + ` FROM outbox WHERE published = false ORDER BY id LIMIT $1`
	if err := r.db.SelectContext(ctx, &events, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}
	return events, nil
}

// MarkOutboxPublished flags delivered rows so the poller skips them
func (r *OutboxRepository) MarkOutboxPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET published = true, published_at = NOW() WHERE id = ANY($1) AND published = false`,
		pq.Array(ids))
	if err != nil {
		log.Error().Err(err).Int("count", len(ids)).Msg("Could not flag outbox rows as published")
		return fmt.Errorf("failed to mark outbox events as published: %w", err)
	}

	n, _ := res.RowsAffected()
	log.Debug().Int("requested", len(ids)).Int64("flagged", n).Msg("Outbox rows published")
	return nil
}

// IncrementPublishAttempts records a failed delivery; the row stays pending
func (r *OutboxRepository) IncrementPublishAttempts(ctx context.Context, id int64, lastError string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET publish_attempts = publish_attempts + 1, last_error = $2 WHERE id = $1`,
		id, lastError)
	if err != nil {
		return fmt.Errorf("failed to record publish attempt for outbox row %d: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		log.Warn().Int64("outbox_id", id).Msg("Outbox row vanished before its attempt was recorded")
	}
	return nil
}

// DeletePublishedBefore prunes delivered rows older than cutoff and reports how many went
func (r *OutboxRepository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM outbox WHERE published AND published_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune outbox: %w", err)
	}
	return res.RowsAffected()
}

// InsertOutboxEvent appends an event row. With a nil tx the row is written outside any transaction.
func (r *OutboxRepository) InsertOutboxEvent(ctx context.Context, tx *sqlx.Tx, eventType, key string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	var exec sqlx.ExecerContext = r.db
	if tx != nil {
		exec = tx
	}

	const insert = `INSERT INTO outbox (event_type, key, payload) VALUES ($1, $2, $3)`
	if _, err := exec.ExecContext(ctx, insert, eventType, key, string(body)); err != nil {
		log.Error().Err(err).Str("event_type", eventType).Str("key", key).Msg("Outbox insert failed")
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}
