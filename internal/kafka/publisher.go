package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"inventory-ledger/internal/interfaces"
	"inventory-ledger/internal/models"
)

// messageWriter is the part of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutboxStore is the outbox side the publisher loop drains
type OutboxStore interface {
	WithOutboxLock(ctx context.Context, lockKey int64, fn func(ctx context.Context) error) (bool, error)
	FetchOutboxBatchOrdered(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, ids []int64) error
	IncrementPublishAttempts(ctx context.Context, id int64, lastError string) error
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// OutboxConfig controls the outbox publisher loop
type OutboxConfig struct {
	LockKey      int64
	BatchSize    int
	PollInterval time.Duration
	Retention    time.Duration
}

// Publisher handles publishing ledger events to Kafka
type Publisher struct {
	movementsWriter messageWriter
	lowStockWriter  messageWriter
}

// NewPublisher creates a new Kafka publisher
func NewPublisher(brokers []string, movementsTopic, lowStockTopic string) *Publisher {
	// Hash balancer keyed by variant keeps a variant's movements ordered within one partition
	movementsWriter := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  movementsTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		BatchSize:              1,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
	}

	lowStockWriter := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  lowStockTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            2,
		WriteTimeout:           5 * time.Second,
	}

	return &Publisher{
		movementsWriter: movementsWriter,
		lowStockWriter:  lowStockWriter,
	}
}

var (
	_ interfaces.LowStockNotifier = (*Publisher)(nil)
	_ interfaces.OutboxPublisher  = (*Publisher)(nil)
)

// OnLowStock publishes a low-stock signal to the low-stock topic
func (p *Publisher) OnLowStock(ctx context.Context, signal models.LowStockSignal) error {
	data, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("failed to marshal low-stock signal: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(signal.VariantID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(models.EventTypeLowStock)},
			{Key: "warehouse-id", Value: []byte(signal.WarehouseID)},
		},
	}

	if err := p.lowStockWriter.WriteMessages(ctx, message); err != nil {
		log.Error().Err(err).
			Str("variant_id", signal.VariantID).
			Str("warehouse_id", signal.WarehouseID).
			Msg("Failed to publish low-stock signal")
		return fmt.Errorf("failed to publish low-stock signal: %w", err)
	}

	log.Info().
		Str("variant_id", signal.VariantID).
		Str("warehouse_id", signal.WarehouseID).
		Int("available", signal.Available).
		Int("threshold", signal.Threshold).
		Msg("Published low-stock signal")
	return nil
}

// PublishOutboxEvent writes one outbox row to the movements topic
func (p *Publisher) PublishOutboxEvent(ctx context.Context, event *models.OutboxEvent) error {
	message := kafka.Message{
		Key:   []byte(event.Key),
		Value: []byte(event.Payload),
		Time:  event.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.EventType)},
			{Key: "outbox-id", Value: []byte(fmt.Sprintf("%d", event.ID))},
		},
	}

	if err := p.movementsWriter.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}
	return nil
}

// RunOutboxPublisher drains the outbox until ctx is done. Only the instance
// holding the advisory lock publishes in a given cycle.
func (p *Publisher) RunOutboxPublisher(ctx context.Context, store OutboxStore, cfg OutboxConfig) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}

	log.Info().
		Int64("lock_key", cfg.LockKey).
		Int("batch_size", cfg.BatchSize).
		Dur("poll_interval", cfg.PollInterval).
		Msg("Starting outbox publisher")

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping outbox publisher")
			return
		case <-ticker.C:
			if err := p.ProcessOutboxBatch(ctx, store, cfg.LockKey, cfg.BatchSize); err != nil {
				log.Error().Err(err).Msg("Failed to process outbox batch")
			}
		case <-cleanup.C:
			if cfg.Retention <= 0 {
				continue
			}
			deleted, err := store.DeletePublishedBefore(ctx, time.Now().Add(-cfg.Retention))
			if err != nil {
				log.Error().Err(err).Msg("Failed to clean up outbox")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Msg("Cleaned up published outbox rows")
			}
		}
	}
}

// ProcessOutboxBatch publishes one batch under the advisory lock
func (p *Publisher) ProcessOutboxBatch(ctx context.Context, store OutboxStore, lockKey int64, batchSize int) error {
	acquired, err := store.WithOutboxLock(ctx, lockKey, func(ctx context.Context) error {
		events, err := store.FetchOutboxBatchOrdered(ctx, batchSize)
		if err != nil {
			return fmt.Errorf("failed to fetch outbox batch: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		var published []int64
		for i := range events {
			event := &events[i]
			if err := p.PublishOutboxEvent(ctx, event); err != nil {
				log.Error().Err(err).
					Int64("outbox_id", event.ID).
					Str("event_type", event.EventType).
					Str("key", event.Key).
					Msg("Failed to publish outbox event")

				if incErr := store.IncrementPublishAttempts(ctx, event.ID, err.Error()); incErr != nil {
					log.Error().Err(incErr).Int64("outbox_id", event.ID).Msg("Failed to increment publish attempts")
				}
				// later rows of the same variant must not overtake this one
				break
			}
			published = append(published, event.ID)
		}

		if len(published) == 0 {
			return nil
		}
		if err := store.MarkOutboxPublished(ctx, published); err != nil {
			return fmt.Errorf("failed to mark events as published: %w", err)
		}
		log.Info().Int("published_count", len(published)).Int("total_count", len(events)).Msg("Outbox batch processed")
		return nil
	})
	if err != nil {
		return err
	}
	if !acquired {
		log.Debug().Msg("Lock held by another worker, skipping batch")
	}
	return nil
}

// Close closes the Kafka writers
func (p *Publisher) Close() error {
	var errs []error
	if err := p.movementsWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close movements writer: %w", err))
	}
	if err := p.lowStockWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close low-stock writer: %w", err))
	}
	return errors.Join(errs...)
}
