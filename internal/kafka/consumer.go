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

// messageReader is the part of *kafka.Reader the consumer uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads order and cart events from Kafka
type Consumer struct {
	reader     messageReader
	maxRetries int
	baseDelay  time.Duration
}

// NewConsumer creates a new Kafka consumer for the order events topic
func NewConsumer(brokers []string, consumerGroup, topic string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        consumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // synchronous commits
		StartOffset:    kafka.FirstOffset,
		MaxWait:        time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Error().Msgf("Kafka order events reader error: "+msg, args...)
		}),
	})

	return &Consumer{
		reader:     reader,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
	}
}

// ConsumeOrderEvents processes events until ctx is done. A message that keeps
// failing with a transient error is left uncommitted and the loop returns, so
// the group redelivers it after restart.
func (c *Consumer) ConsumeOrderEvents(ctx context.Context, handler interfaces.OrderEventHandler) error {
	log.Info().Msg("Starting to consume order events")

	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Stopping order event consumption")
				return nil
			}
			log.Error().Err(err).Msg("Failed to fetch order event")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		event, err := decodeOrderEvent(message.Value)
		if err != nil {
			log.Error().Err(err).
				Str("topic", message.Topic).
				Int("partition", message.Partition).
				Int64("offset", message.Offset).
				Msg("Skipping undecodable order event")
			c.commit(ctx, message)
			continue
		}

		if err := c.processEventWithRetry(ctx, handler, event); err != nil {
			if !isNonRetryableError(err) {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("order event %s at offset %d: %w", event.EventID, message.Offset, err)
			}
			log.Warn().Err(err).
				Str("event_type", event.EventType).
				Str("event_id", event.EventID).
				Msg("Order event rejected, skipping")
		}

		c.commit(ctx, message)
	}
}

func (c *Consumer) commit(ctx context.Context, message kafka.Message) {
	if err := c.reader.CommitMessages(ctx, message); err != nil {
		log.Error().Err(err).Int64("offset", message.Offset).Msg("Failed to commit order event")
	}
}

func decodeOrderEvent(data []byte) (*models.OrderEvent, error) {
	var event models.OrderEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order event: %w", err)
	}
	if event.EventType == "" {
		return nil, errors.New("order event has no event_type")
	}
	return &event, nil
}

// processEventWithRetry retries transient failures with exponential backoff
func (c *Consumer) processEventWithRetry(ctx context.Context, handler interfaces.OrderEventHandler, event *models.OrderEvent) error {
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		err = handler.HandleOrderEvent(ctx, event)
		if err == nil {
			return nil
		}
		if isNonRetryableError(err) {
			return err
		}

		if attempt < c.maxRetries {
			backoff := c.baseDelay * time.Duration(1<<attempt)
			log.Warn().Err(err).
				Str("event_id", event.EventID).
				Int("attempt", attempt+1).
				Int("max_retries", c.maxRetries+1).
				Dur("backoff", backoff).
				Msg("Order event processing failed, retrying after backoff")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("order event processing failed after %d attempts: %w", c.maxRetries+1, err)
}

// isNonRetryableError reports business and validation rejections; those will fail the same way again
func isNonRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if models.IsSystemError(err) {
		return false
	}
	return models.IsValidationError(err) || models.IsBusinessError(err)
}

// Close closes the Kafka reader
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close order events reader: %w", err)
	}
	return nil
}
