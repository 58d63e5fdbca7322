package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inventory-ledger/internal/models"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		m := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type handlerFunc func(ctx context.Context, event *models.OrderEvent) error

func (f handlerFunc) HandleOrderEvent(ctx context.Context, event *models.OrderEvent) error {
	return f(ctx, event)
}

func orderMessage(t *testing.T, offset int64, event models.OrderEvent) kafka.Message {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: data}
}

func newTestConsumer(reader *fakeReader) *Consumer {
	return &Consumer{reader: reader, maxRetries: 2, baseDelay: time.Millisecond}
}

func TestConsumer_CommitsHandledAndRejectedEvents(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		orderMessage(t, 1, models.OrderEvent{EventID: "e1", EventType: models.OrderEventPaid}),
		{Offset: 2, Value: []byte("not json")},
		orderMessage(t, 3, models.OrderEvent{EventID: "e3", EventType: models.CartEventAbandoned}),
	}}

	var mu sync.Mutex
	var handled []string
	handler := handlerFunc(func(_ context.Context, event *models.OrderEvent) error {
		mu.Lock()
		handled = append(handled, event.EventID)
		mu.Unlock()
		if event.EventID == "e3" {
			return models.NewValidationError("cart_id", "abandoned cart has no id", "")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newTestConsumer(reader).ConsumeOrderEvents(ctx, handler) }()

	assert.Eventually(t, func() bool { return len(reader.Committed()) == 3 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, reader.Committed())
	mu.Lock()
	assert.Equal(t, []string{"e1", "e3"}, handled, "e3 is not retried")
	mu.Unlock()
}

func TestConsumer_TransientFailureLeavesMessageUncommitted(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		orderMessage(t, 7, models.OrderEvent{EventID: "e7", EventType: models.OrderEventPaid}),
	}}

	attempts := 0
	handler := handlerFunc(func(context.Context, *models.OrderEvent) error {
		attempts++
		return models.NewSystemError(models.ErrorCodeDatabaseError, "movement_engine", "ledger store unavailable", errors.New("timeout"))
	})

	err := newTestConsumer(reader).ConsumeOrderEvents(context.Background(), handler)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 7")
	assert.Equal(t, 3, attempts)
	assert.Empty(t, reader.Committed())
}

func TestConsumer_RetrySucceeds(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		orderMessage(t, 1, models.OrderEvent{EventID: "e1", EventType: models.OrderEventPaid}),
	}}

	attempts := 0
	handler := handlerFunc(func(context.Context, *models.OrderEvent) error {
		attempts++
		if attempts < 2 {
			return errors.New("connection refused")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newTestConsumer(reader).ConsumeOrderEvents(ctx, handler) }()

	assert.Eventually(t, func() bool { return len(reader.Committed()) == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestDecodeOrderEvent(t *testing.T) {
	event, err := decodeOrderEvent([]byte(`{"event_id":"e1","event_type":"order.paid","order_id":"o1","cart_id":"c1"}`))
	require.NoError(t, err)
	assert.Equal(t, models.OrderEventPaid, event.EventType)
	assert.Equal(t, "c1", event.CartID)

	_, err = decodeOrderEvent([]byte(`{"event_id":"e1"}`))
	assert.Error(t, err)

	_, err = decodeOrderEvent([]byte(`{`))
	assert.Error(t, err)
}

func TestIsNonRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", models.NewValidationError("f", "bad", nil), true},
		{"business", fmt.Errorf("wrap: %w", models.ErrInsufficientOnHand), true},
		{"system", models.NewSystemError(models.ErrorCodeTimeout, "engine", "timed out", nil), false},
		{"joined business and system", errors.Join(models.ErrNotFound, models.NewSystemError(models.ErrorCodeDatabaseError, "engine", "down", nil)), false},
		{"plain", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isNonRetryableError(tt.err))
		})
	}
}
