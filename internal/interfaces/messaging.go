package interfaces

import (
	"context"

	"inventory-ledger/internal/models"
)

// LowStockNotifier receives low-stock signals. Implementations used by the
// movement engine must not block.
type LowStockNotifier interface {
	OnLowStock(ctx context.Context, signal models.LowStockSignal) error
}

// OutboxPublisher delivers an outbox row to the message broker
type OutboxPublisher interface {
	PublishOutboxEvent(ctx context.Context, event *models.OutboxEvent) error
}

// OrderEventHandler handles events emitted by the order and cart modules
type OrderEventHandler interface {
	HandleOrderEvent(ctx context.Context, event *models.OrderEvent) error
}
