package models

import "time"

// OutboxEvent represents the outbox pattern table for reliable event publishing
type OutboxEvent struct {
	ID              int64      `db:"id" json:"id"`
	EventType       string     `db:"event_type" json:"event_type"`
	Key             string     `db:"key" json:"key"`
	Payload         string     `db:"payload" json:"payload"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	Published       bool       `db:"published" json:"published"`
	PublishedAt     *time.Time `db:"published_at" json:"published_at,omitempty"`
	PublishAttempts int        `db:"publish_attempts" json:"publish_attempts"`
	LastError       *string    `db:"last_error" json:"last_error,omitempty"`
}

// Order and cart event types consumed from the order module
const (
	OrderEventPaid      = "order.paid"
	OrderEventCancelled = "order.cancelled"
	CartEventAbandoned  = "cart.abandoned"
)

// OrderLine is one variant line of an order
type OrderLine struct {
	VariantID   string `json:"variant_id"`
	WarehouseID string `json:"warehouse_id"`
	Quantity    int    `json:"quantity"`
}

// OrderEvent is published by the order module; CartID is the reservation holder.
type OrderEvent struct {
	EventID   string      `json:"event_id"`
	EventType string      `json:"event_type"`
	OrderID   string      `json:"order_id"`
	CartID    string      `json:"cart_id"`
	Lines     []OrderLine `json:"lines,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
