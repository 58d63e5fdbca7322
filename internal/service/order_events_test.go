package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inventory-ledger/internal/models"
)

func TestOrderEventProcessor_Paid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 10)
	_, err := h.coordinator.Reserve(ctx, "v1", 2, "cart-1")
	require.NoError(t, err)

	processor := NewOrderEventProcessor(h.ledger)
	require.NoError(t, processor.HandleOrderEvent(ctx, &models.OrderEvent{
		EventID: "e1", EventType: models.OrderEventPaid, OrderID: "order-1", CartID: "cart-1",
	}))

	level := h.level(t, "v1", "w1")
	assert.Equal(t, 8, level.OnHand)
	assert.Equal(t, 0, level.Reserved)

	// redelivery finds nothing left to consume
	require.NoError(t, processor.HandleOrderEvent(ctx, &models.OrderEvent{
		EventID: "e1", EventType: models.OrderEventPaid, OrderID: "order-1", CartID: "cart-1",
	}))
	assert.Equal(t, 8, h.level(t, "v1", "w1").OnHand)
}

func TestOrderEventProcessor_CancelledReturnsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 10)
	_, err := h.ledger.IssueSale(ctx, "v1", "w1", 3, "order-1", nil)
	require.NoError(t, err)

	processor := NewOrderEventProcessor(h.ledger)
	event := &models.OrderEvent{
		EventID:   "e2",
		EventType: models.OrderEventCancelled,
		OrderID:   "order-1",
		Lines:     []models.OrderLine{{VariantID: "v1", WarehouseID: "w1", Quantity: 3}},
	}
	require.NoError(t, processor.HandleOrderEvent(ctx, event))
	require.NoError(t, processor.HandleOrderEvent(ctx, event))

	assert.Equal(t, 10, h.level(t, "v1", "w1").OnHand)
	returns := h.movementsOfKind(models.MovementReceiveReturn)
	require.Len(t, returns, 1)
	assert.Equal(t, "ORDER_CANCELLED", returns[0].ReasonCode)
	assert.Equal(t, models.ReferenceOrder, returns[0].ReferenceType)
}

func TestOrderEventProcessor_CancelledUnpaidOrderOnlyReleases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 10)
	_, err := h.coordinator.Reserve(ctx, "v1", 4, "cart-1")
	require.NoError(t, err)

	processor := NewOrderEventProcessor(h.ledger)
	require.NoError(t, processor.HandleOrderEvent(ctx, &models.OrderEvent{
		EventID:   "e3",
		EventType: models.OrderEventCancelled,
		OrderID:   "order-1",
		CartID:    "cart-1",
		Lines:     []models.OrderLine{{VariantID: "v1", WarehouseID: "w1", Quantity: 4}},
	}))

	level := h.level(t, "v1", "w1")
	assert.Equal(t, 10, level.OnHand, "nothing was sold, so nothing comes back")
	assert.Equal(t, 0, level.Reserved)
	assert.Empty(t, h.movementsOfKind(models.MovementReceiveReturn))
}

func TestOrderEventProcessor_CancelledReturnCappedBySale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 10)
	_, err := h.ledger.IssueSale(ctx, "v1", "w1", 3, "order-2", nil)
	require.NoError(t, err)

	processor := NewOrderEventProcessor(h.ledger)
	require.NoError(t, processor.HandleOrderEvent(ctx, &models.OrderEvent{
		EventType: models.OrderEventCancelled,
		OrderID:   "order-2",
		Lines:     []models.OrderLine{{VariantID: "v1", WarehouseID: "w1", Quantity: 5}},
	}))

	assert.Equal(t, 10, h.level(t, "v1", "w1").OnHand)
	returns := h.movementsOfKind(models.MovementReceiveReturn)
	require.Len(t, returns, 1)
	assert.Equal(t, 3, returns[0].Quantity)
}

func TestOrderEventProcessor_CancelReturnsToSellingWarehouses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 2)
	h.stock(t, "v1", "w2", 3)
	h.stock(t, "v1", "w3", 4)
	_, err := h.ledger.IssueSale(ctx, "v1", "w1", 2, "order-5", nil)
	require.NoError(t, err)
	_, err = h.ledger.IssueSale(ctx, "v1", "w2", 3, "order-5", nil)
	require.NoError(t, err)
	_, err = h.ledger.IssueSale(ctx, "v1", "w3", 1, "order-other", nil)
	require.NoError(t, err)

	processor := NewOrderEventProcessor(h.ledger)
	cancel := &models.OrderEvent{
		EventType: models.OrderEventCancelled,
		OrderID:   "order-5",
		Lines:     []models.OrderLine{{VariantID: "v1", Quantity: 5}},
	}
	require.NoError(t, processor.HandleOrderEvent(ctx, cancel))
	require.NoError(t, processor.HandleOrderEvent(ctx, cancel))

	assert.Equal(t, 2, h.level(t, "v1", "w1").OnHand)
	assert.Equal(t, 3, h.level(t, "v1", "w2").OnHand)
	assert.Equal(t, 3, h.level(t, "v1", "w3").OnHand, "other orders' sales stay sold")
	assert.Len(t, h.movementsOfKind(models.MovementReceiveReturn), 2)
}

func TestOrderEventProcessor_CancelledReleasesCart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 10)
	_, err := h.coordinator.Reserve(ctx, "v1", 4, "cart-9")
	require.NoError(t, err)

	processor := NewOrderEventProcessor(h.ledger)
	require.NoError(t, processor.HandleOrderEvent(ctx, &models.OrderEvent{
		EventType: models.OrderEventCancelled, OrderID: "order-9", CartID: "cart-9",
	}))
	assert.Equal(t, 0, h.level(t, "v1", "w1").Reserved)
}

func TestOrderEventProcessor_Abandoned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 10)
	_, err := h.coordinator.Reserve(ctx, "v1", 4, "cart-2")
	require.NoError(t, err)

	processor := NewOrderEventProcessor(h.ledger)
	require.NoError(t, processor.HandleOrderEvent(ctx, &models.OrderEvent{EventType: models.CartEventAbandoned, CartID: "cart-2"}))
	assert.Equal(t, 0, h.level(t, "v1", "w1").Reserved)

	err = processor.HandleOrderEvent(ctx, &models.OrderEvent{EventType: models.CartEventAbandoned})
	assert.True(t, models.IsValidationError(err))
}

func TestOrderEventProcessor_IgnoresUnknown(t *testing.T) {
	h := newHarness(t)
	processor := NewOrderEventProcessor(h.ledger)

	assert.NoError(t, processor.HandleOrderEvent(context.Background(), &models.OrderEvent{EventType: "order.shipped"}))
	assert.Empty(t, h.store.Movements())
}

func TestOrderEventProcessor_StoreFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 10)
	_, err := h.coordinator.Reserve(ctx, "v1", 1, "cart-3")
	require.NoError(t, err)

	h.store.failNext.Store(true)
	processor := NewOrderEventProcessor(h.ledger)
	err = processor.HandleOrderEvent(ctx, &models.OrderEvent{EventType: models.CartEventAbandoned, CartID: "cart-3"})
	require.Error(t, err)
	assert.True(t, models.IsSystemError(err))
}
