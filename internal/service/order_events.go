package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"inventory-ledger/internal/interfaces"
	"inventory-ledger/internal/models"
)

// OrderEventProcessor maps order and cart lifecycle events onto ledger operations
type OrderEventProcessor struct {
	ledger interfaces.LedgerService
}

func NewOrderEventProcessor(ledger interfaces.LedgerService) *OrderEventProcessor {
	return &OrderEventProcessor{ledger: ledger}
}

var _ interfaces.OrderEventHandler = (*OrderEventProcessor)(nil)

func (p *OrderEventProcessor) HandleOrderEvent(ctx context.Context, event *models.OrderEvent) error {
	switch event.EventType {
	case models.OrderEventPaid:
		return p.handlePaid(ctx, event)
	case models.OrderEventCancelled:
		return p.handleCancelled(ctx, event)
	case models.CartEventAbandoned:
		return p.handleAbandoned(ctx, event)
	default:
		log.Debug().Str("event_type", event.EventType).Str("event_id", event.EventID).Msg("Ignoring order event")
		return nil
	}
}

func (p *OrderEventProcessor) handlePaid(ctx context.Context, event *models.OrderEvent) error {
	if event.CartID == "" {
		return models.NewValidationError("cart_id", "paid order has no cart", event.CartID)
	}

	movements, err := p.ledger.CompleteOrder(ctx, event.CartID, event.OrderID)
	if err != nil {
		return fmt.Errorf("failed to complete order %s: %w", event.OrderID, err)
	}

	log.Info().Str("order_id", event.OrderID).Str("cart_id", event.CartID).Int("movements", len(movements)).Msg("Order paid, reservations consumed")
	return nil
}

// handleCancelled returns sold stock and releases whatever the cart still holds.
// A line returns at most what the order sold at that variant minus earlier
// returns, so an unpaid order or a redelivered event adds no stock.
func (p *OrderEventProcessor) handleCancelled(ctx context.Context, event *models.OrderEvent) error {
	if event.OrderID == "" {
		return models.NewValidationError("order_id", "cancelled order has no id", event.OrderID)
	}

	for _, line := range event.Lines {
		if err := p.returnLine(ctx, event.OrderID, line); err != nil {
			return err
		}
	}

	if event.CartID != "" {
		if _, err := p.ledger.ReleaseHolder(ctx, event.CartID); err != nil {
			return fmt.Errorf("failed to release cart %s: %w", event.CartID, err)
		}
	}
	return nil
}

func (p *OrderEventProcessor) returnLine(ctx context.Context, orderID string, line models.OrderLine) error {
	sold, err := p.orderQuantities(ctx, orderID, line, models.MovementIssueSale)
	if err != nil {
		return fmt.Errorf("failed to load sales for order %s: %w", orderID, err)
	}
	returned, err := p.orderQuantities(ctx, orderID, line, models.MovementReceiveReturn)
	if err != nil {
		return fmt.Errorf("failed to check earlier returns for order %s: %w", orderID, err)
	}

	warehouses := make([]string, 0, len(sold))
	for warehouseID := range sold {
		warehouses = append(warehouses, warehouseID)
	}
	sort.Strings(warehouses)

	remaining := line.Quantity
	for _, warehouseID := range warehouses {
		if remaining <= 0 {
			break
		}
		qty := sold[warehouseID] - returned[warehouseID]
		if qty <= 0 {
			continue
		}
		if qty > remaining {
			qty = remaining
		}

		if _, err := p.ledger.ReceiveStock(ctx, &models.ReceiveStockRequest{
			VariantID:   line.VariantID,
			WarehouseID: warehouseID,
			Quantity:    qty,
			Kind:        string(models.MovementReceiveReturn),
			ReasonCode:  "ORDER_CANCELLED",
			ReferenceID: orderID,
		}); err != nil {
			return fmt.Errorf("failed to return stock for order %s: %w", orderID, err)
		}
		remaining -= qty
	}

	if remaining == line.Quantity {
		log.Debug().Str("order_id", orderID).Str("variant_id", line.VariantID).Msg("Nothing sold left to return")
	}
	return nil
}

// orderQuantities sums movements of kind recorded against the order, per warehouse
func (p *OrderEventProcessor) orderQuantities(ctx context.Context, orderID string, line models.OrderLine, kind models.MovementKind) (map[string]int, error) {
	refType := models.ReferenceOrder
	filter := models.ListMovementsFilter{
		VariantID:     &line.VariantID,
		Kind:          &kind,
		ReferenceType: &refType,
		ReferenceID:   &orderID,
		Limit:         models.MaxMovementsLimit,
	}
	if line.WarehouseID != "" {
		filter.WarehouseID = &line.WarehouseID
	}

	totals := make(map[string]int)
	for {
		page, err := p.ledger.ListMovements(ctx, filter)
		if err != nil {
			return nil, err
		}
		for _, m := range page.Movements {
			totals[m.WarehouseID] += m.Quantity
		}
		filter.Offset += len(page.Movements)
		if len(page.Movements) == 0 || filter.Offset >= page.Total {
			return totals, nil
		}
	}
}

func (p *OrderEventProcessor) handleAbandoned(ctx context.Context, event *models.OrderEvent) error {
	if event.CartID == "" {
		return models.NewValidationError("cart_id", "abandoned cart has no id", event.CartID)
	}

	released, err := p.ledger.ReleaseHolder(ctx, event.CartID)
	if err != nil {
		return fmt.Errorf("failed to release cart %s: %w", event.CartID, err)
	}
	log.Info().Str("cart_id", event.CartID).Int("released", released).Msg("Cart abandoned, reservations released")
	return nil
}
