package service

import (
	"fmt"

	"inventory-ledger/internal/models"
)

// WarehouseSelector picks the warehouse a reservation of quantity draws from.
// ok is false when no level qualifies.
type WarehouseSelector func(levels []models.InventoryLevel, quantity int) (warehouseID string, ok bool)

const (
	PolicyMostOnHand    = "most_on_hand"
	PolicyMostAvailable = "most_available"
)

// MostOnHand picks the greatest on-hand among levels with stock on hand.
// Ties go to the lowest warehouse id.
func MostOnHand(levels []models.InventoryLevel, _ int) (string, bool) {
	return pickMax(levels, func(l *models.InventoryLevel) (int, bool) {
		return l.OnHand, l.OnHand > 0
	})
}

// MostAvailable picks the greatest available among levels that cover quantity.
func MostAvailable(levels []models.InventoryLevel, quantity int) (string, bool) {
	return pickMax(levels, func(l *models.InventoryLevel) (int, bool) {
		return l.Available(), l.Available() >= quantity && l.Available() > 0
	})
}

func pickMax(levels []models.InventoryLevel, score func(*models.InventoryLevel) (int, bool)) (string, bool) {
	best := -1
	bestScore := 0
	for i := range levels {
		s, ok := score(&levels[i])
		if !ok {
			continue
		}
		if best < 0 || s > bestScore || (s == bestScore && levels[i].WarehouseID < levels[best].WarehouseID) {
			best = i
			bestScore = s
		}
	}
	if best < 0 {
		return "", false
	}
	return levels[best].WarehouseID, true
}

// SelectorByName resolves a configured policy name
func SelectorByName(name string) (WarehouseSelector, error) {
	switch name {
	case "", PolicyMostOnHand:
		return MostOnHand, nil
	case PolicyMostAvailable:
		return MostAvailable, nil
	default:
		return nil, fmt.Errorf("unknown warehouse policy %q", name)
	}
}
