package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inventory-ledger/internal/models"
)

func TestWarehouseSelectors(t *testing.T) {
	levels := []models.InventoryLevel{
		{WarehouseID: "w3", OnHand: 8, Reserved: 7},
		{WarehouseID: "w2", OnHand: 5, Reserved: 0},
		{WarehouseID: "w1", OnHand: 8, Reserved: 6},
		{WarehouseID: "w0", OnHand: 0, Reserved: 0},
	}

	tests := []struct {
		name     string
		selector WarehouseSelector
		quantity int
		want     string
		ok       bool
	}{
		{"most on hand breaks ties by id", MostOnHand, 1, "w1", true},
		{"most on hand ignores quantity", MostOnHand, 50, "w1", true},
		{"most available", MostAvailable, 1, "w2", true},
		{"most available needs coverage", MostAvailable, 6, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.selector(levels, tt.quantity)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := MostOnHand([]models.InventoryLevel{{WarehouseID: "w1"}}, 1)
	assert.False(t, ok, "no stock on hand anywhere")
	_, ok = MostOnHand(nil, 1)
	assert.False(t, ok)
}

func TestSelectorByName(t *testing.T) {
	for _, name := range []string{"", PolicyMostOnHand, PolicyMostAvailable} {
		selector, err := SelectorByName(name)
		require.NoError(t, err)
		assert.NotNil(t, selector)
	}

	_, err := SelectorByName("round_robin")
	assert.Error(t, err)
}
