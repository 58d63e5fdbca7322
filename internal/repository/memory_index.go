package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"inventory-ledger/internal/interfaces"
	"inventory-ledger/internal/models"
)

// MemoryReservationIndex keeps reservation entries in process memory.
type MemoryReservationIndex struct {
	mu      sync.Mutex
	entries map[models.ReservationKey]models.ReservationEntry
}

func NewMemoryReservationIndex() *MemoryReservationIndex {
	return &MemoryReservationIndex{entries: make(map[models.ReservationKey]models.ReservationEntry)}
}

var _ interfaces.ReservationIndex = (*MemoryReservationIndex)(nil)

func (x *MemoryReservationIndex) Upsert(_ context.Context, key models.ReservationKey, quantity int, at time.Time) (*models.ReservationEntry, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	entry, ok := x.entries[key]
	if !ok {
		entry = models.ReservationEntry{VariantID: key.VariantID, WarehouseID: key.WarehouseID, HolderID: key.HolderID}
	}
	entry.Quantity += quantity
	entry.ReservedAt = at
	x.entries[key] = entry
	return &entry, nil
}

func (x *MemoryReservationIndex) Get(_ context.Context, key models.ReservationKey) (*models.ReservationEntry, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	entry, ok := x.entries[key]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (x *MemoryReservationIndex) Release(_ context.Context, key models.ReservationKey, quantity int) (*models.ReservationEntry, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	entry, ok := x.entries[key]
	if !ok || quantity <= 0 {
		return nil, nil
	}

	claimed := entry
	if quantity < entry.Quantity {
		claimed.Quantity = quantity
		entry.Quantity -= quantity
		x.entries[key] = entry
	} else {
		delete(x.entries, key)
	}
	return &claimed, nil
}

func (x *MemoryReservationIndex) ClaimExpired(_ context.Context, key models.ReservationKey, cutoff time.Time) (*models.ReservationEntry, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	entry, ok := x.entries[key]
	if !ok || entry.ReservedAt.After(cutoff) {
		return nil, nil
	}
	delete(x.entries, key)
	return &entry, nil
}

func (x *MemoryReservationIndex) Restore(_ context.Context, entry models.ReservationEntry) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	key := entry.Key()
	if existing, ok := x.entries[key]; ok {
		existing.Quantity += entry.Quantity
		x.entries[key] = existing
		return nil
	}
	x.entries[key] = entry
	return nil
}

func (x *MemoryReservationIndex) ListByHolder(_ context.Context, holderID string) ([]models.ReservationEntry, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	entries := []models.ReservationEntry{}
	for key, entry := range x.entries {
		if key.HolderID == holderID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key().String() < entries[j].Key().String() })
	return entries, nil
}

func (x *MemoryReservationIndex) ListExpired(_ context.Context, cutoff time.Time, offset, limit int) ([]models.ReservationEntry, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	entries := []models.ReservationEntry{}
	for _, entry := range x.entries {
		if !entry.ReservedAt.After(cutoff) {
			entries = append(entries, entry)
		}
	}
	// same order as the Redis zset: score, then member
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ReservedAt.Equal(entries[j].ReservedAt) {
			return entries[i].ReservedAt.Before(entries[j].ReservedAt)
		}
		return entries[i].Key().String() < entries[j].Key().String()
	})
	if offset >= len(entries) {
		return []models.ReservationEntry{}, nil
	}
	if offset > 0 {
		entries = entries[offset:]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
