package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"inventory-ledger/internal/interfaces"
	"inventory-ledger/internal/models"
	"inventory-ledger/internal/repository"
)

const testTTL = 1200 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu      sync.Mutex
	signals []models.LowStockSignal
}

func (s *recordingSink) OnLowStock(_ context.Context, signal models.LowStockSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, signal)
	return nil
}

func (s *recordingSink) Signals() []models.LowStockSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LowStockSignal(nil), s.signals...)
}

type recordingCache struct {
	mu              sync.Mutex
	levels          map[string][]models.InventoryLevel
	generations     map[string]int64
	invalidated     []string
	staleFills      int
	getErr          error
	invalidateDelay time.Duration
}

func newRecordingCache() *recordingCache {
	return &recordingCache{
		levels:      make(map[string][]models.InventoryLevel),
		generations: make(map[string]int64),
	}
}

func (c *recordingCache) GetLevels(_ context.Context, variantID string) ([]models.InventoryLevel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.levels[variantID], nil
}

func (c *recordingCache) Generation(_ context.Context, variantID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[variantID], nil
}

func (c *recordingCache) SetLevels(_ context.Context, variantID string, generation int64, levels []models.InventoryLevel) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[variantID] != generation {
		c.staleFills++
		return false, nil
	}
	if levels == nil {
		levels = []models.InventoryLevel{}
	}
	c.levels[variantID] = levels
	return true, nil
}

func (c *recordingCache) Invalidate(_ context.Context, variantID string) error {
	c.mu.Lock()
	delay := c.invalidateDelay
	c.mu.Unlock()
	time.Sleep(delay)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.levels, variantID)
	c.generations[variantID]++
	c.invalidated = append(c.invalidated, variantID)
	return nil
}

func (c *recordingCache) StaleFills() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staleFills
}

func (c *recordingCache) Invalidated() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.invalidated...)
}

func (c *recordingCache) Cached(variantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.levels[variantID]
	return ok
}

// flakyLedger fails the next transaction on demand
type flakyLedger struct {
	*repository.MemoryLedger
	failNext atomic.Bool
}

var errStoreDown = errors.New("connection reset by peer")

func (f *flakyLedger) InTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) error {
	if f.failNext.CompareAndSwap(true, false) {
		return errStoreDown
	}
	return f.MemoryLedger.InTx(ctx, fn)
}

// flakyIndex fails the next upsert on demand, and every claim of a stuck holder
type flakyIndex struct {
	*repository.MemoryReservationIndex
	failUpsert atomic.Bool

	mu    sync.Mutex
	stuck map[string]bool
}

func (f *flakyIndex) Stick(holderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stuck == nil {
		f.stuck = make(map[string]bool)
	}
	f.stuck[holderID] = true
}

func (f *flakyIndex) ClaimExpired(ctx context.Context, key models.ReservationKey, cutoff time.Time) (*models.ReservationEntry, error) {
	f.mu.Lock()
	stuck := f.stuck[key.HolderID]
	f.mu.Unlock()
	if stuck {
		return nil, errors.New("redis: i/o timeout")
	}
	return f.MemoryReservationIndex.ClaimExpired(ctx, key, cutoff)
}

func (f *flakyIndex) Upsert(ctx context.Context, key models.ReservationKey, quantity int, at time.Time) (*models.ReservationEntry, error) {
	if f.failUpsert.CompareAndSwap(true, false) {
		return nil, errors.New("redis: connection pool timeout")
	}
	return f.MemoryReservationIndex.Upsert(ctx, key, quantity, at)
}

type harness struct {
	clock       *fakeClock
	store       *flakyLedger
	index       *flakyIndex
	sink        *recordingSink
	cache       *recordingCache
	engine      *MovementEngine
	coordinator *ReservationCoordinator
	scheduler   *ExpiryScheduler
	ledger      *LedgerService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock: newFakeClock(),
		sink:  &recordingSink{},
		cache: newRecordingCache(),
	}
	h.store = &flakyLedger{MemoryLedger: repository.NewMemoryLedger().WithClock(h.clock.Now)}
	h.index = &flakyIndex{MemoryReservationIndex: repository.NewMemoryReservationIndex()}

	var err error
	h.engine, err = NewMovementEngine(h.store, h.cache, h.sink, EngineConfig{
		Timeout:                  5 * time.Second,
		DefaultLowStockThreshold: 5,
	})
	require.NoError(t, err)

	h.coordinator, err = NewReservationCoordinator(h.engine, h.store, h.index, MostOnHand, testTTL)
	require.NoError(t, err)
	h.coordinator.WithClock(h.clock.Now)

	h.scheduler, err = NewExpiryScheduler(h.coordinator, h.index, SchedulerConfig{
		ReservationTTL: testTTL,
		SweepInterval:  time.Minute,
		BatchSize:      10,
	})
	require.NoError(t, err)
	h.scheduler.WithClock(h.clock.Now)

	h.ledger = NewLedgerService(h.engine, h.coordinator, h.store, h.cache)
	return h
}

func (h *harness) stock(t *testing.T, variantID, warehouseID string, qty int) {
	t.Helper()
	_, err := h.engine.ApplyMovement(context.Background(), models.MovementRequest{
		VariantID:   variantID,
		WarehouseID: warehouseID,
		Kind:        models.MovementReceive,
		Quantity:    qty,
	})
	require.NoError(t, err)
}

func (h *harness) level(t *testing.T, variantID, warehouseID string) models.InventoryLevel {
	t.Helper()
	level, err := h.store.GetLevel(context.Background(), models.LevelKey{VariantID: variantID, WarehouseID: warehouseID})
	require.NoError(t, err)
	require.NotNil(t, level)
	return *level
}

func (h *harness) movementsOfKind(kind models.MovementKind) []models.StockMovement {
	var out []models.StockMovement
	for _, m := range h.store.Movements() {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}
