package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"inventory-ledger/internal/interfaces"
	"inventory-ledger/internal/models"
)

// MemoryLedger is an in-process ledger store for development and tests.
// Row locks are emulated with one-slot channels held until the transaction
// ends, so writers on the same level serialize the way they do in PostgreSQL.
type MemoryLedger struct {
	mu           sync.Mutex
	levels       map[models.LevelKey]models.InventoryLevel
	movements    []models.StockMovement
	outbox       []models.OutboxEvent
	rowLocks     map[models.LevelKey]chan struct{}
	nextOutboxID int64
	now          func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		levels:   make(map[models.LevelKey]models.InventoryLevel),
		rowLocks: make(map[models.LevelKey]chan struct{}),
		now:      time.Now,
	}
}

var _ interfaces.LedgerRepository = (*MemoryLedger)(nil)

// WithClock overrides the clock used for updated_at and created_at
func (m *MemoryLedger) WithClock(now func() time.Time) *MemoryLedger {
	m.now = now
	return m
}

func (m *MemoryLedger) rowLock(key models.LevelKey) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.rowLocks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.rowLocks[key] = ch
	}
	return ch
}

// InTx stages all writes and applies them only if fn succeeds
func (m *MemoryLedger) InTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) error {
	tx := &memoryTx{
		store:  m,
		held:   make(map[models.LevelKey]chan struct{}),
		levels: make(map[models.LevelKey]*models.InventoryLevel),
	}
	defer tx.unlockAll()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, level := range tx.levels {
		m.levels[key] = *level
	}
	m.movements = append(m.movements, tx.movements...)
	for _, event := range tx.outbox {
		m.nextOutboxID++
		event.ID = m.nextOutboxID
		m.outbox = append(m.outbox, event)
	}
	return nil
}

func (m *MemoryLedger) GetLevel(_ context.Context, key models.LevelKey) (*models.InventoryLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	level, ok := m.levels[key]
	if !ok {
		return nil, nil
	}
	return &level, nil
}

func (m *MemoryLedger) ListLevelsByVariant(_ context.Context, variantID string) ([]models.InventoryLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	levels := []models.InventoryLevel{}
	for key, level := range m.levels {
		if key.VariantID == variantID {
			levels = append(levels, level)
		}
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].WarehouseID < levels[j].WarehouseID })
	return levels, nil
}

func (m *MemoryLedger) GetMovement(_ context.Context, id uuid.UUID) (*models.StockMovement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.movements {
		if m.movements[i].ID == id {
			movement := m.movements[i]
			return &movement, nil
		}
	}
	return nil, nil
}

// ListMovements returns newest first, like the SQL store
func (m *MemoryLedger) ListMovements(_ context.Context, filter models.ListMovementsFilter) ([]models.StockMovement, int, error) {
	filter.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := []models.StockMovement{}
	for i := len(m.movements) - 1; i >= 0; i-- {
		if filter.Matches(&m.movements[i]) {
			matched = append(matched, m.movements[i])
		}
	}

	total := len(matched)
	if filter.Offset >= total {
		return []models.StockMovement{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return matched[filter.Offset:end], total, nil
}

// Movements returns the whole log in append order
func (m *MemoryLedger) Movements() []models.StockMovement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.StockMovement(nil), m.movements...)
}

// OutboxEvents returns every committed outbox row
func (m *MemoryLedger) OutboxEvents() []models.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OutboxEvent(nil), m.outbox...)
}

type memoryTx struct {
	store     *MemoryLedger
	held      map[models.LevelKey]chan struct{}
	levels    map[models.LevelKey]*models.InventoryLevel
	movements []models.StockMovement
	outbox    []models.OutboxEvent
}

func (t *memoryTx) unlockAll() {
	for _, ch := range t.held {
		<-ch
	}
}

func (t *memoryTx) LockLevel(ctx context.Context, key models.LevelKey, defaultThreshold int) (*models.InventoryLevel, error) {
	if _, ok := t.held[key]; !ok {
		ch := t.store.rowLock(key)
		select {
		case ch <- struct{}{}:
			t.held[key] = ch
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to lock level: %w", ctx.Err())
		}
	}

	if staged, ok := t.levels[key]; ok {
		level := *staged
		return &level, nil
	}

	t.store.mu.Lock()
	level, ok := t.store.levels[key]
	t.store.mu.Unlock()
	if !ok {
		level = models.InventoryLevel{
			VariantID:         key.VariantID,
			WarehouseID:       key.WarehouseID,
			LowStockThreshold: defaultThreshold,
			UpdatedAt:         t.store.now(),
		}
	}

	staged := level
	t.levels[key] = &staged
	return &level, nil
}

func (t *memoryTx) UpdateLevel(_ context.Context, level *models.InventoryLevel) error {
	key := level.Key()
	if _, ok := t.held[key]; !ok {
		return fmt.Errorf("level %s updated without lock", key)
	}
	staged := t.levels[key]
	if staged.Version != level.Version {
		return fmt.Errorf("optimistic lock failed: level %s version mismatch", key)
	}

	level.Version++
	level.UpdatedAt = t.store.now()
	updated := *level
	t.levels[key] = &updated
	return nil
}

func (t *memoryTx) InsertMovement(_ context.Context, movement *models.StockMovement) error {
	movement.CreatedAt = t.store.now()
	t.movements = append(t.movements, *movement)
	return nil
}

func (t *memoryTx) InsertOutboxEvent(_ context.Context, eventType, key string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	t.outbox = append(t.outbox, models.OutboxEvent{
		EventType: eventType,
		Key:       key,
		Payload:   string(payloadJSON),
		CreatedAt: t.store.now(),
	})
	return nil
}
