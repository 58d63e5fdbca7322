package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"

	"inventory-ledger/internal/models"
)

// LedgerRepository defines the contract for the durable ledger store
type LedgerRepository interface {
	// InTx runs fn in one transaction; any error from fn rolls everything back.
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error

	// Level reads (no locks)
	GetLevel(ctx context.Context, key models.LevelKey) (*models.InventoryLevel, error)
	ListLevelsByVariant(ctx context.Context, variantID string) ([]models.InventoryLevel, error)

	// Movement log reads
	GetMovement(ctx context.Context, id uuid.UUID) (*models.StockMovement, error)
	ListMovements(ctx context.Context, filter models.ListMovementsFilter) ([]models.StockMovement, int, error)
}

// LedgerTx is the write side of a ledger transaction.
type LedgerTx interface {
	// LockLevel creates the row if absent and locks it until the transaction ends.
	LockLevel(ctx context.Context, key models.LevelKey, defaultThreshold int) (*models.InventoryLevel, error)
	UpdateLevel(ctx context.Context, level *models.InventoryLevel) error
	InsertMovement(ctx context.Context, movement *models.StockMovement) error
	InsertOutboxEvent(ctx context.Context, eventType, key string, payload interface{}) error
}

// ReservationIndex is the secondary holder index that drives expiry.
// Every claim operation is atomic with its read.
type ReservationIndex interface {
	// Upsert adds quantity to the entry and refreshes its timestamp.
	Upsert(ctx context.Context, key models.ReservationKey, quantity int, at time.Time) (*models.ReservationEntry, error)
	Get(ctx context.Context, key models.ReservationKey) (*models.ReservationEntry, error)
	// Release claims up to quantity from the entry. Returns nil when the entry is absent.
	Release(ctx context.Context, key models.ReservationKey, quantity int) (*models.ReservationEntry, error)
	// ClaimExpired deletes the entry only if it was reserved at or before cutoff.
	ClaimExpired(ctx context.Context, key models.ReservationKey, cutoff time.Time) (*models.ReservationEntry, error)
	// Restore puts back a claim whose movement failed.
	Restore(ctx context.Context, entry models.ReservationEntry) error
	ListByHolder(ctx context.Context, holderID string) ([]models.ReservationEntry, error)
	// ListExpired pages entries reserved at or before cutoff, oldest first.
	ListExpired(ctx context.Context, cutoff time.Time, offset, limit int) ([]models.ReservationEntry, error)
}

// AvailabilityCache defines the contract for caching per-variant levels.
// Every Invalidate bumps the variant's generation; a read-through write only
// lands if the generation is still the one read before the store was queried.
type AvailabilityCache interface {
	GetLevels(ctx context.Context, variantID string) ([]models.InventoryLevel, error)
	Generation(ctx context.Context, variantID string) (int64, error)
	// SetLevels reports false when an invalidation happened after generation was read.
	SetLevels(ctx context.Context, variantID string, generation int64, levels []models.InventoryLevel) (bool, error)
	Invalidate(ctx context.Context, variantID string) error
}
