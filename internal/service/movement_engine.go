package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"inventory-ledger/internal/interfaces"
	"inventory-ledger/internal/models"
)

// EngineConfig holds movement engine configuration
type EngineConfig struct {
	Timeout                  time.Duration
	DefaultLowStockThreshold int
}

// Validate validates the engine configuration
func (c EngineConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("movement timeout must be positive, got %v", c.Timeout)
	}
	if c.DefaultLowStockThreshold < 0 {
		return fmt.Errorf("default low-stock threshold must not be negative, got %d", c.DefaultLowStockThreshold)
	}
	return nil
}

// MovementEngine is the only writer of inventory levels. Every change is a
// movement row appended in the same transaction that updates the level.
type MovementEngine struct {
	repo     interfaces.LedgerRepository
	cache    interfaces.AvailabilityCache
	notifier interfaces.LowStockNotifier
	config   EngineConfig
}

// NewMovementEngine creates a movement engine. cache and notifier may be nil.
func NewMovementEngine(
	repo interfaces.LedgerRepository,
	cache interfaces.AvailabilityCache,
	notifier interfaces.LowStockNotifier,
	config EngineConfig,
) (*MovementEngine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}

	return &MovementEngine{
		repo:     repo,
		cache:    cache,
		notifier: notifier,
		config:   config,
	}, nil
}

// ApplyMovement applies a single movement
func (e *MovementEngine) ApplyMovement(ctx context.Context, req models.MovementRequest) (*models.StockMovement, error) {
	movements, err := e.ApplyBatch(ctx, []models.MovementRequest{req})
	if err != nil {
		return nil, err
	}
	return &movements[0], nil
}

// ApplyBatch applies all requests in one transaction or none of them.
// Movements are returned in request order.
func (e *MovementEngine) ApplyBatch(ctx context.Context, reqs []models.MovementRequest) ([]models.StockMovement, error) {
	if len(reqs) == 0 {
		return nil, models.NewValidationError("movements", "at least one movement is required", nil)
	}
	for _, req := range reqs {
		if err := req.Validate(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	keys := lockOrder(reqs)

	var (
		movements []models.StockMovement
		before    map[models.LevelKey]int
		levels    map[models.LevelKey]*models.InventoryLevel
	)

	err := e.repo.InTx(ctx, func(tx interfaces.LedgerTx) error {
		movements = make([]models.StockMovement, 0, len(reqs))
		before = make(map[models.LevelKey]int, len(keys))
		levels = make(map[models.LevelKey]*models.InventoryLevel, len(keys))

		for _, key := range keys {
			level, err := tx.LockLevel(ctx, key, e.config.DefaultLowStockThreshold)
			if err != nil {
				return err
			}
			levels[key] = level
			before[key] = level.Available()
		}

		for _, req := range reqs {
			level := levels[req.Key()]
			if err := applyEffect(level, req); err != nil {
				return err
			}

			movement := models.StockMovement{
				ID:            uuid.New(),
				VariantID:     req.VariantID,
				WarehouseID:   req.WarehouseID,
				Kind:          req.Kind,
				Quantity:      req.Quantity,
				UnitCost:      req.Meta.UnitCost,
				ReferenceType: req.Meta.ReferenceType,
				ReferenceID:   req.Meta.ReferenceID,
				ReasonCode:    req.Meta.ReasonCode,
				Notes:         req.Meta.Notes,
				ActorID:       req.Meta.ActorID,
				OnHandAfter:   level.OnHand,
				ReservedAfter: level.Reserved,
			}
			if err := tx.InsertMovement(ctx, &movement); err != nil {
				return err
			}
			movements = append(movements, movement)
		}

		for _, key := range keys {
			if err := tx.UpdateLevel(ctx, levels[key]); err != nil {
				return err
			}
		}

		for i := range movements {
			m := &movements[i]
			event := models.MovementEvent{
				EventID:  uuid.New().String(),
				Movement: m,
				OnHand:   m.OnHandAfter,
				Reserved: m.ReservedAfter,
				Version:  levels[models.LevelKey{VariantID: m.VariantID, WarehouseID: m.WarehouseID}].Version,
			}
			if err := tx.InsertOutboxEvent(ctx, models.EventTypeMovementApplied, m.VariantID, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, classifyError(err)
	}

	for _, m := range movements {
		log.Info().
			Str("movement_id", m.ID.String()).
			Str("variant_id", m.VariantID).
			Str("warehouse_id", m.WarehouseID).
			Str("kind", string(m.Kind)).
			Int("quantity", m.Quantity).
			Int("on_hand", m.OnHandAfter).
			Int("reserved", m.ReservedAfter).
			Msg("Applied movement")
	}

	e.invalidateCache(ctx, keys)
	e.signalLowStock(keys, before, levels, movements)

	return movements, nil
}

// SetThreshold updates the low-stock threshold of a level, creating it if absent
func (e *MovementEngine) SetThreshold(ctx context.Context, key models.LevelKey, threshold int) (*models.InventoryLevel, error) {
	if key.VariantID == "" {
		return nil, models.NewValidationError("variant_id", "variant ID is required", key.VariantID)
	}
	if key.WarehouseID == "" {
		return nil, models.NewValidationError("warehouse_id", "warehouse ID is required", key.WarehouseID)
	}
	if threshold < 0 {
		return nil, models.NewValidationError("threshold", fmt.Sprintf("threshold must not be negative, got %d", threshold), threshold)
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	var updated *models.InventoryLevel
	err := e.repo.InTx(ctx, func(tx interfaces.LedgerTx) error {
		level, err := tx.LockLevel(ctx, key, e.config.DefaultLowStockThreshold)
		if err != nil {
			return err
		}
		level.LowStockThreshold = threshold
		if err := tx.UpdateLevel(ctx, level); err != nil {
			return err
		}
		updated = level
		return nil
	})
	if err != nil {
		return nil, classifyError(err)
	}

	log.Info().Str("variant_id", key.VariantID).Str("warehouse_id", key.WarehouseID).Int("threshold", threshold).Msg("Updated low-stock threshold")
	e.invalidateCache(ctx, []models.LevelKey{key})
	return updated, nil
}

// applyEffect moves level to its post-movement state or rejects the movement
func applyEffect(level *models.InventoryLevel, req models.MovementRequest) error {
	effect := req.Kind.Effect(req.Quantity)
	onHand := level.OnHand + effect.OnHand
	reserved := level.Reserved + effect.Reserved

	details := models.StockDetails{
		VariantID:   req.VariantID,
		WarehouseID: req.WarehouseID,
		Requested:   req.Quantity,
		OnHand:      level.OnHand,
		Reserved:    level.Reserved,
		Available:   level.Available(),
	}

	switch {
	case onHand < 0:
		return models.NewBusinessError(models.ErrorCodeInsufficientOnHand,
			fmt.Sprintf("insufficient on-hand stock for %s: requested %d, on hand %d", req.Key(), req.Quantity, level.OnHand), details)
	case reserved < 0:
		log.Error().
			Str("variant_id", req.VariantID).
			Str("warehouse_id", req.WarehouseID).
			Int("requested", req.Quantity).
			Int("reserved", level.Reserved).
			Msg("Unreserve exceeds reserved quantity")
		return models.NewBusinessError(models.ErrorCodeInvalidReservationState,
			fmt.Sprintf("cannot unreserve %d from %s: only %d reserved", req.Quantity, req.Key(), level.Reserved), details)
	case onHand-reserved < 0:
		return models.NewBusinessError(models.ErrorCodeInsufficientAvailable,
			fmt.Sprintf("insufficient available stock for %s: requested %d, available %d", req.Key(), req.Quantity, level.Available()), details)
	}

	level.OnHand = onHand
	level.Reserved = reserved
	return nil
}

// lockOrder returns the distinct level keys of reqs in lock order
func lockOrder(reqs []models.MovementRequest) []models.LevelKey {
	seen := make(map[models.LevelKey]struct{}, len(reqs))
	keys := make([]models.LevelKey, 0, len(reqs))
	for _, req := range reqs {
		key := req.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// classifyError passes domain errors through and wraps everything else as a retryable system error
func classifyError(err error) error {
	if models.IsBusinessError(err) || models.IsValidationError(err) || models.IsSystemError(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewSystemError(models.ErrorCodeTimeout, "movement_engine", "ledger operation timed out, try again", err)
	}
	return models.NewSystemError(models.ErrorCodeDatabaseError, "movement_engine", "ledger store unavailable, try again", err)
}

// cacheInvalidateTimeout bounds the post-commit invalidation
const cacheInvalidateTimeout = 2 * time.Second

// invalidateCache runs before the caller sees the result so its next read misses the cache.
// It is detached from ctx: a caller that hangs up after the commit must not leave a stale entry.
func (e *MovementEngine) invalidateCache(ctx context.Context, keys []models.LevelKey) {
	if e.cache == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheInvalidateTimeout)
	defer cancel()

	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key.VariantID]; ok {
			continue
		}
		seen[key.VariantID] = struct{}{}
		if err := e.cache.Invalidate(ctx, key.VariantID); err != nil {
			log.Error().Err(err).Str("variant_id", key.VariantID).Msg("Failed to invalidate availability cache")
		}
	}
}

// signalLowStock fires once per level whose available dropped to or below its threshold.
// A movement that leaves available unchanged or higher never fires, even when
// the level is still at or below threshold; receipts into a depleted level stay quiet.
func (e *MovementEngine) signalLowStock(
	keys []models.LevelKey,
	before map[models.LevelKey]int,
	levels map[models.LevelKey]*models.InventoryLevel,
	movements []models.StockMovement,
) {
	if e.notifier == nil {
		return
	}

	for _, key := range keys {
		level := levels[key]
		available := level.Available()
		if available >= before[key] || available > level.LowStockThreshold {
			continue
		}

		var last *models.StockMovement
		for i := range movements {
			if movements[i].VariantID == key.VariantID && movements[i].WarehouseID == key.WarehouseID {
				last = &movements[i]
			}
		}

		signal := models.LowStockSignal{
			VariantID:   key.VariantID,
			WarehouseID: key.WarehouseID,
			Available:   available,
			Threshold:   level.LowStockThreshold,
			MovementID:  last.ID,
			OccurredAt:  last.CreatedAt,
		}
		if err := e.notifier.OnLowStock(context.Background(), signal); err != nil {
			log.Warn().Err(err).Str("variant_id", key.VariantID).Str("warehouse_id", key.WarehouseID).Msg("Low-stock notification failed")
		}
	}
}
