package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"inventory-ledger/internal/interfaces"
	"inventory-ledger/internal/models"
)

// claimAll releases an entry whatever its current quantity
const claimAll = math.MaxInt32

// ExpiryTimer is notified of every reservation write so it can arm a fast-path timer
type ExpiryTimer interface {
	Schedule(entry models.ReservationEntry)
}

// ReservationCoordinator builds reservations, transfers and order completion
// out of movement engine calls and keeps the holder index in step.
type ReservationCoordinator struct {
	engine   *MovementEngine
	repo     interfaces.LedgerRepository
	index    interfaces.ReservationIndex
	selector WarehouseSelector
	ttl      time.Duration
	timer    ExpiryTimer
	now      func() time.Time
}

func NewReservationCoordinator(
	engine *MovementEngine,
	repo interfaces.LedgerRepository,
	index interfaces.ReservationIndex,
	selector WarehouseSelector,
	ttl time.Duration,
) (*ReservationCoordinator, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("reservation TTL must be positive, got %v", ttl)
	}
	if selector == nil {
		selector = MostOnHand
	}

	return &ReservationCoordinator{
		engine:   engine,
		repo:     repo,
		index:    index,
		selector: selector,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// SetExpiryTimer wires the fast-path timer; nil disables it
func (c *ReservationCoordinator) SetExpiryTimer(timer ExpiryTimer) {
	c.timer = timer
}

// WithClock overrides the clock used for reservation timestamps
func (c *ReservationCoordinator) WithClock(now func() time.Time) *ReservationCoordinator {
	c.now = now
	return c
}

// Reserve holds quantity of a variant for holderID at the warehouse chosen by the policy
func (c *ReservationCoordinator) Reserve(ctx context.Context, variantID string, quantity int, holderID string) (*models.ReservationResult, error) {
	if err := validateHolderRequest(variantID, holderID, quantity); err != nil {
		return nil, err
	}

	levels, err := c.repo.ListLevelsByVariant(ctx, variantID)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to list levels: %w", err))
	}

	warehouseID, ok := c.selector(levels, quantity)
	if !ok {
		details := models.StockDetails{VariantID: variantID, Requested: quantity}
		for i := range levels {
			details.OnHand += levels[i].OnHand
			details.Reserved += levels[i].Reserved
			details.Available += levels[i].Available()
		}
		return nil, models.NewBusinessError(models.ErrorCodeNoStockAvailable,
			fmt.Sprintf("no warehouse has stock for variant %s", variantID), details)
	}

	return c.reserveAt(ctx, variantID, warehouseID, quantity, holderID)
}

func (c *ReservationCoordinator) reserveAt(ctx context.Context, variantID, warehouseID string, quantity int, holderID string) (*models.ReservationResult, error) {
	meta := models.MovementMeta{ReferenceType: models.ReferenceCart, ReferenceID: holderID}
	movement, err := c.engine.ApplyMovement(ctx, models.MovementRequest{
		VariantID:   variantID,
		WarehouseID: warehouseID,
		Kind:        models.MovementReserve,
		Quantity:    quantity,
		Meta:        meta,
	})
	if err != nil {
		return nil, err
	}

	key := models.ReservationKey{VariantID: variantID, WarehouseID: warehouseID, HolderID: holderID}
	entry, err := c.index.Upsert(ctx, key, quantity, c.now())
	if err != nil {
		log.Error().Err(err).Str("reservation", key.String()).Msg("Failed to index reservation, compensating")

		meta.ReasonCode = models.ReasonReleased
		meta.Notes = "reservation index write failed"
		if _, uerr := c.engine.ApplyMovement(context.WithoutCancel(ctx), models.MovementRequest{
			VariantID:   variantID,
			WarehouseID: warehouseID,
			Kind:        models.MovementUnreserve,
			Quantity:    quantity,
			Meta:        meta,
		}); uerr != nil {
			log.Error().Err(uerr).Str("reservation", key.String()).Msg("Failed to compensate unindexed reservation")
		}
		return nil, models.NewSystemError(models.ErrorCodeCacheError, "reservation_index", "failed to record reservation, try again", err)
	}

	if c.timer != nil {
		c.timer.Schedule(*entry)
	}

	log.Info().
		Str("variant_id", variantID).
		Str("warehouse_id", warehouseID).
		Str("holder_id", holderID).
		Int("quantity", quantity).
		Int("holder_total", entry.Quantity).
		Msg("Reserved stock")

	return &models.ReservationResult{
		WarehouseID: warehouseID,
		MovementID:  movement.ID,
		Quantity:    quantity,
		ExpiresAt:   entry.ExpiresAt(c.ttl),
	}, nil
}

// Unreserve releases up to quantity held by holderID. Releasing a reservation
// that is already gone is a no-op.
func (c *ReservationCoordinator) Unreserve(ctx context.Context, variantID, warehouseID string, quantity int, holderID string) error {
	if err := validateHolderRequest(variantID, holderID, quantity); err != nil {
		return err
	}
	if warehouseID == "" {
		return models.NewValidationError("warehouse_id", "warehouse ID is required", warehouseID)
	}

	key := models.ReservationKey{VariantID: variantID, WarehouseID: warehouseID, HolderID: holderID}
	_, err := c.release(ctx, key, quantity, models.ReasonReleased)
	return err
}

func (c *ReservationCoordinator) release(ctx context.Context, key models.ReservationKey, quantity int, reason string) (*models.StockMovement, error) {
	claim, err := c.index.Release(ctx, key, quantity)
	if err != nil {
		return nil, models.NewSystemError(models.ErrorCodeCacheError, "reservation_index", "failed to claim reservation, try again", err)
	}
	if claim == nil {
		log.Debug().Str("reservation", key.String()).Msg("No reservation to release")
		return nil, nil
	}
	return c.unreserveClaim(ctx, *claim, reason, models.ReferenceCart, key.HolderID)
}

// unreserveClaim applies the UNRESERVE for a claimed entry, handing the claim
// back to the index if the movement fails.
func (c *ReservationCoordinator) unreserveClaim(ctx context.Context, claim models.ReservationEntry, reason, refType, refID string) (*models.StockMovement, error) {
	movement, err := c.engine.ApplyMovement(ctx, models.MovementRequest{
		VariantID:   claim.VariantID,
		WarehouseID: claim.WarehouseID,
		Kind:        models.MovementUnreserve,
		Quantity:    claim.Quantity,
		Meta: models.MovementMeta{
			ReferenceType: refType,
			ReferenceID:   refID,
			ReasonCode:    reason,
		},
	})
	if err != nil {
		c.restoreClaim(ctx, claim, err)
		return nil, err
	}

	log.Info().
		Str("reservation", claim.Key().String()).
		Int("quantity", claim.Quantity).
		Str("reason", reason).
		Msg("Released reservation")
	return movement, nil
}

func (c *ReservationCoordinator) restoreClaim(ctx context.Context, claim models.ReservationEntry, cause error) {
	// the ledger holds less than the index claims; putting it back would fail forever
	if errors.Is(cause, models.ErrInvalidReservationState) {
		log.Error().Err(cause).Str("reservation", claim.Key().String()).Msg("Dropping reservation entry out of step with ledger")
		return
	}
	if err := c.index.Restore(context.WithoutCancel(ctx), claim); err != nil {
		log.Error().Err(err).Str("reservation", claim.Key().String()).Int("quantity", claim.Quantity).Msg("Failed to restore reservation claim")
	}
}

// Expire unreserves the entry if it was last reserved at or before cutoff.
// Returns nil when the entry is gone or was extended since.
func (c *ReservationCoordinator) Expire(ctx context.Context, key models.ReservationKey, cutoff time.Time) (*models.StockMovement, error) {
	claim, err := c.index.ClaimExpired(ctx, key, cutoff)
	if err != nil {
		return nil, models.NewSystemError(models.ErrorCodeCacheError, "reservation_index", "failed to claim expired reservation", err)
	}
	if claim == nil {
		return nil, nil
	}
	return c.unreserveClaim(ctx, *claim, models.ReasonExpired, models.ReferenceCart, key.HolderID)
}

// AdjustReservation changes a holder's reservation by delta. Growth stays at the
// warehouse the holder already reserves from.
func (c *ReservationCoordinator) AdjustReservation(ctx context.Context, variantID, warehouseID string, delta int, holderID string) (*models.ReservationResult, error) {
	if variantID == "" {
		return nil, models.NewValidationError("variant_id", "variant ID is required", variantID)
	}
	if holderID == "" {
		return nil, models.NewValidationError("holder_id", "holder ID is required", holderID)
	}

	switch {
	case delta == 0:
		return &models.ReservationResult{WarehouseID: warehouseID}, nil
	case delta < 0:
		if warehouseID == "" {
			return nil, models.NewValidationError("warehouse_id", "warehouse ID is required to shrink a reservation", warehouseID)
		}
		key := models.ReservationKey{VariantID: variantID, WarehouseID: warehouseID, HolderID: holderID}
		movement, err := c.release(ctx, key, -delta, models.ReasonReleased)
		if err != nil {
			return nil, err
		}
		result := &models.ReservationResult{WarehouseID: warehouseID}
		if movement != nil {
			result.MovementID = movement.ID
			result.Quantity = -movement.Quantity
		}
		return result, nil
	}

	existing, err := c.findHolderEntry(ctx, variantID, warehouseID, holderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return c.reserveAt(ctx, variantID, existing.WarehouseID, delta, holderID)
	}
	return c.Reserve(ctx, variantID, delta, holderID)
}

func (c *ReservationCoordinator) findHolderEntry(ctx context.Context, variantID, warehouseID, holderID string) (*models.ReservationEntry, error) {
	entries, err := c.index.ListByHolder(ctx, holderID)
	if err != nil {
		return nil, models.NewSystemError(models.ErrorCodeCacheError, "reservation_index", "failed to list holder reservations", err)
	}
	for i := range entries {
		if entries[i].VariantID != variantID {
			continue
		}
		if warehouseID == "" || entries[i].WarehouseID == warehouseID {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// Transfer moves stock between warehouses in a single transaction
func (c *ReservationCoordinator) Transfer(ctx context.Context, fromWarehouseID, toWarehouseID, variantID string, quantity int, actorID string) (*models.TransferResult, error) {
	if fromWarehouseID == toWarehouseID {
		return nil, models.NewValidationError("to_warehouse_id", "source and destination warehouses must differ", toWarehouseID)
	}

	transferID := uuid.New()
	meta := models.MovementMeta{
		ReferenceType: models.ReferenceTransfer,
		ReferenceID:   transferID.String(),
	}
	if actorID != "" {
		meta.ActorID = &actorID
	}

	movements, err := c.engine.ApplyBatch(ctx, []models.MovementRequest{
		{VariantID: variantID, WarehouseID: fromWarehouseID, Kind: models.MovementTransferOut, Quantity: quantity, Meta: meta},
		{VariantID: variantID, WarehouseID: toWarehouseID, Kind: models.MovementTransferIn, Quantity: quantity, Meta: meta},
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("transfer_id", transferID.String()).
		Str("variant_id", variantID).
		Str("from", fromWarehouseID).
		Str("to", toWarehouseID).
		Int("quantity", quantity).
		Msg("Transferred stock")

	return &models.TransferResult{
		Success:    true,
		TransferID: transferID,
		Quantity:   quantity,
		Status:     models.TransferStatusCommitted,
		OutID:      movements[0].ID,
		InID:       movements[1].ID,
	}, nil
}

// CompleteOrder turns every reservation of holderID into a sale. Each entry is
// consumed in its own transaction; failures are joined and the rest proceed.
func (c *ReservationCoordinator) CompleteOrder(ctx context.Context, holderID, orderID string) ([]models.StockMovement, error) {
	if holderID == "" {
		return nil, models.NewValidationError("holder_id", "holder ID is required", holderID)
	}
	if orderID == "" {
		return nil, models.NewValidationError("order_id", "order ID is required", orderID)
	}

	entries, err := c.index.ListByHolder(ctx, holderID)
	if err != nil {
		return nil, models.NewSystemError(models.ErrorCodeCacheError, "reservation_index", "failed to list holder reservations", err)
	}

	completed := []models.StockMovement{}
	var errs []error
	for _, entry := range entries {
		claim, err := c.index.Release(ctx, entry.Key(), claimAll)
		if err != nil {
			errs = append(errs, fmt.Errorf("claim %s: %w", entry.Key(), err))
			continue
		}
		if claim == nil {
			continue
		}

		meta := models.MovementMeta{ReferenceType: models.ReferenceOrder, ReferenceID: orderID}
		unreserveMeta := meta
		unreserveMeta.ReasonCode = models.ReasonConsumed
		movements, err := c.engine.ApplyBatch(ctx, []models.MovementRequest{
			{VariantID: claim.VariantID, WarehouseID: claim.WarehouseID, Kind: models.MovementUnreserve, Quantity: claim.Quantity, Meta: unreserveMeta},
			{VariantID: claim.VariantID, WarehouseID: claim.WarehouseID, Kind: models.MovementIssueSale, Quantity: claim.Quantity, Meta: meta},
		})
		if err != nil {
			c.restoreClaim(ctx, *claim, err)
			errs = append(errs, fmt.Errorf("complete %s: %w", entry.Key(), err))
			continue
		}
		completed = append(completed, movements...)
	}

	log.Info().
		Str("holder_id", holderID).
		Str("order_id", orderID).
		Int("entries", len(entries)).
		Int("movements", len(completed)).
		Int("failures", len(errs)).
		Msg("Completed order reservations")

	return completed, errors.Join(errs...)
}

// ReleaseHolder releases every reservation of holderID and returns how many entries were released
func (c *ReservationCoordinator) ReleaseHolder(ctx context.Context, holderID string) (int, error) {
	if holderID == "" {
		return 0, models.NewValidationError("holder_id", "holder ID is required", holderID)
	}

	entries, err := c.index.ListByHolder(ctx, holderID)
	if err != nil {
		return 0, models.NewSystemError(models.ErrorCodeCacheError, "reservation_index", "failed to list holder reservations", err)
	}

	released := 0
	var errs []error
	for _, entry := range entries {
		movement, err := c.release(ctx, entry.Key(), claimAll, models.ReasonReleased)
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", entry.Key(), err))
			continue
		}
		if movement != nil {
			released++
		}
	}
	return released, errors.Join(errs...)
}

// ListHolderReservations returns the index entries of a holder
func (c *ReservationCoordinator) ListHolderReservations(ctx context.Context, holderID string) ([]models.ReservationEntry, error) {
	if holderID == "" {
		return nil, models.NewValidationError("holder_id", "holder ID is required", holderID)
	}
	entries, err := c.index.ListByHolder(ctx, holderID)
	if err != nil {
		return nil, models.NewSystemError(models.ErrorCodeCacheError, "reservation_index", "failed to list holder reservations", err)
	}
	return entries, nil
}

func validateHolderRequest(variantID, holderID string, quantity int) error {
	if variantID == "" {
		return models.NewValidationError("variant_id", "variant ID is required", variantID)
	}
	if holderID == "" {
		return models.NewValidationError("holder_id", "holder ID is required", holderID)
	}
	if quantity <= 0 {
		return models.NewValidationError("quantity", fmt.Sprintf("quantity must be positive, got %d", quantity), quantity)
	}
	return nil
}
