package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"inventory-ledger/internal/interfaces"
	"inventory-ledger/internal/models"
)

// LedgerService exposes the ledger operations to cart, order and admin callers
type LedgerService struct {
	engine      *MovementEngine
	coordinator *ReservationCoordinator
	repo        interfaces.LedgerRepository
	cache       interfaces.AvailabilityCache
}

// NewLedgerService creates the facade. cache may be nil.
func NewLedgerService(
	engine *MovementEngine,
	coordinator *ReservationCoordinator,
	repo interfaces.LedgerRepository,
	cache interfaces.AvailabilityCache,
) *LedgerService {
	return &LedgerService{
		engine:      engine,
		coordinator: coordinator,
		repo:        repo,
		cache:       cache,
	}
}

var _ interfaces.LedgerService = (*LedgerService)(nil)

func (s *LedgerService) Reserve(ctx context.Context, variantID string, quantity int, holderID string) (*models.ReservationResult, error) {
	return s.coordinator.Reserve(ctx, variantID, quantity, holderID)
}

func (s *LedgerService) Unreserve(ctx context.Context, variantID, warehouseID string, quantity int, holderID string) error {
	return s.coordinator.Unreserve(ctx, variantID, warehouseID, quantity, holderID)
}

func (s *LedgerService) AdjustReservation(ctx context.Context, variantID, warehouseID string, delta int, holderID string) (*models.ReservationResult, error) {
	return s.coordinator.AdjustReservation(ctx, variantID, warehouseID, delta, holderID)
}

func (s *LedgerService) CompleteOrder(ctx context.Context, holderID, orderID string) ([]models.StockMovement, error) {
	return s.coordinator.CompleteOrder(ctx, holderID, orderID)
}

func (s *LedgerService) ReleaseHolder(ctx context.Context, holderID string) (int, error) {
	return s.coordinator.ReleaseHolder(ctx, holderID)
}

func (s *LedgerService) ListHolderReservations(ctx context.Context, holderID string) ([]models.ReservationEntry, error) {
	return s.coordinator.ListHolderReservations(ctx, holderID)
}

// IssueSale records a sale against on-hand stock
func (s *LedgerService) IssueSale(ctx context.Context, variantID, warehouseID string, quantity int, orderID string, unitCost *decimal.Decimal) (*models.StockMovement, error) {
	if orderID == "" {
		return nil, models.NewValidationError("order_id", "order ID is required", orderID)
	}
	if unitCost != nil && unitCost.IsNegative() {
		return nil, models.NewValidationError("unit_cost", "unit cost must not be negative", unitCost.String())
	}

	return s.engine.ApplyMovement(ctx, models.MovementRequest{
		VariantID:   variantID,
		WarehouseID: warehouseID,
		Kind:        models.MovementIssueSale,
		Quantity:    quantity,
		Meta: models.MovementMeta{
			UnitCost:      unitCost,
			ReferenceType: models.ReferenceOrder,
			ReferenceID:   orderID,
		},
	})
}

// ReceiveStock records incoming stock. Only on-hand increasing kinds are accepted.
func (s *LedgerService) ReceiveStock(ctx context.Context, req *models.ReceiveStockRequest) (*models.StockMovement, error) {
	kind := models.MovementReceive
	if req.Kind != "" {
		parsed, err := models.ParseMovementKind(req.Kind)
		if err != nil {
			return nil, err
		}
		kind = parsed
	}
	if kind.Effect(1).OnHand <= 0 {
		return nil, models.NewValidationError("kind", fmt.Sprintf("%s does not receive stock", kind), req.Kind)
	}
	if req.UnitCost != nil && req.UnitCost.IsNegative() {
		return nil, models.NewValidationError("unit_cost", "unit cost must not be negative", req.UnitCost.String())
	}

	meta := models.MovementMeta{
		UnitCost:    req.UnitCost,
		ReferenceID: req.ReferenceID,
		ReasonCode:  req.ReasonCode,
		ActorID:     req.ActorID,
	}
	if req.ReferenceID != "" {
		meta.ReferenceType = models.ReferencePurchase
		if kind == models.MovementReceiveReturn {
			meta.ReferenceType = models.ReferenceOrder
		}
	}

	return s.engine.ApplyMovement(ctx, models.MovementRequest{
		VariantID:   req.VariantID,
		WarehouseID: req.WarehouseID,
		Kind:        kind,
		Quantity:    req.Quantity,
		Meta:        meta,
	})
}

// ApplyMovement is the admin path for adjustments and write-offs. Reservation
// kinds are refused because they would bypass the holder index.
func (s *LedgerService) ApplyMovement(ctx context.Context, req *models.ApplyMovementRequest) (*models.StockMovement, error) {
	kind, err := models.ParseMovementKind(req.Kind)
	if err != nil {
		return nil, err
	}
	if kind == models.MovementReserve || kind == models.MovementUnreserve {
		return nil, models.NewValidationError("kind", "reservation movements must go through the reservation endpoints", req.Kind)
	}

	refType := req.ReferenceType
	if refType == "" {
		refType = models.ReferenceAdmin
	}

	return s.engine.ApplyMovement(ctx, models.MovementRequest{
		VariantID:   req.VariantID,
		WarehouseID: req.WarehouseID,
		Kind:        kind,
		Quantity:    req.Quantity,
		Meta: models.MovementMeta{
			UnitCost:      req.UnitCost,
			ReferenceType: refType,
			ReferenceID:   req.ReferenceID,
			ReasonCode:    req.ReasonCode,
			Notes:         req.Notes,
			ActorID:       req.ActorID,
		},
	})
}

func (s *LedgerService) TransferStock(ctx context.Context, fromWarehouseID, toWarehouseID, variantID string, quantity int, actorID string) (*models.TransferResult, error) {
	return s.coordinator.Transfer(ctx, fromWarehouseID, toWarehouseID, variantID, quantity, actorID)
}

func (s *LedgerService) SetLowStockThreshold(ctx context.Context, variantID, warehouseID string, threshold int) (*models.InventoryLevel, error) {
	return s.engine.SetThreshold(ctx, models.LevelKey{VariantID: variantID, WarehouseID: warehouseID}, threshold)
}

// GetAvailableStock returns availability, checking cache first
func (s *LedgerService) GetAvailableStock(ctx context.Context, variantID string, warehouseID *string) (*models.AvailabilityResponse, error) {
	if variantID == "" {
		return nil, models.NewValidationError("variant_id", "variant ID is required", variantID)
	}

	var levels []models.InventoryLevel
	cacheHit := false
	if s.cache != nil {
		cached, err := s.cache.GetLevels(ctx, variantID)
		if err != nil {
			log.Error().Err(err).Str("variant_id", variantID).Msg("Cache error, falling back to database")
		}
		if cached != nil {
			levels = cached
			cacheHit = true
		}
	}

	if !cacheHit {
		generation, genErr := int64(0), error(nil)
		if s.cache != nil {
			if generation, genErr = s.cache.Generation(ctx, variantID); genErr != nil {
				log.Error().Err(genErr).Str("variant_id", variantID).Msg("Cache generation unavailable, skipping fill")
			}
		}

		fromDB, err := s.repo.ListLevelsByVariant(ctx, variantID)
		if err != nil {
			return nil, classifyError(fmt.Errorf("failed to get levels from database: %w", err))
		}
		levels = fromDB

		if s.cache != nil && genErr == nil {
			s.fillCache(ctx, variantID, generation, fromDB)
		}
	}

	resp := &models.AvailabilityResponse{
		VariantID:   variantID,
		ByWarehouse: []models.WarehouseAvailability{},
		CacheHit:    cacheHit,
	}
	for i := range levels {
		level := &levels[i]
		if warehouseID != nil && level.WarehouseID != *warehouseID {
			continue
		}
		resp.ByWarehouse = append(resp.ByWarehouse, models.WarehouseAvailability{
			WarehouseID: level.WarehouseID,
			OnHand:      level.OnHand,
			Reserved:    level.Reserved,
			Available:   level.Available(),
		})
		resp.TotalAvailable += level.Available()
	}
	return resp, nil
}

// fillCache writes levels read under generation; a commit that invalidated in between wins
func (s *LedgerService) fillCache(ctx context.Context, variantID string, generation int64, levels []models.InventoryLevel) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheInvalidateTimeout)
	defer cancel()

	if _, err := s.cache.SetLevels(ctx, variantID, generation, levels); err != nil {
		log.Error().Err(err).Str("variant_id", variantID).Msg("Failed to update cache")
	}
}

func (s *LedgerService) ListMovements(ctx context.Context, filter models.ListMovementsFilter) (*models.MovementList, error) {
	filter.Normalize()
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		return nil, models.NewValidationError("from", "from must be before to", filter.From)
	}

	movements, total, err := s.repo.ListMovements(ctx, filter)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to list movements: %w", err))
	}

	return &models.MovementList{
		Movements: movements,
		Total:     total,
		Limit:     filter.Limit,
		Offset:    filter.Offset,
	}, nil
}

func (s *LedgerService) GetMovement(ctx context.Context, id uuid.UUID) (*models.StockMovement, error) {
	movement, err := s.repo.GetMovement(ctx, id)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to get movement: %w", err))
	}
	if movement == nil {
		return nil, models.NewNotFoundError("movement", id.String())
	}
	return movement, nil
}
