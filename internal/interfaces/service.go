package interfaces

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"inventory-ledger/internal/models"
)

// LedgerService is the operation contract exposed to cart, order and admin collaborators
type LedgerService interface {
	// Reservations
	Reserve(ctx context.Context, variantID string, quantity int, holderID string) (*models.ReservationResult, error)
	Unreserve(ctx context.Context, variantID, warehouseID string, quantity int, holderID string) error
	AdjustReservation(ctx context.Context, variantID, warehouseID string, delta int, holderID string) (*models.ReservationResult, error)
	CompleteOrder(ctx context.Context, holderID, orderID string) ([]models.StockMovement, error)
	ReleaseHolder(ctx context.Context, holderID string) (int, error)
	ListHolderReservations(ctx context.Context, holderID string) ([]models.ReservationEntry, error)

	// Movements
	IssueSale(ctx context.Context, variantID, warehouseID string, quantity int, orderID string, unitCost *decimal.Decimal) (*models.StockMovement, error)
	ReceiveStock(ctx context.Context, req *models.ReceiveStockRequest) (*models.StockMovement, error)
	ApplyMovement(ctx context.Context, req *models.ApplyMovementRequest) (*models.StockMovement, error)
	TransferStock(ctx context.Context, fromWarehouseID, toWarehouseID, variantID string, quantity int, actorID string) (*models.TransferResult, error)
	SetLowStockThreshold(ctx context.Context, variantID, warehouseID string, threshold int) (*models.InventoryLevel, error)

	// Queries
	GetAvailableStock(ctx context.Context, variantID string, warehouseID *string) (*models.AvailabilityResponse, error)
	ListMovements(ctx context.Context, filter models.ListMovementsFilter) (*models.MovementList, error)
	GetMovement(ctx context.Context, id uuid.UUID) (*models.StockMovement, error)
}

// ExpirySweeper runs one expiry pass on demand
type ExpirySweeper interface {
	Sweep(ctx context.Context) (*models.SweepResult, error)
}
