package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	ProblemTypeValidationError = "validation-error"
	ProblemTypeBusinessError   = "business-logic-error"
	ProblemTypeNotFound        = "not-found"
	ProblemTypeInternalError   = "internal-error"
	ProblemTypeUnavailable     = "service-unavailable"
)

// API Request Models

// ReserveRequest represents a request to reserve stock for a holder
type ReserveRequest struct {
	VariantID string `json:"variant_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
	HolderID  string `json:"holder_id" binding:"required"`
}

// UnreserveRequest releases stock held by a holder at one warehouse
type UnreserveRequest struct {
	VariantID   string `json:"variant_id" binding:"required"`
	WarehouseID string `json:"warehouse_id" binding:"required"`
	Quantity    int    `json:"quantity" binding:"required,min=1"`
	HolderID    string `json:"holder_id" binding:"required"`
}

// AdjustReservationRequest changes a holder's reservation by a signed delta
type AdjustReservationRequest struct {
	VariantID   string `json:"variant_id" binding:"required"`
	WarehouseID string `json:"warehouse_id"`
	Delta       int    `json:"delta"`
	HolderID    string `json:"holder_id" binding:"required"`
}

// CompleteOrderRequest converts a holder's reservations into sales
type CompleteOrderRequest struct {
	OrderID string `json:"order_id" binding:"required"`
}

// IssueSaleRequest records a sale against on-hand stock
type IssueSaleRequest struct {
	VariantID   string           `json:"variant_id" binding:"required"`
	WarehouseID string           `json:"warehouse_id" binding:"required"`
	Quantity    int              `json:"quantity" binding:"required,min=1"`
	OrderID     string           `json:"order_id" binding:"required"`
	UnitCost    *decimal.Decimal `json:"unit_cost,omitempty"`
}

// ReceiveStockRequest records incoming stock. Kind defaults to RECEIVE.
type ReceiveStockRequest struct {
	VariantID   string           `json:"variant_id" binding:"required"`
	WarehouseID string           `json:"warehouse_id" binding:"required"`
	Quantity    int              `json:"quantity" binding:"required,min=1"`
	Kind        string           `json:"kind,omitempty" binding:"omitempty,oneof=OPENING RECEIVE ADJUST_POSITIVE RECEIVE_RETURN"`
	ReasonCode  string           `json:"reason_code,omitempty"`
	ActorID     *string          `json:"actor_id,omitempty"`
	UnitCost    *decimal.Decimal `json:"unit_cost,omitempty"`
	ReferenceID string           `json:"reference_id,omitempty"`
}

// ApplyMovementRequest is the admin entry point for any movement kind
type ApplyMovementRequest struct {
	VariantID     string           `json:"variant_id" binding:"required"`
	WarehouseID   string           `json:"warehouse_id" binding:"required"`
	Kind          string           `json:"kind" binding:"required"`
	Quantity      int              `json:"quantity" binding:"required,min=1"`
	UnitCost      *decimal.Decimal `json:"unit_cost,omitempty"`
	ReferenceType string           `json:"reference_type,omitempty"`
	ReferenceID   string           `json:"reference_id,omitempty"`
	ReasonCode    string           `json:"reason_code,omitempty"`
	Notes         string           `json:"notes,omitempty" binding:"max=1000"`
	ActorID       *string          `json:"actor_id,omitempty"`
}

// TransferStockRequest moves stock between two warehouses
type TransferStockRequest struct {
	FromWarehouseID string `json:"from_warehouse_id" binding:"required"`
	ToWarehouseID   string `json:"to_warehouse_id" binding:"required,nefield=FromWarehouseID"`
	VariantID       string `json:"variant_id" binding:"required"`
	Quantity        int    `json:"quantity" binding:"required,min=1"`
	ActorID         string `json:"actor_id" binding:"required"`
}

// SetThresholdRequest updates the low-stock threshold of a level
type SetThresholdRequest struct {
	Threshold *int `json:"threshold" binding:"required,min=0"`
}

// API Response Models

// ReservationResult represents the response after reserving stock
type ReservationResult struct {
	WarehouseID string    `json:"warehouse_id"`
	MovementID  uuid.UUID `json:"movement_id"`
	Quantity    int       `json:"quantity"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TransferResult represents the outcome of a transfer
type TransferResult struct {
	Success    bool           `json:"success"`
	TransferID uuid.UUID      `json:"transfer_id"`
	Quantity   int            `json:"quantity"`
	Status     TransferStatus `json:"status"`
	OutID      uuid.UUID      `json:"transfer_out_movement_id"`
	InID       uuid.UUID      `json:"transfer_in_movement_id"`
}

// WarehouseAvailability is one line of an availability breakdown
type WarehouseAvailability struct {
	WarehouseID string `json:"warehouse_id"`
	OnHand      int    `json:"on_hand"`
	Reserved    int    `json:"reserved"`
	Available   int    `json:"available"`
}

// AvailabilityResponse represents the response for inventory availability
type AvailabilityResponse struct {
	VariantID      string                  `json:"variant_id"`
	TotalAvailable int                     `json:"total_available"`
	ByWarehouse    []WarehouseAvailability `json:"by_warehouse"`
	CacheHit       bool                    `json:"cache_hit"`
}

// MovementList is a page of movements plus the unpaginated total
type MovementList struct {
	Movements []StockMovement `json:"movements"`
	Total     int             `json:"total"`
	Limit     int             `json:"limit"`
	Offset    int             `json:"offset"`
}

// SweepResult summarizes one expiry sweep
type SweepResult struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// ProblemDetails is an RFC 7807 error body
type ProblemDetails struct {
	Type     string      `json:"type"`
	Title    string      `json:"title"`
	Status   int         `json:"status"`
	Detail   string      `json:"detail,omitempty"`
	Instance string      `json:"instance,omitempty"`
	Field    string      `json:"field,omitempty"`
	Code     string      `json:"code,omitempty"`
	Errors   interface{} `json:"errors,omitempty"`
}

func NewProblemDetails(status int, title, detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:   getProblemType(status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// NewValidationProblem creates a validation error problem
func NewValidationProblem(field, message string, code ErrorCode) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeValidationError,
		Title:  "Validation Failed",
		Status: 400,
		Detail: message,
		Field:  field,
		Code:   string(code),
	}
}

// NewMultiValidationProblem creates a multi-field validation error problem
func NewMultiValidationProblem(violations []ValidationError) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeValidationError,
		Title:  "Validation Failed",
		Status: 400,
		Detail: "Multiple validation errors occurred",
		Errors: violations,
	}
}

// NewBusinessLogicProblem creates a business logic error problem
func NewBusinessLogicProblem(status int, title, detail string, code ErrorCode, details any) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeBusinessError,
		Title:  title,
		Status: status,
		Detail: detail,
		Code:   string(code),
		Errors: details,
	}
}

// NewNotFoundProblem creates a not found error problem
func NewNotFoundProblem(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeNotFound,
		Title:  "Resource Not Found",
		Status: 404,
		Detail: detail,
		Code:   string(ErrorCodeNotFound),
	}
}

func getProblemType(status int) string {
	switch status {
	case 400:
		return ProblemTypeValidationError
	case 404:
		return ProblemTypeNotFound
	case 409, 422:
		return ProblemTypeBusinessError
	case 503:
		return ProblemTypeUnavailable
	default:
		return ProblemTypeInternalError
	}
}
