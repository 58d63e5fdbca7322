package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MovementKind identifies the effect a movement has on a level.
type MovementKind string

const (
	MovementOpening          MovementKind = "OPENING"
	MovementReceive          MovementKind = "RECEIVE"
	MovementAdjustPositive   MovementKind = "ADJUST_POSITIVE"
	MovementTransferIn       MovementKind = "TRANSFER_IN"
	MovementReceiveReturn    MovementKind = "RECEIVE_RETURN"
	MovementIssueSale        MovementKind = "ISSUE_SALE"
	MovementIssueExchangeOut MovementKind = "ISSUE_EXCHANGE_OUT"
	MovementAdjustNegative   MovementKind = "ADJUST_NEGATIVE"
	MovementTransferOut      MovementKind = "TRANSFER_OUT"
	MovementWriteOff         MovementKind = "WRITE_OFF"
	MovementReserve          MovementKind = "RESERVE"
	MovementUnreserve        MovementKind = "UNRESERVE"
)

// Reference types used to correlate movements with their cause
const (
	ReferenceCart     = "CART"
	ReferenceOrder    = "ORDER"
	ReferenceTransfer = "TRANSFER"
	ReferenceAdmin    = "ADMIN"
	ReferencePurchase = "PURCHASE_ORDER"
)

// Reason codes recorded on UNRESERVE movements, one per terminal reservation state
const (
	ReasonReleased = "RELEASED"
	ReasonExpired  = "EXPIRED"
	ReasonConsumed = "CONSUMED"
)

// Effect is the signed change a movement applies to on-hand and reserved.
type Effect struct {
	OnHand   int
	Reserved int
}

var movementEffects = map[MovementKind]Effect{
	MovementOpening:          {OnHand: 1},
	MovementReceive:          {OnHand: 1},
	MovementAdjustPositive:   {OnHand: 1},
	MovementTransferIn:       {OnHand: 1},
	MovementReceiveReturn:    {OnHand: 1},
	MovementIssueSale:        {OnHand: -1},
	MovementIssueExchangeOut: {OnHand: -1},
	MovementAdjustNegative:   {OnHand: -1},
	MovementTransferOut:      {OnHand: -1},
	MovementWriteOff:         {OnHand: -1},
	MovementReserve:          {Reserved: 1},
	MovementUnreserve:        {Reserved: -1},
}

// AllMovementKinds lists every kind in effect-table order.
func AllMovementKinds() []MovementKind {
	return []MovementKind{
		MovementOpening, MovementReceive, MovementAdjustPositive, MovementTransferIn, MovementReceiveReturn,
		MovementIssueSale, MovementIssueExchangeOut, MovementAdjustNegative, MovementTransferOut, MovementWriteOff,
		MovementReserve, MovementUnreserve,
	}
}

// Valid reports whether k is a known kind
func (k MovementKind) Valid() bool {
	_, ok := movementEffects[k]
	return ok
}

// Effect returns the signed change of applying k with the given quantity.
func (k MovementKind) Effect(qty int) Effect {
	unit := movementEffects[k]
	return Effect{OnHand: unit.OnHand * qty, Reserved: unit.Reserved * qty}
}

// ParseMovementKind validates a kind received from the outside world.
func ParseMovementKind(s string) (MovementKind, error) {
	k := MovementKind(s)
	if !k.Valid() {
		return "", NewValidationError("kind", fmt.Sprintf("unknown movement kind %q", s), s)
	}
	return k, nil
}

// LevelKey identifies one inventory_levels row.
type LevelKey struct {
	VariantID   string
	WarehouseID string
}

func (k LevelKey) String() string {
	return k.VariantID + "@" + k.WarehouseID
}

// Less orders keys so multi-row transactions always lock in the same order.
func (k LevelKey) Less(o LevelKey) bool {
	if k.VariantID != o.VariantID {
		return k.VariantID < o.VariantID
	}
	return k.WarehouseID < o.WarehouseID
}

// InventoryLevel represents the inventory_levels table structure
type InventoryLevel struct {
	VariantID         string    `db:"variant_id" json:"variant_id"`
	WarehouseID       string    `db:"warehouse_id" json:"warehouse_id"`
	OnHand            int       `db:"on_hand" json:"on_hand"`
	Reserved          int       `db:"reserved" json:"reserved"`
	LowStockThreshold int       `db:"low_stock_threshold" json:"low_stock_threshold"`
	Version           int64     `db:"version" json:"version"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

func (l InventoryLevel) Key() LevelKey {
	return LevelKey{VariantID: l.VariantID, WarehouseID: l.WarehouseID}
}

// Available is the sellable quantity.
func (l InventoryLevel) Available() int {
	return l.OnHand - l.Reserved
}

// StockMovement represents the stock_movements table structure. Rows are never updated.
type StockMovement struct {
	ID            uuid.UUID        `db:"id" json:"id"`
	VariantID     string           `db:"variant_id" json:"variant_id"`
	WarehouseID   string           `db:"warehouse_id" json:"warehouse_id"`
	Kind          MovementKind     `db:"kind" json:"kind"`
	Quantity      int              `db:"quantity" json:"quantity"`
	UnitCost      *decimal.Decimal `db:"unit_cost" json:"unit_cost,omitempty"`
	ReferenceType string           `db:"reference_type" json:"reference_type,omitempty"`
	ReferenceID   string           `db:"reference_id" json:"reference_id,omitempty"`
	ReasonCode    string           `db:"reason_code" json:"reason_code,omitempty"`
	Notes         string           `db:"notes" json:"notes,omitempty"`
	ActorID       *string          `db:"actor_id" json:"actor_id,omitempty"`
	OnHandAfter   int              `db:"on_hand_after" json:"on_hand_after"`
	ReservedAfter int              `db:"reserved_after" json:"reserved_after"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
}

// MovementMeta carries the free-form correlation data of a movement
type MovementMeta struct {
	UnitCost      *decimal.Decimal
	ReferenceType string
	ReferenceID   string
	ReasonCode    string
	Notes         string
	ActorID       *string
}

// MovementRequest is the input of the movement engine.
type MovementRequest struct {
	VariantID   string
	WarehouseID string
	Kind        MovementKind
	Quantity    int
	Meta        MovementMeta
}

func (r MovementRequest) Key() LevelKey {
	return LevelKey{VariantID: r.VariantID, WarehouseID: r.WarehouseID}
}

// Validate checks the request shape; existence of variant and warehouse is the caller's job.
func (r MovementRequest) Validate() error {
	if r.VariantID == "" {
		return NewValidationError("variant_id", "variant ID is required", r.VariantID)
	}
	if r.WarehouseID == "" {
		return NewValidationError("warehouse_id", "warehouse ID is required", r.WarehouseID)
	}
	if !r.Kind.Valid() {
		return NewValidationError("kind", fmt.Sprintf("unknown movement kind %q", r.Kind), r.Kind)
	}
	if r.Quantity <= 0 {
		return NewValidationError("quantity", fmt.Sprintf("quantity must be positive, got %d", r.Quantity), r.Quantity)
	}
	return nil
}

// ReservationEntry is one row of the reservation index. The ledger stays authoritative.
type ReservationEntry struct {
	VariantID   string    `json:"variant_id"`
	WarehouseID string    `json:"warehouse_id"`
	HolderID    string    `json:"holder_id"`
	Quantity    int       `json:"quantity"`
	ReservedAt  time.Time `json:"reserved_at"`
}

func (e ReservationEntry) Key() ReservationKey {
	return ReservationKey{VariantID: e.VariantID, WarehouseID: e.WarehouseID, HolderID: e.HolderID}
}

// ExpiresAt returns when the entry becomes eligible for expiry.
func (e ReservationEntry) ExpiresAt(ttl time.Duration) time.Time {
	return e.ReservedAt.Add(ttl)
}

// ReservationKey identifies a reservation index entry.
type ReservationKey struct {
	VariantID   string
	WarehouseID string
	HolderID    string
}

func (k ReservationKey) String() string {
	return k.HolderID + "|" + k.VariantID + "|" + k.WarehouseID
}

func (k ReservationKey) Level() LevelKey {
	return LevelKey{VariantID: k.VariantID, WarehouseID: k.WarehouseID}
}

// ListMovementsFilter selects movements; nil fields are not filtered on.
type ListMovementsFilter struct {
	VariantID     *string
	WarehouseID   *string
	Kind          *MovementKind
	ReferenceType *string
	ReferenceID   *string
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}

const (
	DefaultMovementsLimit = 50
	MaxMovementsLimit     = 500
)

// Normalize clamps pagination to sane bounds
func (f *ListMovementsFilter) Normalize() {
	if f.Limit <= 0 || f.Limit > MaxMovementsLimit {
		f.Limit = DefaultMovementsLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Matches reports whether m passes the filter. Used by non-SQL stores.
func (f ListMovementsFilter) Matches(m *StockMovement) bool {
	if f.VariantID != nil && m.VariantID != *f.VariantID {
		return false
	}
	if f.WarehouseID != nil && m.WarehouseID != *f.WarehouseID {
		return false
	}
	if f.Kind != nil && m.Kind != *f.Kind {
		return false
	}
	if f.ReferenceType != nil && m.ReferenceType != *f.ReferenceType {
		return false
	}
	if f.ReferenceID != nil && m.ReferenceID != *f.ReferenceID {
		return false
	}
	if f.From != nil && m.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !m.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

// LowStockSignal is handed to the notification collaborator.
type LowStockSignal struct {
	VariantID   string    `json:"variant_id"`
	WarehouseID string    `json:"warehouse_id"`
	Available   int       `json:"available"`
	Threshold   int       `json:"threshold"`
	MovementID  uuid.UUID `json:"movement_id"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// TransferStatus tracks a two-row transfer.
type TransferStatus string

const (
	TransferStatusPending     TransferStatus = "PENDING"
	TransferStatusCommitted   TransferStatus = "COMMITTED"
	TransferStatusCompensated TransferStatus = "COMPENSATED"
)

// MovementEvent is the outbox payload published for reporting consumers
type MovementEvent struct {
	EventID  string         `json:"event_id"`
	Movement *StockMovement `json:"movement"`
	OnHand   int            `json:"on_hand"`
	Reserved int            `json:"reserved"`
	Version  int64          `json:"version"`
}

// Event types for the outbox / Kafka
const (
	EventTypeMovementApplied = "inventory.movement_applied"
	EventTypeLowStock        = "inventory.low_stock"
)
