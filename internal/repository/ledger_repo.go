package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"inventory-ledger/internal/interfaces"
	"inventory-ledger/internal/models"
)

const levelColumns = `variant_id, warehouse_id, on_hand, reserved, low_stock_threshold, version, updated_at`

const movementColumns = `id, variant_id, warehouse_id, kind, quantity, unit_cost, reference_type, reference_id,
	reason_code, notes, actor_id, on_hand_after, reserved_after, created_at`

// LedgerRepository handles database operations for inventory levels and stock movements
type LedgerRepository struct {
	db         *sqlx.DB
	outboxRepo *OutboxRepository
}

// NewLedgerRepository creates a new PostgreSQL-backed ledger repository
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{
		db:         db,
		outboxRepo: NewOutboxRepository(db),
	}
}

var _ interfaces.LedgerRepository = (*LedgerRepository)(nil)

// InTx runs fn inside a READ COMMITTED transaction. Row locks taken by
// LockLevel serialize writers on the same level.
func (r *LedgerRepository) InTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to begin transaction")
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Error().Err(err).Msg("Failed to rollback transaction")
		}
	}()

	if err := fn(&ledgerTx{tx: tx, outboxRepo: r.outboxRepo}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetLevel retrieves a level without locking. Returns nil when the row does not exist.
func (r *LedgerRepository) GetLevel(ctx context.Context, key models.LevelKey) (*models.InventoryLevel, error) {
	var level models.InventoryLevel
	query := `SELECT ` + levelColumns + ` FROM inventory_levels WHERE variant_id = $1 AND warehouse_id = $2`

	err := r.db.GetContext(ctx, &level, query, key.VariantID, key.WarehouseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		log.Error().Err(err).Str("variant_id", key.VariantID).Str("warehouse_id", key.WarehouseID).Msg("Failed to get level")
		return nil, fmt.Errorf("failed to get level: %w", err)
	}

	return &level, nil
}

// ListLevelsByVariant returns every warehouse level of a variant ordered by warehouse id
func (r *LedgerRepository) ListLevelsByVariant(ctx context.Context, variantID string) ([]models.InventoryLevel, error) {
	levels := []models.InventoryLevel{}
	query := `SELECT ` + levelColumns + ` FROM inventory_levels WHERE variant_id = $1 ORDER BY warehouse_id ASC`

	if err := r.db.SelectContext(ctx, &levels, query, variantID); err != nil {
		log.Error().Err(err).Str("variant_id", variantID).Msg("Failed to list levels")
		return nil, fmt.Errorf("failed to list levels: %w", err)
	}

	return levels, nil
}

// GetMovement retrieves a movement by id. Returns nil when absent.
func (r *LedgerRepository) GetMovement(ctx context.Context, id uuid.UUID) (*models.StockMovement, error) {
	var movement models.StockMovement
	query := `SELECT ` + movementColumns + ` FROM stock_movements WHERE id = $1`

	err := r.db.GetContext(ctx, &movement, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		log.Error().Err(err).Str("movement_id", id.String()).Msg("Failed to get movement")
		return nil, fmt.Errorf("failed to get movement: %w", err)
	}

	return &movement, nil
}

// ListMovements returns one page of movements, newest first, and the total matching count
func (r *LedgerRepository) ListMovements(ctx context.Context, filter models.ListMovementsFilter) ([]models.StockMovement, int, error) {
	filter.Normalize()
	where, args := buildMovementWhere(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM stock_movements` + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		log.Error().Err(err).Msg("Failed to count movements")
		return nil, 0, fmt.Errorf("failed to count movements: %w", err)
	}

	movements := []models.StockMovement{}
	query := fmt.Sprintf(`SELECT %s FROM stock_movements%s ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`,
		movementColumns, where, len(args)+1, len(args)+2)
	if err := r.db.SelectContext(ctx, &movements, query, append(args, filter.Limit, filter.Offset)...); err != nil {
		log.Error().Err(err).Msg("Failed to list movements")
		return nil, 0, fmt.Errorf("failed to list movements: %w", err)
	}

	return movements, total, nil
}

func buildMovementWhere(filter models.ListMovementsFilter) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.VariantID != nil {
		add("variant_id = $%d", *filter.VariantID)
	}
	if filter.WarehouseID != nil {
		add("warehouse_id = $%d", *filter.WarehouseID)
	}
	if filter.Kind != nil {
		add("kind = $%d", string(*filter.Kind))
	}
	if filter.ReferenceType != nil {
		add("reference_type = $%d", *filter.ReferenceType)
	}
	if filter.ReferenceID != nil {
		add("reference_id = $%d", *filter.ReferenceID)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ledgerTx implements interfaces.LedgerTx on top of a sqlx transaction
type ledgerTx struct {
	tx         *sqlx.Tx
	outboxRepo *OutboxRepository
}

// LockLevel inserts the row if missing and then takes a row lock with SELECT ... FOR UPDATE
func (t *ledgerTx) LockLevel(ctx context.Context, key models.LevelKey, defaultThreshold int) (*models.InventoryLevel, error) {
	insert := `INSERT INTO inventory_levels (variant_id, warehouse_id, on_hand, reserved, low_stock_threshold, version, updated_at)
			  VALUES ($1, $2, 0, 0, $3, 0, NOW())
			  ON CONFLICT (variant_id, warehouse_id) DO NOTHING`
	if _, err := t.tx.ExecContext(ctx, insert, key.VariantID, key.WarehouseID, defaultThreshold); err != nil {
		log.Error().Err(err).Str("variant_id", key.VariantID).Str("warehouse_id", key.WarehouseID).Msg("Failed to create level")
		return nil, fmt.Errorf("failed to create level: %w", err)
	}

	var level models.InventoryLevel
	query := `SELECT ` + levelColumns + ` FROM inventory_levels
			  WHERE variant_id = $1 AND warehouse_id = $2 FOR UPDATE`
	if err := t.tx.GetContext(ctx, &level, query, key.VariantID, key.WarehouseID); err != nil {
		log.Error().Err(err).Str("variant_id", key.VariantID).Str("warehouse_id", key.WarehouseID).Msg("Failed to lock level")
		return nil, fmt.Errorf("failed to lock level: %w", err)
	}

	return &level, nil
}

// UpdateLevel writes quantities and threshold, bumping the version
func (t *ledgerTx) UpdateLevel(ctx context.Context, level *models.InventoryLevel) error {
	query := `UPDATE inventory_levels
			  SET on_hand = $3, reserved = $4, low_stock_threshold = $5, version = version + 1, updated_at = NOW()
			  WHERE variant_id = $1 AND warehouse_id = $2 AND version = $6
			  RETURNING version, updated_at`

	err := t.tx.QueryRowxContext(ctx, query, level.VariantID, level.WarehouseID,
		level.OnHand, level.Reserved, level.LowStockThreshold, level.Version).
		Scan(&level.Version, &level.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("optimistic lock failed: level %s version mismatch", level.Key())
		}
		log.Error().Err(err).Str("variant_id", level.VariantID).Str("warehouse_id", level.WarehouseID).Msg("Failed to update level")
		return fmt.Errorf("failed to update level: %w", err)
	}

	return nil
}

// InsertMovement appends a movement row; created_at is assigned by the server clock
func (t *ledgerTx) InsertMovement(ctx context.Context, m *models.StockMovement) error {
	query := `INSERT INTO stock_movements (id, variant_id, warehouse_id, kind, quantity, unit_cost, reference_type,
			  reference_id, reason_code, notes, actor_id, on_hand_after, reserved_after, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, clock_timestamp())
			  RETURNING created_at`

	err := t.tx.QueryRowxContext(ctx, query, m.ID, m.VariantID, m.WarehouseID, string(m.Kind), m.Quantity, m.UnitCost,
		m.ReferenceType, m.ReferenceID, m.ReasonCode, m.Notes, m.ActorID, m.OnHandAfter, m.ReservedAfter).
		Scan(&m.CreatedAt)
	if err != nil {
		log.Error().Err(err).Str("movement_id", m.ID.String()).Str("kind", string(m.Kind)).Msg("Failed to insert movement")
		return fmt.Errorf("failed to insert movement: %w", err)
	}

	return nil
}

// InsertOutboxEvent stores an event in the outbox within the same transaction
func (t *ledgerTx) InsertOutboxEvent(ctx context.Context, eventType, key string, payload interface{}) error {
	return t.outboxRepo.InsertOutboxEvent(ctx, t.tx, eventType, key, payload)
}
