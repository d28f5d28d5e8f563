package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockflow/internal/platform/db"
	"github.com/odyssey-erp/stockflow/internal/shared"
)

// Repository provides PostgreSQL backed persistence for the stock ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the ledger.
type TxRepository interface {
	GetLocationForUpdate(ctx context.Context, id int64) (Location, error)
	FindLocationForUpdate(ctx context.Context, departmentID, itemID int64) (Location, error)
	InsertLocation(ctx context.Context, loc Location) (int64, error)
	UpdateLocation(ctx context.Context, loc Location) error
	DeleteLocation(ctx context.Context, id int64) error
	CountMovements(ctx context.Context, locationID int64) (int64, error)
	InsertMovement(ctx context.Context, move Movement) (int64, error)
}

type txRepo struct {
	tx pgx.Tx
}

// NewTxRepository binds ledger persistence to a transaction owned by another workflow.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const locationColumns = `id, department_id, item_id, current_stock, reserved_stock,
	minimum_stock, maximum_stock, average_cost, created_at, updated_at`

func scanLocation(row pgx.Row) (Location, error) {
	var loc Location
	err := row.Scan(&loc.ID, &loc.DepartmentID, &loc.ItemID, &loc.CurrentStock, &loc.ReservedStock,
		&loc.MinimumStock, &loc.MaximumStock, &loc.AverageCost, &loc.CreatedAt, &loc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Location{}, shared.ErrNotFound
		}
		return Location{}, err
	}
	return loc, nil
}

func collectLocations(rows pgx.Rows) ([]Location, error) {
	defer rows.Close()
	var out []Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

// GetLocation loads a location by id.
func (r *Repository) GetLocation(ctx context.Context, id int64) (Location, error) {
	loc, err := scanLocation(r.pool.QueryRow(ctx, `SELECT `+locationColumns+` FROM stock_locations WHERE id = $1`, id))
	if err != nil {
		return Location{}, fmt.Errorf("stock: location %d: %w", id, err)
	}
	return loc, nil
}

// FindLocation loads the location of an item in a department.
func (r *Repository) FindLocation(ctx context.Context, departmentID, itemID int64) (Location, error) {
	loc, err := scanLocation(r.pool.QueryRow(ctx, `SELECT `+locationColumns+`
		FROM stock_locations WHERE department_id = $1 AND item_id = $2`, departmentID, itemID))
	if err != nil {
		return Location{}, fmt.Errorf("stock: department %d item %d: %w", departmentID, itemID, err)
	}
	return loc, nil
}

// ListLocations returns locations matching the query predicate.
func (r *Repository) ListLocations(ctx context.Context, q Query) ([]Location, error) {
	query := `SELECT ` + locationColumns + ` FROM stock_locations WHERE ($1::bigint = 0 OR department_id = $1)`
	switch q.Predicate {
	case PredicateLow:
		query += ` AND current_stock <= minimum_stock`
	case PredicateOver:
		query += ` AND maximum_stock > 0 AND current_stock > maximum_stock`
	case PredicateWithStock:
		query += ` AND current_stock > 0`
	case PredicateAll, "":
	default:
		return nil, shared.Validationf("stock: unknown predicate %q", q.Predicate)
	}
	query += ` ORDER BY department_id, item_id LIMIT $2`
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, query, q.DepartmentID, limit)
	if err != nil {
		return nil, err
	}
	return collectLocations(rows)
}

// FindAvailable lists locations of an item with positive available stock outside excludeDepartment.
func (r *Repository) FindAvailable(ctx context.Context, itemID, excludeDepartment int64) ([]Location, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+locationColumns+`
		FROM stock_locations
		WHERE item_id = $1 AND department_id <> $2 AND current_stock - reserved_stock > 0
		ORDER BY current_stock - reserved_stock DESC, department_id`, itemID, excludeDepartment)
	if err != nil {
		return nil, err
	}
	return collectLocations(rows)
}

// ListMovements returns the movement chain of a location in posting order.
func (r *Repository) ListMovements(ctx context.Context, locationID int64) ([]Movement, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, location_id, department_id, item_id, movement_type,
		quantity_before, quantity_change, quantity_after, reserved_before, reserved_after,
		unit_cost, total_cost, ref_module, ref_id, note, actor_id, created_at
		FROM stock_movements WHERE location_id = $1 ORDER BY id`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Movement
	for rows.Next() {
		var m Movement
		var typ string
		var refModule *string
		var refID *int64
		var note *string
		if err := rows.Scan(&m.ID, &m.LocationID, &m.DepartmentID, &m.ItemID, &typ,
			&m.QuantityBefore, &m.QuantityChange, &m.QuantityAfter, &m.ReservedBefore, &m.ReservedAfter,
			&m.UnitCost, &m.TotalCost, &refModule, &refID, &note, &m.ActorID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = MovementType(typ)
		if refModule != nil {
			m.RefModule = *refModule
		}
		if refID != nil {
			m.RefID = *refID
		}
		if note != nil {
			m.Note = *note
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *txRepo) GetLocationForUpdate(ctx context.Context, id int64) (Location, error) {
	return scanLocation(r.tx.QueryRow(ctx, `SELECT `+locationColumns+` FROM stock_locations WHERE id = $1 FOR UPDATE`, id))
}

func (r *txRepo) FindLocationForUpdate(ctx context.Context, departmentID, itemID int64) (Location, error) {
	return scanLocation(r.tx.QueryRow(ctx, `SELECT `+locationColumns+`
		FROM stock_locations WHERE department_id = $1 AND item_id = $2 FOR UPDATE`, departmentID, itemID))
}

func (r *txRepo) InsertLocation(ctx context.Context, loc Location) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_locations
		(department_id, item_id, current_stock, reserved_stock, minimum_stock, maximum_stock, average_cost, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		loc.DepartmentID, loc.ItemID, loc.CurrentStock, loc.ReservedStock, loc.MinimumStock,
		loc.MaximumStock, loc.AverageCost, loc.CreatedAt, loc.UpdatedAt,
	).Scan(&id)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return 0, fmt.Errorf("stock: department %d item %d: %w", loc.DepartmentID, loc.ItemID, shared.ErrDuplicateLocation)
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepo) UpdateLocation(ctx context.Context, loc Location) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_locations
		SET current_stock = $2, reserved_stock = $3, average_cost = $4, updated_at = $5
		WHERE id = $1`,
		loc.ID, loc.CurrentStock, loc.ReservedStock, loc.AverageCost, loc.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepo) DeleteLocation(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM stock_locations WHERE id = $1`, id)
	if err != nil {
		if shared.IsForeignKeyViolation(err) {
			return shared.ErrInUse
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepo) CountMovements(ctx context.Context, locationID int64) (int64, error) {
	var n int64
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM stock_movements WHERE location_id = $1`, locationID).Scan(&n)
	return n, err
}

func (r *txRepo) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements
		(location_id, department_id, item_id, movement_type, quantity_before, quantity_change, quantity_after,
		 reserved_before, reserved_after, unit_cost, total_cost, ref_module, ref_id, note, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), NULLIF($13, 0), NULLIF($14, ''), $15, $16)
		RETURNING id`,
		m.LocationID, m.DepartmentID, m.ItemID, string(m.Type), m.QuantityBefore, m.QuantityChange, m.QuantityAfter,
		m.ReservedBefore, m.ReservedAfter, m.UnitCost, m.TotalCost, m.RefModule, m.RefID, m.Note, m.ActorID, m.CreatedAt,
	).Scan(&id)
	return id, err
}
