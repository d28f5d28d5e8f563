package requests

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockflow/internal/budget"
	"github.com/odyssey-erp/stockflow/internal/platform/db"
	"github.com/odyssey-erp/stockflow/internal/shared"
)

// Repository provides PostgreSQL backed persistence for requests.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id int64) (Request, error)
	Insert(ctx context.Context, req Request) (int64, error)
	Update(ctx context.Context, req Request) error
	Delete(ctx context.Context, id int64) error
	ReplaceItems(ctx context.Context, requestID int64, items []Item) error
	UpdateItemFulfillment(ctx context.Context, item Item) error
	RecomputeTotal(ctx context.Context, requestID int64) (decimal.Decimal, error)
	// LockBudget serialises approvals of the department for the rest of the
	// transaction and returns its monthly limit, nil when unlimited.
	LockBudget(ctx context.Context, departmentID int64) (*decimal.Decimal, error)
	ApprovedSpend(ctx context.Context, departmentID int64, from, to time.Time) (decimal.Decimal, error)
}

type txRepo struct {
	tx pgx.Tx
}

// NewTxRepository binds request persistence to a transaction owned by another workflow.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const requestColumns = `id, number, department_id, request_type, target_department_id, status, priority,
	needed_date, purpose, total_estimated_cost, approved_budget, requested_by,
	submitted_by, submitted_at, approved_by, approved_at, fulfilled_by, fulfilled_at,
	COALESCE(notes, ''), created_at, updated_at`

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	var typ, status, priority string
	err := row.Scan(&req.ID, &req.Number, &req.DepartmentID, &typ, &req.TargetDepartmentID, &status, &priority,
		&req.NeededDate, &req.Purpose, &req.TotalEstimatedCost, &req.ApprovedBudget, &req.RequestedBy,
		&req.SubmittedBy, &req.SubmittedAt, &req.ApprovedBy, &req.ApprovedAt, &req.FulfilledBy, &req.FulfilledAt,
		&req.Notes, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, shared.ErrNotFound
		}
		return Request{}, err
	}
	req.Type = Type(typ)
	req.Status = Status(status)
	req.Priority = Priority(priority)
	return req, nil
}

func loadItems(ctx context.Context, q db.Querier, requestID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT id, request_id, item_id, custom_name, COALESCE(unit, ''),
		quantity_requested, quantity_fulfilled, estimated_unit_cost, estimated_total_cost,
		fulfilled_at, COALESCE(notes, '')
		FROM request_items WHERE request_id = $1 ORDER BY id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		var itemID *int64
		var name *string
		if err := rows.Scan(&it.ID, &it.RequestID, &itemID, &name, &it.Unit,
			&it.QuantityRequested, &it.QuantityFulfilled, &it.EstimatedUnitCost, &it.EstimatedTotalCost,
			&it.FulfilledAt, &it.Notes); err != nil {
			return nil, err
		}
		if itemID != nil {
			it.Source = LineSource{itemID: *itemID}
		} else if name != nil {
			it.Source = LineSource{name: *name}
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Get loads a request with its lines.
func (r *Repository) Get(ctx context.Context, id int64) (Request, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id))
	if err != nil {
		return Request{}, fmt.Errorf("requests: %d: %w", id, err)
	}
	req.Items, err = loadItems(ctx, r.pool, id)
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

// List returns request headers matching the filter, newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Request, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+requestColumns+` FROM requests
		WHERE ($1::bigint = 0 OR department_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC LIMIT $3`, filter.DepartmentID, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *txRepo) GetForUpdate(ctx context.Context, id int64) (Request, error) {
	req, err := scanRequest(r.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Request{}, err
	}
	req.Items, err = loadItems(ctx, r.tx, id)
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

func (r *txRepo) Insert(ctx context.Context, req Request) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO requests
		(number, department_id, request_type, target_department_id, status, priority, needed_date, purpose,
		 total_estimated_cost, requested_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		req.Number, req.DepartmentID, string(req.Type), req.TargetDepartmentID, string(req.Status), string(req.Priority),
		req.NeededDate, req.Purpose, req.TotalEstimatedCost, req.RequestedBy, req.CreatedAt, req.UpdatedAt,
	).Scan(&id)
	if err != nil && shared.IsUniqueViolation(err) {
		return 0, fmt.Errorf("requests: number %s: %w", req.Number, shared.ErrDuplicate)
	}
	return id, err
}

func (r *txRepo) Update(ctx context.Context, req Request) error {
	tag, err := r.tx.Exec(ctx, `UPDATE requests SET
		target_department_id = $2, status = $3, priority = $4, needed_date = $5, purpose = $6,
		approved_budget = $7, submitted_by = $8, submitted_at = $9, approved_by = $10, approved_at = $11,
		fulfilled_by = $12, fulfilled_at = $13, notes = NULLIF($14, ''), updated_at = $15
		WHERE id = $1`,
		req.ID, req.TargetDepartmentID, string(req.Status), string(req.Priority), req.NeededDate, req.Purpose,
		req.ApprovedBudget, req.SubmittedBy, req.SubmittedAt, req.ApprovedBy, req.ApprovedAt,
		req.FulfilledBy, req.FulfilledAt, req.Notes, req.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM request_items WHERE request_id = $1`, id); err != nil {
		return err
	}
	_, err := r.tx.Exec(ctx, `DELETE FROM requests WHERE id = $1`, id)
	return err
}

func (r *txRepo) ReplaceItems(ctx context.Context, requestID int64, items []Item) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM request_items WHERE request_id = $1`, requestID); err != nil {
		return err
	}
	for _, it := range items {
		var itemID *int64
		var name *string
		if it.Source.IsCatalog() {
			id := it.Source.ItemID()
			itemID = &id
		} else {
			n := it.Source.Name()
			name = &n
		}
		_, err := r.tx.Exec(ctx, `INSERT INTO request_items
			(request_id, item_id, custom_name, unit, quantity_requested, quantity_fulfilled,
			 estimated_unit_cost, estimated_total_cost, notes)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, 0, $6, $7, NULLIF($8, ''))`,
			requestID, itemID, name, it.Unit, it.QuantityRequested, it.EstimatedUnitCost, it.EstimatedTotalCost, it.Notes)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepo) UpdateItemFulfillment(ctx context.Context, it Item) error {
	_, err := r.tx.Exec(ctx, `UPDATE request_items SET quantity_fulfilled = $2, fulfilled_at = $3 WHERE id = $1`,
		it.ID, it.QuantityFulfilled, it.FulfilledAt)
	return err
}

func (r *txRepo) RecomputeTotal(ctx context.Context, requestID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.tx.QueryRow(ctx, `UPDATE requests
		SET total_estimated_cost = (SELECT COALESCE(SUM(estimated_total_cost), 0) FROM request_items WHERE request_id = $1)
		WHERE id = $1
		RETURNING total_estimated_cost`, requestID).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, shared.ErrNotFound
	}
	return total, err
}

// LockBudget bumps the department's budget version. A concurrent approval of
// the same department blocks on the row and then fails to serialise, so the
// spend it read can never be stale.
func (r *txRepo) LockBudget(ctx context.Context, departmentID int64) (*decimal.Decimal, error) {
	var limit *decimal.Decimal
	err := r.tx.QueryRow(ctx, `UPDATE departments SET budget_version = budget_version + 1
		WHERE id = $1 RETURNING monthly_budget_limit`, departmentID).Scan(&limit)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("requests: department %d: %w", departmentID, shared.ErrNotFound)
	case shared.IsSerializationFailure(err):
		return nil, fmt.Errorf("requests: department %d budget: %w", departmentID, shared.ErrConflict)
	case err != nil:
		return nil, err
	}
	return limit, nil
}

func (r *txRepo) ApprovedSpend(ctx context.Context, departmentID int64, from, to time.Time) (decimal.Decimal, error) {
	return budget.SpendWithin(ctx, r.tx, departmentID, from, to)
}
