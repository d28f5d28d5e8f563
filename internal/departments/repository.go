package departments

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockflow/internal/platform/db"
	"github.com/odyssey-erp/stockflow/internal/shared"
)

// Repository provides PostgreSQL backed persistence for departments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const columns = `id, code, name, parent_id, manager_id, monthly_budget_limit,
	can_request_items, is_active, created_at, updated_at`

func get(ctx context.Context, q db.Querier, id int64) (Department, error) {
	var d Department
	err := q.QueryRow(ctx, `SELECT `+columns+` FROM departments WHERE id = $1`, id).Scan(
		&d.ID, &d.Code, &d.Name, &d.ParentID, &d.ManagerID, &d.MonthlyBudgetLimit,
		&d.CanRequestItems, &d.IsActive, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Department{}, shared.ErrNotFound
		}
		return Department{}, err
	}
	return d, nil
}

// Get loads a department.
func (r *Repository) Get(ctx context.Context, id int64) (Department, error) {
	d, err := get(ctx, r.pool, id)
	if err != nil {
		return Department{}, fmt.Errorf("departments: %d: %w", id, err)
	}
	return d, nil
}

// List returns departments ordered by code.
func (r *Repository) List(ctx context.Context) ([]Department, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM departments ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Department
	for rows.Next() {
		var d Department
		if err := rows.Scan(&d.ID, &d.Code, &d.Name, &d.ParentID, &d.ManagerID, &d.MonthlyBudgetLimit,
			&d.CanRequestItems, &d.IsActive, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *txRepo) Get(ctx context.Context, id int64) (Department, error) {
	return get(ctx, r.tx, id)
}

func (r *txRepo) Insert(ctx context.Context, d Department) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO departments
		(code, name, parent_id, manager_id, monthly_budget_limit, can_request_items, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING id`,
		d.Code, d.Name, d.ParentID, d.ManagerID, d.MonthlyBudgetLimit, d.CanRequestItems, d.IsActive,
	).Scan(&id)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return 0, fmt.Errorf("departments: code %s: %w", d.Code, shared.ErrDuplicate)
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepo) Update(ctx context.Context, d Department) error {
	_, err := r.tx.Exec(ctx, `UPDATE departments
		SET code = $2, name = $3, parent_id = $4, manager_id = $5, monthly_budget_limit = $6,
		    can_request_items = $7, is_active = $8, updated_at = NOW()
		WHERE id = $1`,
		d.ID, d.Code, d.Name, d.ParentID, d.ManagerID, d.MonthlyBudgetLimit, d.CanRequestItems, d.IsActive)
	if err != nil && shared.IsUniqueViolation(err) {
		return fmt.Errorf("departments: code %s: %w", d.Code, shared.ErrDuplicate)
	}
	return err
}

func (r *txRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM departments WHERE id = $1`, id)
	if err != nil && shared.IsForeignKeyViolation(err) {
		return fmt.Errorf("departments: %d: %w", id, shared.ErrInUse)
	}
	return err
}

func (r *txRepo) CountDependents(ctx context.Context, id int64) (Dependents, error) {
	var d Dependents
	err := r.tx.QueryRow(ctx, `SELECT
		(SELECT COUNT(*) FROM departments WHERE parent_id = $1),
		(SELECT COUNT(*) FROM requests WHERE department_id = $1 OR target_department_id = $1),
		(SELECT COUNT(*) FROM users WHERE department_id = $1),
		(SELECT COUNT(*) FROM stock_locations WHERE department_id = $1)`, id,
	).Scan(&d.Children, &d.Requests, &d.Users, &d.Locations)
	return d, err
}
