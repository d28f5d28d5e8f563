package budget

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockflow/internal/platform/db"
	"github.com/odyssey-erp/stockflow/internal/shared"
)

// PGRepository reads budget figures from PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// DepartmentBudget implements Repository.
func (r *PGRepository) DepartmentBudget(ctx context.Context, departmentID int64) (*decimal.Decimal, error) {
	var limit *decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT monthly_budget_limit FROM departments WHERE id = $1`, departmentID).Scan(&limit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return limit, nil
}

// ApprovedSpend implements Repository.
func (r *PGRepository) ApprovedSpend(ctx context.Context, departmentID int64, from, to time.Time) (decimal.Decimal, error) {
	return SpendWithin(ctx, r.pool, departmentID, from, to)
}

// SpendWithin sums approved request totals of the department in [from, to).
// Fulfilled requests stay counted in the month they were approved.
func SpendWithin(ctx context.Context, q db.Querier, departmentID int64, from, to time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(total_estimated_cost), 0)
		FROM requests
		WHERE department_id = $1
		  AND status IN ('approved', 'fulfilled')
		  AND approved_at >= $2 AND approved_at < $3`, departmentID, from, to).Scan(&total)
	return total, err
}
