package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/stockflow/internal/shared"
)

// Repository reads budget limits and approved spend.
type Repository interface {
	// DepartmentBudget returns the monthly limit; nil means unlimited.
	DepartmentBudget(ctx context.Context, departmentID int64) (*decimal.Decimal, error)
	// ApprovedSpend sums request totals approved within [from, to).
	ApprovedSpend(ctx context.Context, departmentID int64, from, to time.Time) (decimal.Decimal, error)
}

// Remaining reports a department's budget position for one month.
type Remaining struct {
	Limit      decimal.Decimal `json:"limit"`
	Unlimited  bool            `json:"unlimited"`
	Spend      decimal.Decimal `json:"spend"`
	Remaining  decimal.Decimal `json:"remaining"`
	OverBudget bool            `json:"over_budget"`
}

// Tracker reports budget numbers. It never vetoes approvals itself.
type Tracker struct {
	repo   Repository
	cache  *Cache
	group  singleflight.Group
	logger *slog.Logger
}

// NewTracker builds a Tracker. cache may be nil.
func NewTracker(repo Repository, cache *Cache, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{repo: repo, cache: cache, logger: logger}
}

// MonthRange returns the UTC bounds [from, to) of a calendar month.
func MonthRange(year int, month time.Month) (time.Time, time.Time) {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}

// MonthlySpend sums the approved request totals of the department for the month.
func (t *Tracker) MonthlySpend(ctx context.Context, departmentID int64, year int, month time.Month) (decimal.Decimal, error) {
	if departmentID == 0 {
		return decimal.Zero, shared.Validationf("budget: department required")
	}
	if month < time.January || month > time.December {
		return decimal.Zero, shared.Validationf("budget: invalid month %d", month)
	}
	load := func(ctx context.Context) (any, error) {
		from, to := MonthRange(year, month)
		return t.repo.ApprovedSpend(ctx, departmentID, from, to)
	}
	if t.cache == nil {
		v, err := load(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		return v.(decimal.Decimal), nil
	}

	key, err := t.cache.SpendKey(ctx, departmentID, year, month)
	if err != nil {
		t.logger.Warn("budget cache unavailable", slog.Int64("department_id", departmentID), slog.Any("error", err))
		v, err := load(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		return v.(decimal.Decimal), nil
	}
	v, err, _ := t.group.Do(key, func() (any, error) {
		var spend decimal.Decimal
		if err := t.cache.FetchJSON(ctx, key, &spend, load); err != nil {
			return nil, err
		}
		return spend, nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("budget: monthly spend: %w", err)
	}
	return v.(decimal.Decimal), nil
}

// RemainingBudget returns limit minus spend. The result may be negative.
func (t *Tracker) RemainingBudget(ctx context.Context, departmentID int64, year int, month time.Month) (Remaining, error) {
	limit, err := t.repo.DepartmentBudget(ctx, departmentID)
	if err != nil {
		return Remaining{}, fmt.Errorf("budget: department %d: %w", departmentID, err)
	}
	spend, err := t.MonthlySpend(ctx, departmentID, year, month)
	if err != nil {
		return Remaining{}, err
	}
	if limit == nil {
		return Remaining{Unlimited: true, Spend: spend}, nil
	}
	remaining := limit.Sub(spend)
	return Remaining{
		Limit:      *limit,
		Spend:      spend,
		Remaining:  remaining,
		OverBudget: remaining.IsNegative(),
	}, nil
}

// CanApprove reports whether additionalCost fits in the month's remaining budget.
func (t *Tracker) CanApprove(ctx context.Context, departmentID int64, additionalCost decimal.Decimal, year int, month time.Month) (bool, error) {
	rem, err := t.RemainingBudget(ctx, departmentID, year, month)
	if err != nil {
		return false, err
	}
	if rem.Unlimited {
		return true, nil
	}
	return additionalCost.LessThanOrEqual(rem.Remaining), nil
}

// Invalidate drops cached spend of a department after its approvals change.
func (t *Tracker) Invalidate(ctx context.Context, departmentID int64) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Bump(ctx, departmentID); err != nil {
		t.logger.Warn("budget cache bump failed", slog.Int64("department_id", departmentID), slog.Any("error", err))
	}
}
