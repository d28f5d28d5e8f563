package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/odyssey-erp/stockflow/internal/budget"
)

// BudgetReader reports a department's monthly budget position.
type BudgetReader interface {
	RemainingBudget(ctx context.Context, departmentID int64, year int, month time.Month) (budget.Remaining, error)
}

// BudgetCLI prints remaining budget figures.
type BudgetCLI struct {
	reader BudgetReader
}

// NewBudgetCLI constructs the helper.
func NewBudgetCLI(reader BudgetReader) (*BudgetCLI, error) {
	if reader == nil {
		return nil, errors.New("budget cli: reader required")
	}
	return &BudgetCLI{reader: reader}, nil
}

// BudgetOptions defines available flags for the budget remaining command.
type BudgetOptions struct {
	DepartmentID int64
	Period       string
	JSONOutput   bool
	Stdout       io.Writer
	Stderr       io.Writer
}

// BudgetSummary describes the JSON response for budget remaining.
type BudgetSummary struct {
	DepartmentID int64            `json:"department_id"`
	Period       string           `json:"period"`
	Remaining    budget.Remaining `json:"budget"`
}

// RemainingCommand prints the position for one month. Exit code 10 signals an overspent month.
func (c *BudgetCLI) RemainingCommand(ctx context.Context, opts BudgetOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.DepartmentID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "budget remaining: --department is required and must be positive")
		return 1
	}
	period, err := time.Parse("2006-01", strings.TrimSpace(opts.Period))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "budget remaining: invalid period %q (expected YYYY-MM)\n", opts.Period)
		return 1
	}
	remaining, err := c.reader.RemainingBudget(ctx, opts.DepartmentID, period.Year(), period.Month())
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "budget remaining: %v\n", err)
		return 1
	}
	summary := BudgetSummary{DepartmentID: opts.DepartmentID, Period: period.Format("2006-01"), Remaining: remaining}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "budget remaining: encode json: %v\n", err)
			return 1
		}
	} else {
		renderBudgetHuman(opts.Stdout, summary)
	}
	if remaining.OverBudget {
		return 10
	}
	return 0
}

func renderBudgetHuman(w io.Writer, s BudgetSummary) {
	if s.Remaining.Unlimited {
		_, _ = fmt.Fprintf(w, "department %d %s: spent %s, no limit\n", s.DepartmentID, s.Period, s.Remaining.Spend.StringFixed(2))
		return
	}
	_, _ = fmt.Fprintf(w, "department %d %s: limit %s, spent %s, remaining %s\n",
		s.DepartmentID, s.Period,
		s.Remaining.Limit.StringFixed(2), s.Remaining.Spend.StringFixed(2), s.Remaining.Remaining.StringFixed(2))
	if s.Remaining.OverBudget {
		_, _ = fmt.Fprintln(w, "over budget")
	}
}
