package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockflow/internal/opname"
	"github.com/odyssey-erp/stockflow/internal/shared"
	"github.com/odyssey-erp/stockflow/internal/stock"
)

// Reconciler is the opname entry point used by the CLI.
type Reconciler interface {
	Reconcile(ctx context.Context, actor shared.Actor, batch opname.Batch) (opname.Result, error)
}

// OpnameCLI posts counting sessions captured offline.
type OpnameCLI struct {
	reconciler Reconciler
}

// NewOpnameCLI constructs the helper.
func NewOpnameCLI(reconciler Reconciler) (*OpnameCLI, error) {
	if reconciler == nil {
		return nil, errors.New("opname cli: reconciler required")
	}
	return &OpnameCLI{reconciler: reconciler}, nil
}

// OpnameOptions defines available flags for the opname reconcile command.
type OpnameOptions struct {
	Actor      shared.Actor
	Input      io.Reader
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

type batchFile struct {
	DepartmentID   int64      `json:"department_id"`
	SessionNote    string     `json:"session_note"`
	IdempotencyKey string     `json:"idempotency_key"`
	Lines          []lineFile `json:"lines"`
}

type lineFile struct {
	LocationID    int64           `json:"location_id"`
	PhysicalCount decimal.Decimal `json:"physical_count"`
	Note          string          `json:"note"`
}

// OpnameSummary describes the JSON response for opname reconcile.
type OpnameSummary struct {
	DepartmentID int64           `json:"department_id"`
	Adjusted     []AdjustedLine  `json:"adjusted"`
	Skipped      []int64         `json:"skipped_locations"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	SessionNote  *int64          `json:"session_note_movement,omitempty"`
}

// AdjustedLine is one posted opname movement.
type AdjustedLine struct {
	MovementID int64           `json:"movement_id"`
	LocationID int64           `json:"location_id"`
	Before     decimal.Decimal `json:"before"`
	After      decimal.Decimal `json:"after"`
	Change     decimal.Decimal `json:"change"`
	TotalCost  decimal.Decimal `json:"total_cost"`
}

// ReconcileCommand reads a batch as JSON from Input and posts it.
// Exit codes: 0 adjusted, 1 error, 3 nothing to adjust.
func (c *OpnameCLI) ReconcileCommand(ctx context.Context, opts OpnameOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Input == nil {
		opts.Input = os.Stdin
	}
	var in batchFile
	if err := json.NewDecoder(opts.Input).Decode(&in); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "opname reconcile: decode batch: %v\n", err)
		return 1
	}
	batch := opname.Batch{
		DepartmentID:   in.DepartmentID,
		SessionNote:    in.SessionNote,
		IdempotencyKey: in.IdempotencyKey,
		Lines:          make([]opname.Line, 0, len(in.Lines)),
	}
	for _, l := range in.Lines {
		batch.Lines = append(batch.Lines, opname.Line{LocationID: l.LocationID, PhysicalCount: l.PhysicalCount, Note: l.Note})
	}

	result, err := c.reconciler.Reconcile(ctx, opts.Actor, batch)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "opname reconcile: %v\n", err)
		return 1
	}
	summary := buildOpnameSummary(result)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "opname reconcile: encode json: %v\n", err)
			return 1
		}
	} else {
		renderOpnameHuman(opts.Stdout, summary)
	}
	if !result.Adjusted() {
		return 3
	}
	return 0
}

func buildOpnameSummary(result opname.Result) OpnameSummary {
	summary := OpnameSummary{
		DepartmentID: result.DepartmentID,
		Adjusted:     make([]AdjustedLine, 0, len(result.Movements)),
		Skipped:      make([]int64, 0, len(result.Skipped)),
		TotalCost:    decimal.Zero,
	}
	for _, m := range result.Movements {
		summary.Adjusted = append(summary.Adjusted, AdjustedLine{
			MovementID: m.ID,
			LocationID: locationOf(m),
			Before:     m.QuantityBefore,
			After:      m.QuantityAfter,
			Change:     m.QuantityChange,
			TotalCost:  m.TotalCost,
		})
		summary.TotalCost = summary.TotalCost.Add(m.TotalCost)
	}
	for _, s := range result.Skipped {
		summary.Skipped = append(summary.Skipped, s.LocationID)
	}
	if result.SessionNote != nil {
		id := result.SessionNote.ID
		summary.SessionNote = &id
	}
	return summary
}

func locationOf(m stock.Movement) int64 {
	if m.LocationID == nil {
		return 0
	}
	return *m.LocationID
}

func renderOpnameHuman(w io.Writer, s OpnameSummary) {
	_, _ = fmt.Fprintf(w, "department %d: %d adjusted, %d matched\n", s.DepartmentID, len(s.Adjusted), len(s.Skipped))
	for _, l := range s.Adjusted {
		_, _ = fmt.Fprintf(w, "  location %d: %s -> %s (%s) cost %s\n", l.LocationID, l.Before, l.After, l.Change, l.TotalCost.StringFixed(2))
	}
	_, _ = fmt.Fprintf(w, "total cost %s\n", s.TotalCost.StringFixed(2))
}
