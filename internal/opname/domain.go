package opname

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockflow/internal/shared"
	"github.com/odyssey-erp/stockflow/internal/stock"
)

// Line is one physical count.
type Line struct {
	LocationID    int64
	PhysicalCount decimal.Decimal
	Note          string
}

// Batch is a counting session for a single department.
type Batch struct {
	DepartmentID int64
	Lines        []Line
	// SessionNote, when set, is recorded as an item-less movement.
	SessionNote string
	// IdempotencyKey guards against the same session being posted twice.
	IdempotencyKey string
}

// Validate checks the batch before any lock is taken.
func (b Batch) Validate() error {
	if b.DepartmentID == 0 {
		return shared.Validationf("opname: department required")
	}
	if len(b.Lines) == 0 {
		return shared.Validationf("opname: at least one line is required")
	}
	seen := make(map[int64]struct{}, len(b.Lines))
	for i, l := range b.Lines {
		if l.LocationID == 0 {
			return shared.Validationf("opname: line %d: location required", i+1)
		}
		if l.PhysicalCount.IsNegative() {
			return shared.Validationf("opname: line %d: physical count must be >= 0", i+1)
		}
		if _, dup := seen[l.LocationID]; dup {
			return shared.Validationf("opname: location %d counted twice", l.LocationID)
		}
		seen[l.LocationID] = struct{}{}
	}
	return nil
}

// SkippedLine is a count that matched the system quantity.
type SkippedLine struct {
	LocationID int64
	ItemID     int64
	Count      decimal.Decimal
}

// Result lists what a reconciliation changed.
type Result struct {
	DepartmentID int64
	Movements    []stock.Movement
	Skipped      []SkippedLine
	SessionNote  *stock.Movement
	ReconciledAt time.Time
}

// Adjusted reports whether any quantity changed.
func (r Result) Adjusted() bool {
	return len(r.Movements) > 0
}

// ReconciledLine is one adjusted line of an OpnameReconciledEvent.
type ReconciledLine struct {
	LocationID int64
	ItemID     int64
	Difference decimal.Decimal
	UnitCost   decimal.Decimal
	TotalCost  decimal.Decimal
}

// OpnameReconciledEvent is emitted after adjustments commit.
type OpnameReconciledEvent struct {
	DepartmentID int64
	ActorID      int64
	ReconciledAt time.Time
	Lines        []ReconciledLine
}
