package stock

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockflow/internal/shared"
)

// MovementType enumerates ledger movement kinds.
type MovementType string

const (
	// MovementOpname records a physical count correction.
	MovementOpname MovementType = "opname"
	// MovementTransferIn credits stock received from another department.
	MovementTransferIn MovementType = "transfer_in"
	// MovementTransferOut debits stock sent to another department.
	MovementTransferOut MovementType = "transfer_out"
	// MovementAdjustment covers opening balances, manual corrections and reservations.
	MovementAdjustment MovementType = "adjustment"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementOpname, MovementTransferIn, MovementTransferOut, MovementAdjustment:
		return true
	}
	return false
}

// Location is the stock row of one item held by one department.
type Location struct {
	ID            int64
	DepartmentID  int64
	ItemID        int64
	CurrentStock  decimal.Decimal
	ReservedStock decimal.Decimal
	MinimumStock  decimal.Decimal
	MaximumStock  decimal.Decimal
	AverageCost   decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Available is the quantity not held by reservations.
func (l Location) Available() decimal.Decimal {
	return l.CurrentStock.Sub(l.ReservedStock)
}

// IsLow reports stock at or below the configured minimum.
func (l Location) IsLow() bool {
	return l.CurrentStock.LessThanOrEqual(l.MinimumStock)
}

// IsOver reports stock above a configured maximum. A zero maximum means no ceiling.
func (l Location) IsOver() bool {
	return l.MaximumStock.IsPositive() && l.CurrentStock.GreaterThan(l.MaximumStock)
}

// HasStock reports a positive on-hand quantity.
func (l Location) HasStock() bool {
	return l.CurrentStock.IsPositive()
}

// StockValue is on-hand quantity valued at average cost.
func (l Location) StockValue() decimal.Decimal {
	return l.CurrentStock.Mul(l.AverageCost)
}

// Movement is an append-only ledger entry. LocationID is nil for session notes.
type Movement struct {
	ID             int64
	LocationID     *int64
	DepartmentID   int64
	ItemID         *int64
	Type           MovementType
	QuantityBefore decimal.Decimal
	QuantityChange decimal.Decimal
	QuantityAfter  decimal.Decimal
	ReservedBefore decimal.Decimal
	ReservedAfter  decimal.Decimal
	UnitCost       decimal.Decimal
	TotalCost      decimal.Decimal
	RefModule      string
	RefID          int64
	Note           string
	ActorID        int64
	CreatedAt      time.Time
}

// Limits carries the reorder thresholds of a location.
type Limits struct {
	Minimum decimal.Decimal
	Maximum decimal.Decimal
}

func (l Limits) validate() error {
	if l.Minimum.IsNegative() || l.Maximum.IsNegative() {
		return shared.Validationf("stock: limits must be >= 0")
	}
	if l.Maximum.IsPositive() && l.Maximum.LessThan(l.Minimum) {
		return shared.Validationf("stock: maximum stock must be >= minimum stock")
	}
	return nil
}

// OpenLocationInput creates the first stock row for a department and item.
type OpenLocationInput struct {
	DepartmentID int64
	ItemID       int64
	OpeningQty   decimal.Decimal
	UnitCost     decimal.Decimal
	Limits       Limits
	Note         string
	ActorID      int64
	RefModule    string
	RefID        int64
}

// Validate checks the input before any write.
func (in OpenLocationInput) Validate() error {
	if in.DepartmentID == 0 || in.ItemID == 0 {
		return shared.Validationf("stock: department and item required")
	}
	if in.OpeningQty.IsNegative() {
		return shared.Validationf("stock: opening quantity must be >= 0")
	}
	if in.UnitCost.IsNegative() {
		return shared.Validationf("stock: unit cost must be >= 0")
	}
	return in.Limits.validate()
}

// MovementInput describes a change of on-hand quantity.
type MovementInput struct {
	LocationID int64
	Type       MovementType
	Change     decimal.Decimal
	// UnitCost applies to inbound changes. Zero falls back to the location's
	// average cost unless CostFixed is set.
	UnitCost decimal.Decimal
	// CostFixed books an inbound change at UnitCost even when it is zero.
	CostFixed bool
	Note      string
	ActorID   int64
	RefModule string
	RefID     int64
}

// Validate checks the input before any write.
func (in MovementInput) Validate() error {
	if in.LocationID == 0 {
		return shared.Validationf("stock: location required")
	}
	if !in.Type.Valid() {
		return shared.Validationf("stock: unknown movement type %q", in.Type)
	}
	if in.Change.IsZero() {
		return shared.Validationf("stock: quantity change must be non zero")
	}
	if in.UnitCost.IsNegative() {
		return shared.Validationf("stock: unit cost must be >= 0")
	}
	return nil
}

// ReservationInput moves reserved stock without touching on-hand quantity.
type ReservationInput struct {
	LocationID int64
	Change     decimal.Decimal
	Note       string
	ActorID    int64
	RefModule  string
	RefID      int64
}

// Validate checks the input before any write.
func (in ReservationInput) Validate() error {
	if in.LocationID == 0 {
		return shared.Validationf("stock: location required")
	}
	if in.Change.IsZero() {
		return shared.Validationf("stock: reservation change must be non zero")
	}
	return nil
}

// NoteInput records an item-less narrative movement.
type NoteInput struct {
	DepartmentID int64
	Type         MovementType
	Note         string
	ActorID      int64
	RefModule    string
	RefID        int64
}

// Predicate selects locations for aggregate queries.
type Predicate string

const (
	PredicateLow       Predicate = "low"
	PredicateOver      Predicate = "over"
	PredicateWithStock Predicate = "with_stock"
	PredicateAll       Predicate = "all"
)

// Match applies the predicate to a location.
func (p Predicate) Match(l Location) bool {
	switch p {
	case PredicateLow:
		return l.IsLow()
	case PredicateOver:
		return l.IsOver()
	case PredicateWithStock:
		return l.HasStock()
	case PredicateAll, "":
		return true
	}
	return false
}

// Query filters aggregate location listings. DepartmentID 0 spans every department.
type Query struct {
	DepartmentID int64
	Predicate    Predicate
	Limit        int
}
