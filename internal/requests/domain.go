package requests

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockflow/internal/shared"
)

// Type distinguishes external purchases from inter-department transfers.
type Type string

const (
	TypeProcurement Type = "procurement"
	TypeTransfer    Type = "transfer"
)

// Status represents the lifecycle of a request.
type Status string

const (
	StatusDraft     Status = "draft"     // editable by the requesting department
	StatusSubmitted Status = "submitted" // waiting for a decision
	StatusApproved  Status = "approved"  // counted against the monthly budget
	StatusRejected  Status = "rejected"
	StatusFulfilled Status = "fulfilled"
)

// IsValid checks if the status is a valid value.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusApproved, StatusRejected, StatusFulfilled:
		return true
	}
	return false
}

// CanEdit returns true if lines and header may change.
func (s Status) CanEdit() bool {
	return s == StatusDraft
}

// CanSubmit returns true if the request can be sent for approval.
func (s Status) CanSubmit() bool {
	return s == StatusDraft
}

// CanDecide returns true if the request can be approved or rejected.
func (s Status) CanDecide() bool {
	return s == StatusSubmitted
}

// CanFulfill returns true if quantities can be fulfilled.
func (s Status) CanFulfill() bool {
	return s == StatusApproved
}

// CanDelete returns true if the request can be removed.
func (s Status) CanDelete() bool {
	return s == StatusDraft
}

// Priority ranks the urgency of a request.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// LineSource says where a request line comes from: a catalog item or a
// free-text custom item. Exactly one is set.
type LineSource struct {
	itemID int64
	name   string
}

// CatalogItem references an item of the catalog.
func CatalogItem(itemID int64) (LineSource, error) {
	if itemID <= 0 {
		return LineSource{}, shared.Validationf("requests: catalog item reference required")
	}
	return LineSource{itemID: itemID}, nil
}

// CustomItem describes an item outside the catalog by name.
func CustomItem(name string) (LineSource, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return LineSource{}, shared.Validationf("requests: custom item name required")
	}
	return LineSource{name: name}, nil
}

// IsCatalog reports whether the source references the catalog.
func (s LineSource) IsCatalog() bool { return s.itemID != 0 }

// IsZero reports an unset source.
func (s LineSource) IsZero() bool { return s.itemID == 0 && s.name == "" }

// ItemID returns the catalog reference, zero for custom items.
func (s LineSource) ItemID() int64 { return s.itemID }

// Name returns the custom item name, empty for catalog items.
func (s LineSource) Name() string { return s.name }

// Request is a department's procurement or transfer request.
type Request struct {
	ID                 int64
	Number             string
	DepartmentID       int64
	Type               Type
	TargetDepartmentID *int64
	Status             Status
	Priority           Priority
	NeededDate         *time.Time
	Purpose            string
	TotalEstimatedCost decimal.Decimal
	ApprovedBudget     *decimal.Decimal
	RequestedBy        int64
	SubmittedBy        *int64
	SubmittedAt        *time.Time
	ApprovedBy         *int64
	ApprovedAt         *time.Time
	FulfilledBy        *int64
	FulfilledAt        *time.Time
	Notes              string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Items              []Item
}

// Item returns the line with the given id.
func (r Request) Item(id int64) (Item, bool) {
	for _, it := range r.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// Item is a request line.
type Item struct {
	ID                 int64
	RequestID          int64
	Source             LineSource
	Unit               string
	QuantityRequested  decimal.Decimal
	QuantityFulfilled  decimal.Decimal
	EstimatedUnitCost  decimal.Decimal
	EstimatedTotalCost decimal.Decimal
	FulfilledAt        *time.Time
	Notes              string
}

// LineInput describes a request line to create.
type LineInput struct {
	Source   LineSource
	Quantity decimal.Decimal
	// UnitCost of zero takes the catalog standard cost.
	UnitCost decimal.Decimal
	Unit     string `validate:"max=20"`
	Notes    string `validate:"max=500"`
}

// CreateInput captures a new request.
type CreateInput struct {
	DepartmentID       int64    `validate:"required,gt=0"`
	Type               Type     `validate:"required,oneof=procurement transfer"`
	TargetDepartmentID *int64   `validate:"omitempty,gt=0"`
	Priority           Priority `validate:"required,oneof=low medium high"`
	NeededDate         *time.Time
	Purpose            string      `validate:"required,max=1000"`
	Lines              []LineInput `validate:"required,min=1,dive"`
}

// EditInput replaces the editable fields of a draft request.
type EditInput struct {
	TargetDepartmentID *int64   `validate:"omitempty,gt=0"`
	Priority           Priority `validate:"required,oneof=low medium high"`
	NeededDate         *time.Time
	Purpose            string      `validate:"required,max=1000"`
	Lines              []LineInput `validate:"required,min=1,dive"`
}

// Fulfillment sets the fulfilled quantity of one line.
type Fulfillment struct {
	ItemID   int64
	Quantity decimal.Decimal
}

// ListFilter narrows request listings.
type ListFilter struct {
	DepartmentID int64
	Status       Status
	Limit        int
}
