package transfers

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of a transfer.
type Status string

const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusTransferred Status = "transferred" // stock left the source department
	StatusReceived    Status = "received"
	StatusCancelled   Status = "cancelled"
)

// CanBeApproved returns true if the source department can approve the transfer.
func (s Status) CanBeApproved() bool {
	return s == StatusPending
}

// CanBeTransferred returns true if stock can leave the source department.
func (s Status) CanBeTransferred() bool {
	return s == StatusApproved
}

// CanBeReceived returns true if the destination can book the stock in.
func (s Status) CanBeReceived() bool {
	return s == StatusTransferred
}

// CanBeCancelled returns true while no stock has moved.
func (s Status) CanBeCancelled() bool {
	return s == StatusPending || s == StatusApproved
}

// Transfer moves stock between two departments for an approved transfer request.
type Transfer struct {
	ID                      int64
	Number                  string
	RequestID               int64
	SourceDepartmentID      int64
	DestinationDepartmentID int64
	Status                  Status
	Notes                   string
	CreatedBy               int64
	ApprovedBy              *int64
	ApprovedAt              *time.Time
	TransferredBy           *int64
	TransferredAt           *time.Time
	ReceivedBy              *int64
	ReceivedAt              *time.Time
	CancelledBy             *int64
	CancelledAt             *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
	Items                   []Item
}

// TotalCost values the transfer at the recorded unit costs.
func (t Transfer) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, it := range t.Items {
		total = total.Add(it.Quantity.Mul(it.UnitCost))
	}
	return total
}

// Item is one transfer line, tied to the request line it satisfies.
type Item struct {
	ID                    int64
	TransferID            int64
	RequestItemID         int64
	ItemID                int64
	Quantity              decimal.Decimal
	UnitCost              decimal.Decimal
	SourceLocationID      *int64
	DestinationLocationID *int64
}

// Offer is stock another department could give for one item.
type Offer struct {
	ItemID     int64
	LocationID int64
	Available  decimal.Decimal
}

// Candidate groups the offers of one department.
type Candidate struct {
	DepartmentID int64
	Offers       []Offer
}

// Covers reports how many distinct items the department can supply.
func (c Candidate) Covers() int {
	return len(c.Offers)
}

// ReceivedLine is one line of a TransferReceivedEvent.
type ReceivedLine struct {
	ItemID   int64
	Quantity decimal.Decimal
	UnitCost decimal.Decimal
}

// TransferReceivedEvent is emitted once stock is booked into the destination.
type TransferReceivedEvent struct {
	TransferID              int64
	Number                  string
	RequestID               int64
	SourceDepartmentID      int64
	DestinationDepartmentID int64
	ReceivedAt              time.Time
	Lines                   []ReceivedLine
}
