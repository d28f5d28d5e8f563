package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockflow/internal/opname"
	"github.com/odyssey-erp/stockflow/internal/transfers"
)

// Enqueuer hands postings to the background worker.
type Enqueuer interface {
	EnqueuePosting(ctx context.Context, posting Posting) error
}

// Hooks turns ledger events into accounting postings.
type Hooks struct {
	queue  Enqueuer
	logger *slog.Logger
}

// NewHooks constructs integration hooks.
func NewHooks(queue Enqueuer, logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{queue: queue, logger: logger}
}

func (h *Hooks) enqueue(ctx context.Context, posting Posting) error {
	if err := posting.Validate(); err != nil {
		return err
	}
	if err := h.queue.EnqueuePosting(ctx, posting); err != nil {
		return fmt.Errorf("integration: enqueue %s: %w", posting.SourceModule, err)
	}
	h.logger.Debug("posting queued", slog.String("source", posting.SourceModule), slog.String("source_id", posting.SourceID.String()))
	return nil
}

// HandleTransferReceived moves inventory value from the source department to the destination.
func (h *Hooks) HandleTransferReceived(ctx context.Context, evt transfers.TransferReceivedEvent) error {
	if h == nil || h.queue == nil {
		return nil
	}
	if evt.ReceivedAt.IsZero() {
		return errors.New("integration: transfer receipt date required")
	}
	total := decimal.Zero
	for _, line := range evt.Lines {
		total = total.Add(monetary(line.Quantity, line.UnitCost))
	}
	total = round2(total)
	if total.IsZero() {
		return nil
	}
	posting := Posting{
		SourceModule: SourceTransfer,
		SourceID:     uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("TRANSFER:%d", evt.TransferID))),
		Date:         evt.ReceivedAt,
		Memo:         fmt.Sprintf("Transfer %s", evt.Number),
		Lines: []PostingLine{
			{AccountKey: AccountInventory, DepartmentID: evt.DestinationDepartmentID, Debit: total},
			{AccountKey: AccountInventory, DepartmentID: evt.SourceDepartmentID, Credit: total},
		},
	}
	return h.enqueue(ctx, posting)
}

// HandleOpnameReconciled books count gains and losses against inventory.
func (h *Hooks) HandleOpnameReconciled(ctx context.Context, evt opname.OpnameReconciledEvent) error {
	if h == nil || h.queue == nil {
		return nil
	}
	if evt.ReconciledAt.IsZero() {
		return errors.New("integration: opname date required")
	}
	gain, loss := decimal.Zero, decimal.Zero
	for _, line := range evt.Lines {
		amount := monetary(line.Difference.Abs(), line.UnitCost)
		if line.Difference.IsPositive() {
			gain = gain.Add(amount)
		} else {
			loss = loss.Add(amount)
		}
	}
	gain, loss = round2(gain), round2(loss)

	var lines []PostingLine
	if gain.IsPositive() {
		lines = append(lines,
			PostingLine{AccountKey: AccountInventory, DepartmentID: evt.DepartmentID, Debit: gain},
			PostingLine{AccountKey: AccountOpnameGain, DepartmentID: evt.DepartmentID, Credit: gain},
		)
	}
	if loss.IsPositive() {
		lines = append(lines,
			PostingLine{AccountKey: AccountOpnameLoss, DepartmentID: evt.DepartmentID, Debit: loss},
			PostingLine{AccountKey: AccountInventory, DepartmentID: evt.DepartmentID, Credit: loss},
		)
	}
	if len(lines) == 0 {
		return nil
	}
	posting := Posting{
		SourceModule: SourceOpname,
		SourceID:     uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("OPNAME:%d:%d", evt.DepartmentID, evt.ReconciledAt.UnixNano()))),
		Date:         evt.ReconciledAt,
		Memo:         fmt.Sprintf("Stock opname department %d", evt.DepartmentID),
		Lines:        lines,
	}
	return h.enqueue(ctx, posting)
}
