package transfers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockflow/internal/requests"
	"github.com/odyssey-erp/stockflow/internal/shared"
	"github.com/odyssey-erp/stockflow/internal/stock"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Transfer, error)
	GetByRequest(ctx context.Context, requestID int64) (Transfer, error)
}

// StockReader finds stock other departments could give.
type StockReader interface {
	FindAvailable(ctx context.Context, itemID, excludeDepartment int64) ([]stock.Location, error)
}

// IntegrationHandler receives transfer events for accounting.
type IntegrationHandler interface {
	HandleTransferReceived(ctx context.Context, evt TransferReceivedEvent) error
}

// ApprovalPort persists approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Observer is notified after transitions and ledger movements commit.
type Observer interface {
	ObserveTransition(workflow, to string)
	ObserveMovement(movementType string)
}

// Service implements the transfer workflow.
type Service struct {
	repo        RepositoryPort
	stock       StockReader
	integration IntegrationHandler
	approvals   ApprovalPort
	audit       AuditPort
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, stockReader StockReader, integration IntegrationHandler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		stock:       stockReader,
		integration: integration,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetApprovals wires the approval history recorder.
func (s *Service) SetApprovals(approvals ApprovalPort) { s.approvals = approvals }

// SetAudit wires the audit logger.
func (s *Service) SetAudit(audit AuditPort) { s.audit = audit }

// SetObserver wires metrics.
func (s *Service) SetObserver(observer Observer) { s.observer = observer }

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Get returns a transfer with its lines.
func (s *Service) Get(ctx context.Context, id int64) (Transfer, error) {
	return s.repo.Get(ctx, id)
}

// GetByRequest returns the transfer spawned by a request.
func (s *Service) GetByRequest(ctx context.Context, requestID int64) (Transfer, error) {
	return s.repo.GetByRequest(ctx, requestID)
}

// CreateFromRequest spawns a pending transfer from an approved transfer request.
// The request's target department is the source of the stock.
func (s *Service) CreateFromRequest(ctx context.Context, actor shared.Actor, requestID int64) (Transfer, error) {
	var id int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, err := tx.Requests().GetForUpdate(ctx, requestID)
		if err != nil {
			return fmt.Errorf("transfers: request %d: %w", requestID, err)
		}
		if req.Type != requests.TypeTransfer {
			return shared.InvalidStatef("transfers: request %s is not a transfer request", req.Number)
		}
		if req.Status != requests.StatusApproved {
			return shared.InvalidStatef("transfers: request %s is %s", req.Number, req.Status)
		}
		if req.TargetDepartmentID == nil {
			return shared.Validationf("transfers: request %s has no target department", req.Number)
		}
		source, destination := *req.TargetDepartmentID, req.DepartmentID
		if !actor.CanActFor(destination, shared.PermTransfersManage) && !actor.BelongsTo(source) {
			return fmt.Errorf("transfers: create from request %d: %w", requestID, shared.ErrUnauthorized)
		}
		exists, err := tx.ExistsForRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("transfers: request %s: %w", req.Number, shared.ErrDuplicateTransfer)
		}

		now := s.now()
		t := Transfer{
			Number:                  generateNumber("TRF"),
			RequestID:               requestID,
			SourceDepartmentID:      source,
			DestinationDepartmentID: destination,
			Status:                  StatusPending,
			CreatedBy:               actor.UserID,
			CreatedAt:               now,
			UpdatedAt:               now,
		}
		for _, line := range req.Items {
			if !line.Source.IsCatalog() {
				return shared.Validationf("transfers: request line %d has no catalog item", line.ID)
			}
			item := Item{
				RequestItemID: line.ID,
				ItemID:        line.Source.ItemID(),
				Quantity:      line.QuantityRequested,
				UnitCost:      line.EstimatedUnitCost,
			}
			loc, err := tx.Ledger().FindLocationForUpdate(ctx, source, item.ItemID)
			switch {
			case err == nil:
				item.SourceLocationID = &loc.ID
				item.UnitCost = loc.AverageCost
			case !errors.Is(err, shared.ErrNotFound):
				return err
			}
			t.Items = append(t.Items, item)
		}
		id, err = tx.Insert(ctx, t)
		return err
	})
	if err != nil {
		return Transfer{}, err
	}
	s.observeTransition(StatusPending)
	s.recordAudit(ctx, actor.UserID, "transfers.create", id, map[string]any{"request_id": requestID})
	return s.repo.Get(ctx, id)
}

// Approve lets the source department accept a pending transfer.
func (s *Service) Approve(ctx context.Context, actor shared.Actor, id int64) (Transfer, error) {
	t, err := s.transition(ctx, id, func(ctx context.Context, tx TxRepository, t *Transfer) error {
		if !t.Status.CanBeApproved() {
			return shared.InvalidStatef("transfers: cannot approve %s transfer", t.Status)
		}
		if !actor.CanActFor(t.SourceDepartmentID, shared.PermTransfersManage) {
			return fmt.Errorf("transfers: approve %d: %w", id, shared.ErrUnauthorized)
		}
		now := s.now()
		t.Status = StatusApproved
		t.ApprovedBy = &actor.UserID
		t.ApprovedAt = &now
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordApproval(ctx, id, actor.UserID, shared.ApprovalApprove, "")
	return t, nil
}

// MarkTransferred debits every line from the source department. If any line
// cannot be covered nothing is applied.
func (s *Service) MarkTransferred(ctx context.Context, actor shared.Actor, id int64) (Transfer, error) {
	var moves []stock.Movement
	t, err := s.transition(ctx, id, func(ctx context.Context, tx TxRepository, t *Transfer) error {
		if !t.Status.CanBeTransferred() {
			return shared.InvalidStatef("transfers: cannot send %s transfer", t.Status)
		}
		if !actor.CanActFor(t.SourceDepartmentID, shared.PermTransfersManage) {
			return fmt.Errorf("transfers: send %d: %w", id, shared.ErrUnauthorized)
		}
		inputs := make([]stock.MovementInput, 0, len(t.Items))
		for i := range t.Items {
			item := &t.Items[i]
			loc, err := tx.Ledger().FindLocationForUpdate(ctx, t.SourceDepartmentID, item.ItemID)
			if err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					return fmt.Errorf("transfers: department %d holds no item %d: %w", t.SourceDepartmentID, item.ItemID, shared.ErrInsufficientStock)
				}
				return err
			}
			item.SourceLocationID = &loc.ID
			inputs = append(inputs, stock.MovementInput{
				LocationID: loc.ID,
				Type:       stock.MovementTransferOut,
				Change:     item.Quantity.Neg(),
				Note:       fmt.Sprintf("Transfer %s to department %d", t.Number, t.DestinationDepartmentID),
				ActorID:    actor.UserID,
				RefModule:  shared.ModuleTransfer,
				RefID:      t.ID,
			})
		}
		var err error
		moves, err = stock.NewLedger(tx.Ledger()).ApplyBatch(ctx, inputs)
		if err != nil {
			if errors.Is(err, shared.ErrNegativeStock) {
				return fmt.Errorf("transfers: %s: %w: %v", t.Number, shared.ErrInsufficientStock, err)
			}
			return err
		}
		for i := range t.Items {
			t.Items[i].UnitCost = moves[i].UnitCost
			if err := tx.UpdateItem(ctx, t.Items[i]); err != nil {
				return err
			}
		}
		now := s.now()
		t.Status = StatusTransferred
		t.TransferredBy = &actor.UserID
		t.TransferredAt = &now
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.observeMovements(moves)
	s.recordAudit(ctx, actor.UserID, "transfers.send", id, map[string]any{"lines": len(t.Items)})
	return t, nil
}

// MarkReceived credits every line to the destination department, opening
// missing locations at the recorded unit cost, and fulfils the request.
func (s *Service) MarkReceived(ctx context.Context, actor shared.Actor, id int64) (Transfer, error) {
	var moves []stock.Movement
	t, err := s.transition(ctx, id, func(ctx context.Context, tx TxRepository, t *Transfer) error {
		if !t.Status.CanBeReceived() {
			return shared.InvalidStatef("transfers: cannot receive %s transfer", t.Status)
		}
		if !actor.CanActFor(t.DestinationDepartmentID, shared.PermTransfersManage) {
			return fmt.Errorf("transfers: receive %d: %w", id, shared.ErrUnauthorized)
		}
		ledger := stock.NewLedger(tx.Ledger())
		inputs := make([]stock.MovementInput, 0, len(t.Items))
		for i := range t.Items {
			item := &t.Items[i]
			loc, err := tx.Ledger().FindLocationForUpdate(ctx, t.DestinationDepartmentID, item.ItemID)
			if errors.Is(err, shared.ErrNotFound) {
				loc, err = ledger.Open(ctx, stock.OpenLocationInput{
					DepartmentID: t.DestinationDepartmentID,
					ItemID:       item.ItemID,
					UnitCost:     item.UnitCost,
					ActorID:      actor.UserID,
					RefModule:    shared.ModuleTransfer,
					RefID:        t.ID,
				})
			}
			if err != nil {
				return err
			}
			item.DestinationLocationID = &loc.ID
			inputs = append(inputs, stock.MovementInput{
				LocationID: loc.ID,
				Type:       stock.MovementTransferIn,
				Change:     item.Quantity,
				UnitCost:   item.UnitCost,
				CostFixed:  true,
				Note:       fmt.Sprintf("Transfer %s from department %d", t.Number, t.SourceDepartmentID),
				ActorID:    actor.UserID,
				RefModule:  shared.ModuleTransfer,
				RefID:      t.ID,
			})
		}
		var err error
		moves, err = ledger.ApplyBatch(ctx, inputs)
		if err != nil {
			return err
		}
		for _, item := range t.Items {
			if err := tx.UpdateItem(ctx, item); err != nil {
				return err
			}
		}

		now := s.now()
		t.Status = StatusReceived
		t.ReceivedBy = &actor.UserID
		t.ReceivedAt = &now
		return s.fulfilRequest(ctx, tx, *t, actor.UserID, now)
	})
	if err != nil {
		return Transfer{}, err
	}
	s.observeMovements(moves)
	s.recordAudit(ctx, actor.UserID, "transfers.receive", id, map[string]any{"lines": len(t.Items)})
	s.emitReceived(ctx, t)
	return t, nil
}

// Cancel abandons a transfer before any stock has moved.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, id int64, reason string) (Transfer, error) {
	t, err := s.transition(ctx, id, func(ctx context.Context, tx TxRepository, t *Transfer) error {
		if !t.Status.CanBeCancelled() {
			return shared.InvalidStatef("transfers: cannot cancel %s transfer", t.Status)
		}
		if !actor.CanActFor(t.SourceDepartmentID, shared.PermTransfersManage) && !actor.BelongsTo(t.DestinationDepartmentID) {
			return fmt.Errorf("transfers: cancel %d: %w", id, shared.ErrUnauthorized)
		}
		now := s.now()
		t.Status = StatusCancelled
		t.CancelledBy = &actor.UserID
		t.CancelledAt = &now
		if r := strings.TrimSpace(reason); r != "" {
			t.Notes = r
		}
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordApproval(ctx, id, actor.UserID, shared.ApprovalCancel, reason)
	return t, nil
}

// FindCandidateDepartments lists, per department, the requested items it can
// supply from available stock. Departments covering more items come first.
func (s *Service) FindCandidateDepartments(ctx context.Context, itemIDs []int64, excludeDepartment int64) ([]Candidate, error) {
	if len(itemIDs) == 0 {
		return nil, shared.Validationf("transfers: at least one item is required")
	}
	itemIDs = distinct(itemIDs)
	results := make([][]stock.Location, len(itemIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, itemID := range itemIDs {
		g.Go(func() error {
			locs, err := s.stock.FindAvailable(gctx, itemID, excludeDepartment)
			if err != nil {
				return fmt.Errorf("transfers: candidates for item %d: %w", itemID, err)
			}
			results[i] = locs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byDept := make(map[int64]*Candidate)
	for _, locs := range results {
		for _, loc := range locs {
			if !loc.Available().IsPositive() {
				continue
			}
			c, ok := byDept[loc.DepartmentID]
			if !ok {
				c = &Candidate{DepartmentID: loc.DepartmentID}
				byDept[loc.DepartmentID] = c
			}
			c.Offers = append(c.Offers, Offer{ItemID: loc.ItemID, LocationID: loc.ID, Available: loc.Available()})
		}
	}
	out := make([]Candidate, 0, len(byDept))
	for _, c := range byDept {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Covers() != out[j].Covers() {
			return out[i].Covers() > out[j].Covers()
		}
		return out[i].DepartmentID < out[j].DepartmentID
	})
	return out, nil
}

// transition runs mutate on the locked transfer and persists the header.
func (s *Service) transition(ctx context.Context, id int64, mutate func(context.Context, TxRepository, *Transfer) error) (Transfer, error) {
	var out Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("transfers: %d: %w", id, err)
		}
		if err := mutate(ctx, tx, &t); err != nil {
			return err
		}
		t.UpdatedAt = s.now()
		if err := tx.Update(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.observeTransition(out.Status)
	return out, nil
}

func (s *Service) fulfilRequest(ctx context.Context, tx TxRepository, t Transfer, actorID int64, now time.Time) error {
	req, err := tx.Requests().GetForUpdate(ctx, t.RequestID)
	if err != nil {
		return fmt.Errorf("transfers: request %d: %w", t.RequestID, err)
	}
	if !req.Status.CanFulfill() {
		s.logger.Warn("transfer received for request not awaiting fulfilment",
			slog.Int64("transfer_id", t.ID), slog.Int64("request_id", req.ID), slog.String("status", string(req.Status)))
		return nil
	}
	qty := make(map[int64]decimal.Decimal, len(t.Items))
	for _, item := range t.Items {
		qty[item.RequestItemID] = qty[item.RequestItemID].Add(item.Quantity)
	}
	fulfillments := make([]requests.Fulfillment, 0, len(qty))
	for itemID, q := range qty {
		fulfillments = append(fulfillments, requests.Fulfillment{ItemID: itemID, Quantity: q})
	}
	_, err = requests.FulfillInTx(ctx, tx.Requests(), req, actorID, fulfillments, "Received via transfer "+t.Number, now)
	return err
}

func (s *Service) emitReceived(ctx context.Context, t Transfer) {
	if s.integration == nil {
		return
	}
	evt := TransferReceivedEvent{
		TransferID:              t.ID,
		Number:                  t.Number,
		RequestID:               t.RequestID,
		SourceDepartmentID:      t.SourceDepartmentID,
		DestinationDepartmentID: t.DestinationDepartmentID,
		ReceivedAt:              *t.ReceivedAt,
	}
	for _, item := range t.Items {
		evt.Lines = append(evt.Lines, ReceivedLine{ItemID: item.ItemID, Quantity: item.Quantity, UnitCost: item.UnitCost})
	}
	if err := s.integration.HandleTransferReceived(ctx, evt); err != nil {
		s.logger.Error("transfer received integration failed", slog.Int64("transfer_id", t.ID), slog.Any("error", err))
	}
}

func (s *Service) observeTransition(status Status) {
	if s.observer != nil {
		s.observer.ObserveTransition("transfer", string(status))
	}
}

func (s *Service) observeMovements(moves []stock.Movement) {
	if s.observer == nil {
		return
	}
	for _, m := range moves {
		s.observer.ObserveMovement(string(m.Type))
	}
}

func (s *Service) recordApproval(ctx context.Context, id, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  shared.ModuleTransfer,
		RefID:   shared.ApprovalRef(shared.ModuleTransfer, id),
		ActorID: actorID,
		Action:  action,
		Note:    note,
	})
	if err != nil {
		s.logger.Warn("record approval", slog.Int64("transfer_id", id), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "transfer",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("transfer audit failed", slog.String("action", action), slog.Any("error", err))
	}
}

func distinct(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
