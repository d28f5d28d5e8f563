package requests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockflow/internal/budget"
	"github.com/odyssey-erp/stockflow/internal/catalog"
	"github.com/odyssey-erp/stockflow/internal/departments"
	"github.com/odyssey-erp/stockflow/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Request, error)
	List(ctx context.Context, filter ListFilter) ([]Request, error)
}

// DepartmentReader loads departments for request validation.
type DepartmentReader interface {
	GetDepartment(ctx context.Context, id int64) (departments.Department, error)
}

// ItemCatalog resolves catalog references.
type ItemCatalog interface {
	Lookup(ctx context.Context, ids []int64) (map[int64]catalog.Item, error)
}

// BudgetPort reports and invalidates monthly budget figures.
type BudgetPort interface {
	RemainingBudget(ctx context.Context, departmentID int64, year int, month time.Month) (budget.Remaining, error)
	Invalidate(ctx context.Context, departmentID int64)
}

// ApprovalPort persists approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	EnsureSubmit(ctx context.Context, module string, ref uuid.UUID, actorID int64, note string) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// TransitionObserver is notified after a status change commits.
type TransitionObserver interface {
	ObserveTransition(workflow, to string)
}

// BudgetPolicy decides what approval does when a request exceeds the remaining budget.
type BudgetPolicy string

const (
	// BudgetAdvisory approves and logs a warning.
	BudgetAdvisory BudgetPolicy = "advisory"
	// BudgetEnforce refuses the approval with ErrBudgetExceeded.
	BudgetEnforce BudgetPolicy = "enforce"
)

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	BudgetPolicy BudgetPolicy
}

// Service implements the request workflow.
type Service struct {
	repo        RepositoryPort
	departments DepartmentReader
	catalog     ItemCatalog
	budget      BudgetPort
	approvals   ApprovalPort
	audit       AuditPort
	observer    TransitionObserver
	policy      BudgetPolicy
	validate    *validator.Validate
	logger      *slog.Logger
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, depts DepartmentReader, items ItemCatalog, budget BudgetPort, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.BudgetPolicy
	if policy != BudgetEnforce {
		policy = BudgetAdvisory
	}
	return &Service{
		repo:        repo,
		departments: depts,
		catalog:     items,
		budget:      budget,
		policy:      policy,
		validate:    validator.New(),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetApprovals wires the approval history recorder.
func (s *Service) SetApprovals(approvals ApprovalPort) { s.approvals = approvals }

// SetAudit wires the audit logger.
func (s *Service) SetAudit(audit AuditPort) { s.audit = audit }

// SetObserver wires transition metrics.
func (s *Service) SetObserver(observer TransitionObserver) { s.observer = observer }

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Get returns a request with its lines.
func (s *Service) Get(ctx context.Context, id int64) (Request, error) {
	return s.repo.Get(ctx, id)
}

// List returns requests matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Request, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, shared.Validationf("requests: unknown status %q", filter.Status)
	}
	return s.repo.List(ctx, filter)
}

// Create validates and stores a draft request.
func (s *Service) Create(ctx context.Context, actor shared.Actor, in CreateInput) (Request, error) {
	if err := s.check(in); err != nil {
		return Request{}, err
	}
	if !actor.CanActFor(in.DepartmentID, shared.PermRequestsManage) {
		return Request{}, fmt.Errorf("requests: create for department %d: %w", in.DepartmentID, shared.ErrUnauthorized)
	}
	dept, err := s.departments.GetDepartment(ctx, in.DepartmentID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Request{}, shared.Validationf("requests: department %d not found", in.DepartmentID)
		}
		return Request{}, err
	}
	if !dept.IsActive || !dept.CanRequestItems {
		return Request{}, shared.Validationf("requests: department %s cannot request items", dept.Code)
	}
	if err := s.checkTarget(ctx, in.Type, in.DepartmentID, in.TargetDepartmentID); err != nil {
		return Request{}, err
	}
	if err := checkLines(in.Type, in.Lines); err != nil {
		return Request{}, err
	}
	items, err := s.buildItems(ctx, in.Lines)
	if err != nil {
		return Request{}, err
	}

	now := s.now()
	req := Request{
		Number:             generateNumber("REQ"),
		DepartmentID:       in.DepartmentID,
		Type:               in.Type,
		TargetDepartmentID: in.TargetDepartmentID,
		Status:             StatusDraft,
		Priority:           in.Priority,
		NeededDate:         in.NeededDate,
		Purpose:            strings.TrimSpace(in.Purpose),
		TotalEstimatedCost: decimal.Zero,
		RequestedBy:        actor.UserID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	var id int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		id, err = tx.Insert(ctx, req)
		if err != nil {
			return fmt.Errorf("requests: insert: %w", err)
		}
		if err := tx.ReplaceItems(ctx, id, items); err != nil {
			return fmt.Errorf("requests: insert lines: %w", err)
		}
		_, err = tx.RecomputeTotal(ctx, id)
		return err
	})
	if err != nil {
		return Request{}, err
	}
	s.recordAudit(ctx, actor.UserID, "requests.create", id, map[string]any{"type": string(in.Type), "lines": len(items)})
	s.observe(StatusDraft)
	return s.repo.Get(ctx, id)
}

// Edit replaces a draft request's header fields and lines.
func (s *Service) Edit(ctx context.Context, actor shared.Actor, id int64, in EditInput) (Request, error) {
	if err := s.check(in); err != nil {
		return Request{}, err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("requests: %d: %w", id, err)
		}
		if !req.Status.CanEdit() {
			return shared.InvalidStatef("requests: cannot edit %s request", req.Status)
		}
		if !actor.CanActFor(req.DepartmentID, shared.PermRequestsManage) {
			return fmt.Errorf("requests: edit %d: %w", id, shared.ErrUnauthorized)
		}
		if err := s.checkTarget(ctx, req.Type, req.DepartmentID, in.TargetDepartmentID); err != nil {
			return err
		}
		if err := checkLines(req.Type, in.Lines); err != nil {
			return err
		}
		items, err := s.buildItems(ctx, in.Lines)
		if err != nil {
			return err
		}
		req.TargetDepartmentID = in.TargetDepartmentID
		req.Priority = in.Priority
		req.NeededDate = in.NeededDate
		req.Purpose = strings.TrimSpace(in.Purpose)
		req.UpdatedAt = s.now()
		if err := tx.Update(ctx, req); err != nil {
			return err
		}
		if err := tx.ReplaceItems(ctx, id, items); err != nil {
			return err
		}
		_, err = tx.RecomputeTotal(ctx, id)
		return err
	})
	if err != nil {
		return Request{}, err
	}
	s.recordAudit(ctx, actor.UserID, "requests.edit", id, map[string]any{"lines": len(in.Lines)})
	return s.repo.Get(ctx, id)
}

// Submit sends a draft request for approval.
func (s *Service) Submit(ctx context.Context, actor shared.Actor, id int64) (Request, error) {
	req, err := s.transition(ctx, id, func(ctx context.Context, tx TxRepository, req *Request) error {
		if !req.Status.CanSubmit() {
			return shared.InvalidStatef("requests: cannot submit %s request", req.Status)
		}
		if !actor.CanActFor(req.DepartmentID, shared.PermRequestsManage) {
			return fmt.Errorf("requests: submit %d: %w", id, shared.ErrUnauthorized)
		}
		if len(req.Items) == 0 {
			return shared.Validationf("requests: at least one line is required")
		}
		now := s.now()
		req.Status = StatusSubmitted
		req.SubmittedBy = &actor.UserID
		req.SubmittedAt = &now
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	if s.approvals != nil {
		if err := s.approvals.EnsureSubmit(ctx, shared.ModuleRequest, shared.ApprovalRef(shared.ModuleRequest, id), actor.UserID, req.Purpose); err != nil {
			s.logger.Warn("record submit approval", slog.Int64("request_id", id), slog.Any("error", err))
		}
	}
	s.recordAudit(ctx, actor.UserID, "requests.submit", id, nil)
	return req, nil
}

// Approve approves a submitted request and freezes its budget.
// Under the advisory policy an overspend is only logged, using the cached
// remaining budget. Under the enforce policy the spend is recomputed inside
// the approval transaction while the department's budget row is held, so two
// approvals racing for the same department cannot overspend together; the
// loser fails with ErrConflict and may be retried.
func (s *Service) Approve(ctx context.Context, actor shared.Actor, id int64, notes string) (Request, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if err := canApprove(actor, current); err != nil {
		return Request{}, err
	}
	now := s.now()
	if s.policy == BudgetAdvisory {
		s.warnOverBudget(ctx, current, now)
	}
	req, err := s.transition(ctx, id, func(ctx context.Context, tx TxRepository, req *Request) error {
		if err := canApprove(actor, *req); err != nil {
			return err
		}
		if s.policy == BudgetEnforce {
			if err := enforceBudget(ctx, tx, *req, now); err != nil {
				return err
			}
		}
		total := req.TotalEstimatedCost
		req.Status = StatusApproved
		req.ApprovedBy = &actor.UserID
		req.ApprovedAt = &now
		req.ApprovedBudget = &total
		if n := strings.TrimSpace(notes); n != "" {
			req.Notes = n
		}
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	if s.budget != nil {
		s.budget.Invalidate(ctx, req.DepartmentID)
	}
	s.recordApproval(ctx, id, actor.UserID, shared.ApprovalApprove, notes)
	s.recordAudit(ctx, actor.UserID, "requests.approve", id, map[string]any{"approved_budget": req.TotalEstimatedCost.String()})
	return req, nil
}

func canApprove(actor shared.Actor, req Request) error {
	if !req.Status.CanDecide() {
		return shared.InvalidStatef("requests: cannot approve %s request", req.Status)
	}
	if !actor.CanActFor(req.DepartmentID, shared.PermRequestsApprove) {
		return fmt.Errorf("requests: approve %d: %w", req.ID, shared.ErrUnauthorized)
	}
	return nil
}

// Reject rejects a submitted request. A reason is mandatory.
func (s *Service) Reject(ctx context.Context, actor shared.Actor, id int64, notes string) (Request, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return Request{}, shared.Validationf("requests: rejection reason required")
	}
	req, err := s.transition(ctx, id, func(ctx context.Context, tx TxRepository, req *Request) error {
		if !req.Status.CanDecide() {
			return shared.InvalidStatef("requests: cannot reject %s request", req.Status)
		}
		if !actor.CanActFor(req.DepartmentID, shared.PermRequestsApprove) {
			return fmt.Errorf("requests: reject %d: %w", id, shared.ErrUnauthorized)
		}
		now := s.now()
		req.Status = StatusRejected
		req.ApprovedBy = &actor.UserID
		req.ApprovedAt = &now
		req.Notes = notes
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.recordApproval(ctx, id, actor.UserID, shared.ApprovalReject, notes)
	s.recordAudit(ctx, actor.UserID, "requests.reject", id, map[string]any{"reason": notes})
	return req, nil
}

// Fulfill records fulfilled quantities and closes an approved request.
// Lines missing from fulfillments are closed with zero quantity.
func (s *Service) Fulfill(ctx context.Context, actor shared.Actor, id int64, fulfillments []Fulfillment, notes string) (Request, error) {
	if err := checkFulfillments(fulfillments); err != nil {
		return Request{}, err
	}
	var out Request
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("requests: %d: %w", id, err)
		}
		if !req.Status.CanFulfill() {
			return shared.InvalidStatef("requests: cannot fulfill %s request", req.Status)
		}
		if !actor.CanActFor(req.DepartmentID, shared.PermRequestsFulfill) {
			return fmt.Errorf("requests: fulfill %d: %w", id, shared.ErrUnauthorized)
		}
		out, err = FulfillInTx(ctx, tx, req, actor.UserID, fulfillments, notes, s.now())
		return err
	})
	if err != nil {
		return Request{}, err
	}
	s.observe(StatusFulfilled)
	s.recordAudit(ctx, actor.UserID, "requests.fulfill", id, map[string]any{"lines": len(fulfillments)})
	return out, nil
}

// FulfillInTx closes an approved request inside a caller-owned transaction.
// The caller has already locked req and checked its status.
func FulfillInTx(ctx context.Context, tx TxRepository, req Request, actorID int64, fulfillments []Fulfillment, notes string, now time.Time) (Request, error) {
	if err := checkFulfillments(fulfillments); err != nil {
		return Request{}, err
	}
	if !req.Status.CanFulfill() {
		return Request{}, shared.InvalidStatef("requests: cannot fulfill %s request", req.Status)
	}
	qty := make(map[int64]decimal.Decimal, len(fulfillments))
	for _, f := range fulfillments {
		item, ok := req.Item(f.ItemID)
		if !ok {
			return Request{}, shared.Validationf("requests: line %d does not belong to request %d", f.ItemID, req.ID)
		}
		if f.Quantity.GreaterThan(item.QuantityRequested) {
			return Request{}, shared.Validationf("requests: line %d fulfilled %s exceeds requested %s", f.ItemID, f.Quantity, item.QuantityRequested)
		}
		qty[f.ItemID] = f.Quantity
	}
	for i := range req.Items {
		item := &req.Items[i]
		item.QuantityFulfilled = decimal.Zero
		if q, ok := qty[item.ID]; ok {
			item.QuantityFulfilled = q
		}
		item.FulfilledAt = &now
		if err := tx.UpdateItemFulfillment(ctx, *item); err != nil {
			return Request{}, fmt.Errorf("requests: fulfill line %d: %w", item.ID, err)
		}
	}
	req.Status = StatusFulfilled
	req.FulfilledBy = &actorID
	req.FulfilledAt = &now
	req.UpdatedAt = now
	if n := strings.TrimSpace(notes); n != "" {
		req.Notes = n
	}
	if err := tx.Update(ctx, req); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Delete removes a draft request. Only the requester, the requesting
// department or a request manager may delete it.
func (s *Service) Delete(ctx context.Context, actor shared.Actor, id int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("requests: %d: %w", id, err)
		}
		if !req.Status.CanDelete() {
			return shared.InvalidStatef("requests: cannot delete %s request", req.Status)
		}
		if actor.UserID != req.RequestedBy && !actor.CanActFor(req.DepartmentID, shared.PermRequestsManage) {
			return fmt.Errorf("requests: delete %d: %w", id, shared.ErrUnauthorized)
		}
		return tx.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actor.UserID, "requests.delete", id, nil)
	return nil
}

// transition runs mutate on the locked request and persists the header.
func (s *Service) transition(ctx context.Context, id int64, mutate func(context.Context, TxRepository, *Request) error) (Request, error) {
	var out Request
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("requests: %d: %w", id, err)
		}
		if err := mutate(ctx, tx, &req); err != nil {
			return err
		}
		req.UpdatedAt = s.now()
		if err := tx.Update(ctx, req); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.observe(out.Status)
	return out, nil
}

func (s *Service) warnOverBudget(ctx context.Context, req Request, at time.Time) {
	if s.budget == nil {
		return
	}
	rem, err := s.budget.RemainingBudget(ctx, req.DepartmentID, at.Year(), at.Month())
	if err != nil {
		s.logger.Warn("budget lookup failed", slog.Int64("department_id", req.DepartmentID), slog.Any("error", err))
		return
	}
	if rem.Unlimited || req.TotalEstimatedCost.LessThanOrEqual(rem.Remaining) {
		return
	}
	s.logger.Warn("request approved over budget",
		slog.Int64("request_id", req.ID),
		slog.Int64("department_id", req.DepartmentID),
		slog.String("total", req.TotalEstimatedCost.String()),
		slog.String("remaining", rem.Remaining.String()))
}

// enforceBudget rejects the approval when the request does not fit the
// department's remaining budget for the month of at.
func enforceBudget(ctx context.Context, tx TxRepository, req Request, at time.Time) error {
	limit, err := tx.LockBudget(ctx, req.DepartmentID)
	if err != nil {
		return err
	}
	if limit == nil {
		return nil
	}
	from, to := budget.MonthRange(at.Year(), at.Month())
	spent, err := tx.ApprovedSpend(ctx, req.DepartmentID, from, to)
	if err != nil {
		return fmt.Errorf("requests: budget: %w", err)
	}
	remaining := limit.Sub(spent)
	if req.TotalEstimatedCost.GreaterThan(remaining) {
		return fmt.Errorf("requests: %s needs %s, %s remaining: %w", req.Number, req.TotalEstimatedCost, remaining, shared.ErrBudgetExceeded)
	}
	return nil
}

func (s *Service) check(in any) error {
	if err := s.validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Namespace()), fe.Tag()))
			}
			return shared.Validationf("requests: %s", strings.Join(msgs, ", "))
		}
		return shared.Validationf("requests: %v", err)
	}
	return nil
}

func (s *Service) checkTarget(ctx context.Context, typ Type, departmentID int64, target *int64) error {
	if typ != TypeTransfer {
		if target != nil {
			return shared.Validationf("requests: procurement requests have no target department")
		}
		return nil
	}
	if target == nil {
		return shared.Validationf("requests: transfer requests need a target department")
	}
	if *target == departmentID {
		return shared.Validationf("requests: target department must differ from requester")
	}
	dept, err := s.departments.GetDepartment(ctx, *target)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.Validationf("requests: target department %d not found", *target)
		}
		return err
	}
	if !dept.IsActive {
		return shared.Validationf("requests: target department %s is inactive", dept.Code)
	}
	return nil
}

func checkLines(typ Type, lines []LineInput) error {
	if len(lines) == 0 {
		return shared.Validationf("requests: at least one line is required")
	}
	for i, line := range lines {
		if line.Source.IsZero() {
			return shared.Validationf("requests: line %d needs a catalog item or custom name", i+1)
		}
		if typ == TypeTransfer && !line.Source.IsCatalog() {
			return shared.Validationf("requests: line %d: transfer lines must reference the catalog", i+1)
		}
		if !line.Quantity.IsPositive() {
			return shared.Validationf("requests: line %d: quantity must be greater than zero", i+1)
		}
		if line.UnitCost.IsNegative() {
			return shared.Validationf("requests: line %d: unit cost must be >= 0", i+1)
		}
	}
	return nil
}

func checkFulfillments(fulfillments []Fulfillment) error {
	seen := make(map[int64]struct{}, len(fulfillments))
	for _, f := range fulfillments {
		if f.Quantity.IsNegative() {
			return shared.Validationf("requests: line %d fulfilled quantity must be >= 0", f.ItemID)
		}
		if _, dup := seen[f.ItemID]; dup {
			return shared.Validationf("requests: line %d fulfilled twice", f.ItemID)
		}
		seen[f.ItemID] = struct{}{}
	}
	return nil
}

// buildItems resolves catalog references and prices each line.
func (s *Service) buildItems(ctx context.Context, lines []LineInput) ([]Item, error) {
	var ids []int64
	for _, line := range lines {
		if line.Source.IsCatalog() {
			ids = append(ids, line.Source.ItemID())
		}
	}
	found := map[int64]catalog.Item{}
	if len(ids) > 0 {
		if s.catalog == nil {
			return nil, errors.New("requests: item catalog not configured")
		}
		var err error
		found, err = s.catalog.Lookup(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("requests: catalog lookup: %w", err)
		}
	}
	items := make([]Item, 0, len(lines))
	for i, line := range lines {
		item := Item{
			Source:            line.Source,
			Unit:              line.Unit,
			QuantityRequested: line.Quantity,
			QuantityFulfilled: decimal.Zero,
			EstimatedUnitCost: line.UnitCost,
			Notes:             strings.TrimSpace(line.Notes),
		}
		if line.Source.IsCatalog() {
			ref, ok := found[line.Source.ItemID()]
			if !ok || !ref.IsActive {
				return nil, shared.Validationf("requests: line %d: item %d not available in catalog", i+1, line.Source.ItemID())
			}
			if item.EstimatedUnitCost.IsZero() {
				item.EstimatedUnitCost = ref.StandardCost
			}
			if item.Unit == "" {
				item.Unit = ref.Unit
			}
		}
		item.EstimatedTotalCost = item.QuantityRequested.Mul(item.EstimatedUnitCost)
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) recordApproval(ctx context.Context, id, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  shared.ModuleRequest,
		RefID:   shared.ApprovalRef(shared.ModuleRequest, id),
		ActorID: actorID,
		Action:  action,
		Note:    note,
	})
	if err != nil {
		s.logger.Warn("record approval", slog.Int64("request_id", id), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "request",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("request audit failed", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) observe(status Status) {
	if s.observer != nil {
		s.observer.ObserveTransition("request", string(status))
	}
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
