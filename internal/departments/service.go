package departments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockflow/internal/shared"
)

// maxDepth bounds ancestor walks on corrupted trees.
const maxDepth = 64

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Department, error)
	List(ctx context.Context) ([]Department, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	Get(ctx context.Context, id int64) (Department, error)
	Insert(ctx context.Context, d Department) (int64, error)
	Update(ctx context.Context, d Department) error
	Delete(ctx context.Context, id int64) error
	CountDependents(ctx context.Context, id int64) (Dependents, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages department master data.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, validate: validator.New(), logger: logger}
}

// Get returns a department.
func (s *Service) Get(ctx context.Context, id int64) (Department, error) {
	return s.repo.Get(ctx, id)
}

// GetDepartment satisfies the department reader used by the request workflow.
func (s *Service) GetDepartment(ctx context.Context, id int64) (Department, error) {
	return s.repo.Get(ctx, id)
}

// List returns every department.
func (s *Service) List(ctx context.Context) ([]Department, error) {
	return s.repo.List(ctx)
}

// Create inserts a department.
func (s *Service) Create(ctx context.Context, actor shared.Actor, in Input) (Department, error) {
	if !actor.HasPermission(shared.PermDepartmentsEdit) {
		return Department{}, fmt.Errorf("departments: create: %w", shared.ErrUnauthorized)
	}
	in = in.normalized()
	if err := s.check(in); err != nil {
		return Department{}, err
	}
	var id int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if in.ParentID != nil {
			if _, err := tx.Get(ctx, *in.ParentID); err != nil {
				return parentError(*in.ParentID, err)
			}
		}
		var err error
		id, err = tx.Insert(ctx, fromInput(0, in))
		return err
	})
	if err != nil {
		return Department{}, err
	}
	s.recordAudit(ctx, actor.UserID, "departments.create", id, map[string]any{"code": in.Code})
	return s.repo.Get(ctx, id)
}

// Update replaces the department attributes. Reparenting under a descendant is rejected.
func (s *Service) Update(ctx context.Context, actor shared.Actor, id int64, in Input) (Department, error) {
	if !actor.HasPermission(shared.PermDepartmentsEdit) {
		return Department{}, fmt.Errorf("departments: update: %w", shared.ErrUnauthorized)
	}
	in = in.normalized()
	if err := s.check(in); err != nil {
		return Department{}, err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.Get(ctx, id); err != nil {
			return fmt.Errorf("departments: %d: %w", id, err)
		}
		if in.ParentID != nil {
			if err := ensureNoCycle(ctx, tx, id, *in.ParentID); err != nil {
				return err
			}
		}
		return tx.Update(ctx, fromInput(id, in))
	})
	if err != nil {
		return Department{}, err
	}
	s.recordAudit(ctx, actor.UserID, "departments.update", id, map[string]any{"code": in.Code})
	return s.repo.Get(ctx, id)
}

// Delete removes a department nothing depends on.
func (s *Service) Delete(ctx context.Context, actor shared.Actor, id int64) error {
	if !actor.HasPermission(shared.PermDepartmentsEdit) {
		return fmt.Errorf("departments: delete: %w", shared.ErrUnauthorized)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.Get(ctx, id); err != nil {
			return fmt.Errorf("departments: %d: %w", id, err)
		}
		deps, err := tx.CountDependents(ctx, id)
		if err != nil {
			return err
		}
		if deps.Any() {
			return fmt.Errorf("departments: %d has %d children, %d requests, %d users, %d stock locations: %w",
				id, deps.Children, deps.Requests, deps.Users, deps.Locations, shared.ErrInUse)
		}
		return tx.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actor.UserID, "departments.delete", id, nil)
	return nil
}

func (s *Service) check(in Input) error {
	if err := s.validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return shared.Validationf("departments: %s", strings.Join(msgs, ", "))
		}
		return shared.Validationf("departments: %v", err)
	}
	if in.MonthlyBudgetLimit != nil && in.MonthlyBudgetLimit.IsNegative() {
		return shared.Validationf("departments: monthly budget limit must be >= 0")
	}
	return nil
}

// ensureNoCycle walks up from parentID and fails if it reaches id.
func ensureNoCycle(ctx context.Context, tx TxRepository, id, parentID int64) error {
	current := parentID
	for depth := 0; depth < maxDepth; depth++ {
		if current == id {
			return shared.Validationf("departments: parent %d would create a cycle", parentID)
		}
		dept, err := tx.Get(ctx, current)
		if err != nil {
			return parentError(current, err)
		}
		if dept.ParentID == nil {
			return nil
		}
		current = *dept.ParentID
	}
	return shared.Validationf("departments: hierarchy deeper than %d", maxDepth)
}

func parentError(id int64, err error) error {
	if errors.Is(err, shared.ErrNotFound) {
		return shared.Validationf("departments: parent %d not found", id)
	}
	return err
}

func fromInput(id int64, in Input) Department {
	return Department{
		ID:                 id,
		Code:               in.Code,
		Name:               in.Name,
		ParentID:           in.ParentID,
		ManagerID:          in.ManagerID,
		MonthlyBudgetLimit: in.MonthlyBudgetLimit,
		CanRequestItems:    in.CanRequestItems,
		IsActive:           in.IsActive,
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "department",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("department audit failed", slog.String("action", action), slog.Any("error", err))
	}
}
