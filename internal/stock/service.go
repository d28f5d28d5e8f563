package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/odyssey-erp/stockflow/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLocation(ctx context.Context, id int64) (Location, error)
	FindLocation(ctx context.Context, departmentID, itemID int64) (Location, error)
	ListLocations(ctx context.Context, q Query) ([]Location, error)
	FindAvailable(ctx context.Context, itemID, excludeDepartment int64) ([]Location, error)
	ListMovements(ctx context.Context, locationID int64) ([]Movement, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MovementObserver is notified after movements commit.
type MovementObserver interface {
	ObserveMovement(movementType string)
}

// Service exposes the stock ledger to callers outside a workflow transaction.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	observer MovementObserver
	logger   *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, observer MovementObserver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, observer: observer, logger: logger}
}

// GetLocation returns the location of an item in a department.
func (s *Service) GetLocation(ctx context.Context, departmentID, itemID int64) (Location, error) {
	return s.repo.FindLocation(ctx, departmentID, itemID)
}

// GetLocationByID returns a location by id.
func (s *Service) GetLocationByID(ctx context.Context, id int64) (Location, error) {
	return s.repo.GetLocation(ctx, id)
}

// OpenLocation creates the stock row for a department and item.
func (s *Service) OpenLocation(ctx context.Context, actor shared.Actor, in OpenLocationInput) (Location, error) {
	if err := in.Validate(); err != nil {
		return Location{}, err
	}
	if !actor.CanActFor(in.DepartmentID, shared.PermStockAdjust) {
		return Location{}, fmt.Errorf("stock: open location for department %d: %w", in.DepartmentID, shared.ErrUnauthorized)
	}
	in.ActorID = actor.UserID
	var loc Location
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		loc, err = NewLedger(tx).Open(ctx, in)
		return err
	})
	if err != nil {
		return Location{}, err
	}
	if in.OpeningQty.IsPositive() {
		s.observe(MovementAdjustment)
	}
	s.recordAudit(ctx, actor.UserID, "stock.location.open", loc.ID, map[string]any{
		"department_id": loc.DepartmentID,
		"item_id":       loc.ItemID,
		"opening_qty":   in.OpeningQty.String(),
		"unit_cost":     in.UnitCost.String(),
	})
	return loc, nil
}

// ApplyMovement posts a single movement against a location.
func (s *Service) ApplyMovement(ctx context.Context, actor shared.Actor, in MovementInput) (Movement, error) {
	moves, err := s.ApplyMovements(ctx, actor, []MovementInput{in})
	if err != nil {
		return Movement{}, err
	}
	return moves[0], nil
}

// ApplyMovements posts the movements in one transaction, all or nothing.
func (s *Service) ApplyMovements(ctx context.Context, actor shared.Actor, inputs []MovementInput) ([]Movement, error) {
	if len(inputs) == 0 {
		return nil, shared.Validationf("stock: no movements")
	}
	for i := range inputs {
		if err := inputs[i].Validate(); err != nil {
			return nil, err
		}
		inputs[i].ActorID = actor.UserID
	}
	var moves []Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ledger := NewLedger(tx)
		ids := make([]int64, 0, len(inputs))
		for _, in := range inputs {
			ids = append(ids, in.LocationID)
		}
		locked, err := ledger.Lock(ctx, ids...)
		if err != nil {
			return err
		}
		for _, loc := range locked {
			if !actor.CanActFor(loc.DepartmentID, shared.PermStockAdjust) {
				return fmt.Errorf("stock: adjust department %d: %w", loc.DepartmentID, shared.ErrUnauthorized)
			}
		}
		moves, err = ledger.ApplyBatch(ctx, inputs)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, m := range moves {
		s.observe(m.Type)
		s.recordAudit(ctx, actor.UserID, "stock.movement."+string(m.Type), *m.LocationID, map[string]any{
			"change":    m.QuantityChange.String(),
			"after":     m.QuantityAfter.String(),
			"unit_cost": m.UnitCost.String(),
			"note":      m.Note,
		})
	}
	return moves, nil
}

// Reserve moves reserved stock on a location.
func (s *Service) Reserve(ctx context.Context, actor shared.Actor, in ReservationInput) (Movement, error) {
	if err := in.Validate(); err != nil {
		return Movement{}, err
	}
	in.ActorID = actor.UserID
	var move Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ledger := NewLedger(tx)
		locked, err := ledger.Lock(ctx, in.LocationID)
		if err != nil {
			return err
		}
		if dept := locked[in.LocationID].DepartmentID; !actor.CanActFor(dept, shared.PermStockAdjust) {
			return fmt.Errorf("stock: reserve in department %d: %w", dept, shared.ErrUnauthorized)
		}
		move, err = ledger.Reserve(ctx, in)
		return err
	})
	if err != nil {
		return Movement{}, err
	}
	s.observe(MovementAdjustment)
	return move, nil
}

// DeleteLocation removes a location that never held stock.
func (s *Service) DeleteLocation(ctx context.Context, actor shared.Actor, id int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		loc, err := tx.GetLocationForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("stock: location %d: %w", id, err)
		}
		if !actor.CanActFor(loc.DepartmentID, shared.PermStockAdjust) {
			return fmt.Errorf("stock: delete location %d: %w", id, shared.ErrUnauthorized)
		}
		if !loc.CurrentStock.IsZero() || !loc.ReservedStock.IsZero() {
			return fmt.Errorf("stock: location %d still holds stock: %w", id, shared.ErrInUse)
		}
		n, err := tx.CountMovements(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("stock: location %d has %d movements: %w", id, n, shared.ErrInUse)
		}
		return tx.DeleteLocation(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actor.UserID, "stock.location.delete", id, nil)
	return nil
}

// LowStock lists locations at or below their minimum.
func (s *Service) LowStock(ctx context.Context, departmentID int64) ([]Location, error) {
	return s.repo.ListLocations(ctx, Query{DepartmentID: departmentID, Predicate: PredicateLow})
}

// OverStock lists locations above their maximum.
func (s *Service) OverStock(ctx context.Context, departmentID int64) ([]Location, error) {
	return s.repo.ListLocations(ctx, Query{DepartmentID: departmentID, Predicate: PredicateOver})
}

// WithStock lists locations holding stock.
func (s *Service) WithStock(ctx context.Context, departmentID int64) ([]Location, error) {
	return s.repo.ListLocations(ctx, Query{DepartmentID: departmentID, Predicate: PredicateWithStock})
}

// Movements returns the movement chain of a location.
func (s *Service) Movements(ctx context.Context, locationID int64) ([]Movement, error) {
	if _, err := s.repo.GetLocation(ctx, locationID); err != nil {
		return nil, err
	}
	return s.repo.ListMovements(ctx, locationID)
}

// FindAvailable lists other departments' locations that can supply the item.
func (s *Service) FindAvailable(ctx context.Context, itemID, excludeDepartment int64) ([]Location, error) {
	if itemID == 0 {
		return nil, shared.Validationf("stock: item required")
	}
	return s.repo.FindAvailable(ctx, itemID, excludeDepartment)
}

func (s *Service) observe(t MovementType) {
	if s.observer != nil {
		s.observer.ObserveMovement(string(t))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, locationID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "stock_location",
		EntityID: strconv.FormatInt(locationID, 10),
		Meta:     meta,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("stock audit failed", slog.String("action", action), slog.Any("error", err))
	}
}
