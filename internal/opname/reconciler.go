package opname

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/stockflow/internal/shared"
	"github.com/odyssey-erp/stockflow/internal/stock"
)

// StockStore opens ledger transactions.
type StockStore interface {
	WithTx(ctx context.Context, fn func(context.Context, stock.TxRepository) error) error
}

// Locker guards a department against overlapping sessions.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// IdempotencyPort remembers posted sessions.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// IntegrationHandler receives reconciliation events for accounting.
type IntegrationHandler interface {
	HandleOpnameReconciled(ctx context.Context, evt OpnameReconciledEvent) error
}

// Observer counts posted movements.
type Observer interface {
	ObserveMovement(movementType string)
}

// Config tunes the reconciler.
type Config struct {
	LockTTL time.Duration
}

// Reconciler applies physical counts to the ledger.
type Reconciler struct {
	store       StockStore
	locker      Locker
	idem        IdempotencyPort
	integration IntegrationHandler
	observer    Observer
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

// NewReconciler builds a Reconciler. locker may be nil when Redis is not configured.
func NewReconciler(store StockStore, locker Locker, cfg Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	return &Reconciler{
		store:  store,
		locker: locker,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetIdempotency wires the processed-session store.
func (r *Reconciler) SetIdempotency(idem IdempotencyPort) { r.idem = idem }

// SetIntegration wires the accounting hook.
func (r *Reconciler) SetIntegration(h IntegrationHandler) { r.integration = h }

// SetObserver wires metrics.
func (r *Reconciler) SetObserver(o Observer) { r.observer = o }

// Reconcile posts an opname movement for every line whose count differs from
// the system quantity. Either every line is applied or none is.
func (r *Reconciler) Reconcile(ctx context.Context, actor shared.Actor, batch Batch) (Result, error) {
	if err := batch.Validate(); err != nil {
		return Result{}, err
	}
	if !actor.CanActFor(batch.DepartmentID, shared.PermOpnameRun) {
		return Result{}, fmt.Errorf("opname: department %d: %w", batch.DepartmentID, shared.ErrUnauthorized)
	}

	if batch.IdempotencyKey != "" && r.idem != nil {
		if err := r.idem.CheckAndInsert(ctx, batch.IdempotencyKey, shared.ModuleOpname); err != nil {
			return Result{}, fmt.Errorf("opname: session %s: %w", batch.IdempotencyKey, err)
		}
	}

	result, err := r.reconcileLocked(ctx, actor, batch)
	if err != nil {
		if batch.IdempotencyKey != "" && r.idem != nil {
			if derr := r.idem.Delete(ctx, batch.IdempotencyKey); derr != nil {
				r.logger.Warn("opname idempotency rollback failed", slog.String("key", batch.IdempotencyKey), slog.Any("error", derr))
			}
		}
		return Result{}, err
	}

	for _, m := range result.Movements {
		if r.observer != nil {
			r.observer.ObserveMovement(string(m.Type))
		}
	}
	r.logger.Info("opname reconciled",
		slog.Int64("department_id", batch.DepartmentID),
		slog.Int("adjusted", len(result.Movements)),
		slog.Int("skipped", len(result.Skipped)))
	r.emit(ctx, actor, result)
	return result, nil
}

func (r *Reconciler) reconcileLocked(ctx context.Context, actor shared.Actor, batch Batch) (Result, error) {
	if r.locker != nil {
		release, err := r.locker.Acquire(ctx, shared.OpnameLockKey(batch.DepartmentID), r.cfg.LockTTL)
		if err != nil {
			return Result{}, fmt.Errorf("opname: department %d session: %w", batch.DepartmentID, err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("opname lock release failed", slog.Int64("department_id", batch.DepartmentID), slog.Any("error", err))
			}
		}()
	}

	result := Result{DepartmentID: batch.DepartmentID, ReconciledAt: r.now()}
	err := r.store.WithTx(ctx, func(ctx context.Context, tx stock.TxRepository) error {
		ledger := stock.NewLedger(tx)
		ids := make([]int64, 0, len(batch.Lines))
		for _, l := range batch.Lines {
			ids = append(ids, l.LocationID)
		}
		locked, err := ledger.Lock(ctx, ids...)
		if err != nil {
			return fmt.Errorf("opname: %w", err)
		}
		for _, id := range ids {
			if loc := locked[id]; loc.DepartmentID != batch.DepartmentID {
				return fmt.Errorf("opname: location %d of department %d: %w", id, loc.DepartmentID, shared.ErrCrossDepartmentMismatch)
			}
		}

		var inputs []stock.MovementInput
		for _, l := range batch.Lines {
			loc := locked[l.LocationID]
			diff := l.PhysicalCount.Sub(loc.CurrentStock)
			if diff.IsZero() {
				result.Skipped = append(result.Skipped, SkippedLine{LocationID: loc.ID, ItemID: loc.ItemID, Count: l.PhysicalCount})
				continue
			}
			note := l.Note
			if note == "" {
				note = fmt.Sprintf("Opname count %s (system %s)", l.PhysicalCount, loc.CurrentStock)
			}
			inputs = append(inputs, stock.MovementInput{
				LocationID: loc.ID,
				Type:       stock.MovementOpname,
				Change:     diff,
				Note:       note,
				ActorID:    actor.UserID,
				RefModule:  shared.ModuleOpname,
			})
		}
		if len(inputs) > 0 {
			moves, err := ledger.ApplyBatch(ctx, inputs)
			if err != nil {
				return fmt.Errorf("opname: %w", err)
			}
			result.Movements = moves
		}
		if batch.SessionNote != "" {
			note, err := ledger.RecordNote(ctx, stock.NoteInput{
				DepartmentID: batch.DepartmentID,
				Type:         stock.MovementOpname,
				Note:         batch.SessionNote,
				ActorID:      actor.UserID,
				RefModule:    shared.ModuleOpname,
			})
			if err != nil {
				return fmt.Errorf("opname: session note: %w", err)
			}
			result.SessionNote = &note
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (r *Reconciler) emit(ctx context.Context, actor shared.Actor, result Result) {
	if r.integration == nil || !result.Adjusted() {
		return
	}
	evt := OpnameReconciledEvent{DepartmentID: result.DepartmentID, ActorID: actor.UserID, ReconciledAt: result.ReconciledAt}
	for _, m := range result.Movements {
		line := ReconciledLine{Difference: m.QuantityChange, UnitCost: m.UnitCost, TotalCost: m.TotalCost}
		if m.LocationID != nil {
			line.LocationID = *m.LocationID
		}
		if m.ItemID != nil {
			line.ItemID = *m.ItemID
		}
		evt.Lines = append(evt.Lines, line)
	}
	if err := r.integration.HandleOpnameReconciled(ctx, evt); err != nil {
		r.logger.Error("opname integration failed", slog.Int64("department_id", result.DepartmentID), slog.Any("error", err))
	}
}
