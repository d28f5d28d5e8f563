package stock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockflow/internal/shared"
)

// costPlaces matches NUMERIC(18,4) cost columns.
const costPlaces = 4

// Ledger applies movements inside a caller-owned transaction. Every balance
// write goes through it: lock, compute, reject below zero or below the
// reservation, then persist the balance together with its movement.
type Ledger struct {
	tx  TxRepository
	now func() time.Time
}

// NewLedger binds a ledger to an open transaction.
func NewLedger(tx TxRepository) *Ledger {
	return &Ledger{tx: tx, now: func() time.Time { return time.Now().UTC() }}
}

// Lock takes row locks on the given locations in ascending ID order.
func (l *Ledger) Lock(ctx context.Context, ids ...int64) (map[int64]Location, error) {
	ordered := uniqueSorted(ids)
	locked := make(map[int64]Location, len(ordered))
	for _, id := range ordered {
		loc, err := l.tx.GetLocationForUpdate(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("stock: lock location %d: %w", id, err)
		}
		locked[id] = loc
	}
	return locked, nil
}

// Apply posts a single movement.
func (l *Ledger) Apply(ctx context.Context, in MovementInput) (Movement, error) {
	moves, err := l.ApplyBatch(ctx, []MovementInput{in})
	if err != nil {
		return Movement{}, err
	}
	return moves[0], nil
}

// ApplyBatch posts every movement or none. All rows are locked before the
// first write and every line is planned before anything is persisted.
func (l *Ledger) ApplyBatch(ctx context.Context, inputs []MovementInput) ([]Movement, error) {
	if len(inputs) == 0 {
		return nil, shared.Validationf("stock: no movements")
	}
	ids := make([]int64, 0, len(inputs))
	for _, in := range inputs {
		if err := in.Validate(); err != nil {
			return nil, err
		}
		ids = append(ids, in.LocationID)
	}
	working, err := l.Lock(ctx, ids...)
	if err != nil {
		return nil, err
	}

	now := l.now()
	moves := make([]Movement, 0, len(inputs))
	for _, in := range inputs {
		loc := working[in.LocationID]
		next, move, err := plan(loc, in)
		if err != nil {
			return nil, err
		}
		move.CreatedAt = now
		next.UpdatedAt = now
		working[in.LocationID] = next
		moves = append(moves, move)
	}

	for _, id := range uniqueSorted(ids) {
		if err := l.tx.UpdateLocation(ctx, working[id]); err != nil {
			return nil, fmt.Errorf("stock: update location %d: %w", id, err)
		}
	}
	for i := range moves {
		id, err := l.tx.InsertMovement(ctx, moves[i])
		if err != nil {
			return nil, fmt.Errorf("stock: insert movement: %w", err)
		}
		moves[i].ID = id
	}
	return moves, nil
}

// Open creates a location. A positive opening quantity is posted as an
// adjustment from zero at the given unit cost.
func (l *Ledger) Open(ctx context.Context, in OpenLocationInput) (Location, error) {
	if err := in.Validate(); err != nil {
		return Location{}, err
	}
	_, err := l.tx.FindLocationForUpdate(ctx, in.DepartmentID, in.ItemID)
	switch {
	case err == nil:
		return Location{}, fmt.Errorf("stock: department %d item %d: %w", in.DepartmentID, in.ItemID, shared.ErrDuplicateLocation)
	case !errors.Is(err, shared.ErrNotFound):
		return Location{}, err
	}

	now := l.now()
	loc := Location{
		DepartmentID: in.DepartmentID,
		ItemID:       in.ItemID,
		CurrentStock: decimal.Zero,
		MinimumStock: in.Limits.Minimum,
		MaximumStock: in.Limits.Maximum,
		AverageCost:  in.UnitCost.Round(costPlaces),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	id, err := l.tx.InsertLocation(ctx, loc)
	if err != nil {
		return Location{}, err
	}
	loc.ID = id
	if !in.OpeningQty.IsPositive() {
		return loc, nil
	}

	note := in.Note
	if note == "" {
		note = "Opening stock"
	}
	if _, err := l.Apply(ctx, MovementInput{
		LocationID: id,
		Type:       MovementAdjustment,
		Change:     in.OpeningQty,
		UnitCost:   in.UnitCost,
		Note:       note,
		ActorID:    in.ActorID,
		RefModule:  in.RefModule,
		RefID:      in.RefID,
	}); err != nil {
		return Location{}, err
	}
	return l.tx.GetLocationForUpdate(ctx, id)
}

// Reserve changes reserved stock and records a zero-quantity adjustment.
func (l *Ledger) Reserve(ctx context.Context, in ReservationInput) (Movement, error) {
	if err := in.Validate(); err != nil {
		return Movement{}, err
	}
	locked, err := l.Lock(ctx, in.LocationID)
	if err != nil {
		return Movement{}, err
	}
	loc := locked[in.LocationID]
	reserved := loc.ReservedStock.Add(in.Change)
	if reserved.IsNegative() {
		return Movement{}, fmt.Errorf("stock: location %d reservation below zero: %w", loc.ID, shared.ErrNegativeStock)
	}
	if reserved.GreaterThan(loc.CurrentStock) {
		return Movement{}, fmt.Errorf("stock: location %d reservation exceeds on hand: %w", loc.ID, shared.ErrInsufficientStock)
	}

	now := l.now()
	move := Movement{
		LocationID:     ptr(loc.ID),
		DepartmentID:   loc.DepartmentID,
		ItemID:         ptr(loc.ItemID),
		Type:           MovementAdjustment,
		QuantityBefore: loc.CurrentStock,
		QuantityChange: decimal.Zero,
		QuantityAfter:  loc.CurrentStock,
		ReservedBefore: loc.ReservedStock,
		ReservedAfter:  reserved,
		UnitCost:       loc.AverageCost,
		TotalCost:      decimal.Zero,
		RefModule:      in.RefModule,
		RefID:          in.RefID,
		Note:           in.Note,
		ActorID:        in.ActorID,
		CreatedAt:      now,
	}
	loc.ReservedStock = reserved
	loc.UpdatedAt = now
	if err := l.tx.UpdateLocation(ctx, loc); err != nil {
		return Movement{}, err
	}
	id, err := l.tx.InsertMovement(ctx, move)
	if err != nil {
		return Movement{}, err
	}
	move.ID = id
	return move, nil
}

// RecordNote appends an item-less zero-quantity movement.
func (l *Ledger) RecordNote(ctx context.Context, in NoteInput) (Movement, error) {
	if in.DepartmentID == 0 {
		return Movement{}, shared.Validationf("stock: department required")
	}
	if in.Note == "" {
		return Movement{}, shared.Validationf("stock: note required")
	}
	typ := in.Type
	if typ == "" {
		typ = MovementAdjustment
	}
	if !typ.Valid() {
		return Movement{}, shared.Validationf("stock: unknown movement type %q", typ)
	}
	move := Movement{
		DepartmentID:   in.DepartmentID,
		Type:           typ,
		QuantityBefore: decimal.Zero,
		QuantityChange: decimal.Zero,
		QuantityAfter:  decimal.Zero,
		ReservedBefore: decimal.Zero,
		ReservedAfter:  decimal.Zero,
		UnitCost:       decimal.Zero,
		TotalCost:      decimal.Zero,
		RefModule:      in.RefModule,
		RefID:          in.RefID,
		Note:           in.Note,
		ActorID:        in.ActorID,
		CreatedAt:      l.now(),
	}
	id, err := l.tx.InsertMovement(ctx, move)
	if err != nil {
		return Movement{}, err
	}
	move.ID = id
	return move, nil
}

// plan computes the next balance of loc and the movement describing it.
func plan(loc Location, in MovementInput) (Location, Movement, error) {
	before := loc.CurrentStock
	after := before.Add(in.Change)
	if after.IsNegative() || after.LessThan(loc.ReservedStock) {
		return Location{}, Movement{}, fmt.Errorf("stock: location %d has %s (reserved %s), change %s: %w",
			loc.ID, before, loc.ReservedStock, in.Change, shared.ErrNegativeStock)
	}

	unitCost := loc.AverageCost
	avg := loc.AverageCost
	if in.Change.IsPositive() {
		if in.CostFixed || in.UnitCost.IsPositive() {
			unitCost = in.UnitCost
		}
		value := before.Mul(loc.AverageCost).Add(in.Change.Mul(unitCost))
		avg = value.Div(after).Round(costPlaces)
	}

	move := Movement{
		LocationID:     ptr(loc.ID),
		DepartmentID:   loc.DepartmentID,
		ItemID:         ptr(loc.ItemID),
		Type:           in.Type,
		QuantityBefore: before,
		QuantityChange: in.Change,
		QuantityAfter:  after,
		ReservedBefore: loc.ReservedStock,
		ReservedAfter:  loc.ReservedStock,
		UnitCost:       unitCost,
		TotalCost:      in.Change.Mul(unitCost).Round(costPlaces),
		RefModule:      in.RefModule,
		RefID:          in.RefID,
		Note:           in.Note,
		ActorID:        in.ActorID,
	}
	loc.CurrentStock = after
	loc.AverageCost = avg
	return loc, move, nil
}

func uniqueSorted(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func ptr[T any](v T) *T { return &v }
