// Package stocktest provides an in-memory stock repository for workflow tests.
package stocktest

import (
	"context"
	"sort"
	"sync"

	"github.com/odyssey-erp/stockflow/internal/shared"
	"github.com/odyssey-erp/stockflow/internal/stock"
)

// Memory keeps locations and movements in maps. Transactions are serialised
// by a mutex and rolled back by restoring a snapshot when the callback fails.
type Memory struct {
	mu        sync.Mutex
	locations map[int64]stock.Location
	movements []stock.Movement
	nextLoc   int64
	nextMove  int64

	// FailMovementInsert, when set, is returned by every InsertMovement.
	FailMovementInsert error
}

// NewMemory returns an empty repository.
func NewMemory() *Memory {
	return &Memory{locations: make(map[int64]stock.Location)}
}

type snapshot struct {
	locations map[int64]stock.Location
	movements []stock.Movement
	nextLoc   int64
	nextMove  int64
}

func (m *Memory) snapshot() snapshot {
	locs := make(map[int64]stock.Location, len(m.locations))
	for k, v := range m.locations {
		locs[k] = v
	}
	moves := make([]stock.Movement, len(m.movements))
	copy(moves, m.movements)
	return snapshot{locations: locs, movements: moves, nextLoc: m.nextLoc, nextMove: m.nextMove}
}

func (m *Memory) restore(s snapshot) {
	m.locations = s.locations
	m.movements = s.movements
	m.nextLoc = s.nextLoc
	m.nextMove = s.nextMove
}

// Atomically runs fn against the transactional view, undoing every write when fn fails.
func (m *Memory) Atomically(fn func(stock.TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(&memoryTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// WithTx implements stock.RepositoryPort.
func (m *Memory) WithTx(ctx context.Context, fn func(context.Context, stock.TxRepository) error) error {
	return m.Atomically(func(tx stock.TxRepository) error { return fn(ctx, tx) })
}

// Seed stores a location as-is, assigning an id when missing.
func (m *Memory) Seed(loc stock.Location) stock.Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loc.ID == 0 {
		m.nextLoc++
		loc.ID = m.nextLoc
	} else if loc.ID > m.nextLoc {
		m.nextLoc = loc.ID
	}
	m.locations[loc.ID] = loc
	return loc
}

// AllMovements returns every recorded movement in posting order.
func (m *Memory) AllMovements() []stock.Movement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]stock.Movement, len(m.movements))
	copy(out, m.movements)
	return out
}

// GetLocation implements stock.RepositoryPort.
func (m *Memory) GetLocation(_ context.Context, id int64) (stock.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[id]
	if !ok {
		return stock.Location{}, shared.ErrNotFound
	}
	return loc, nil
}

// FindLocation implements stock.RepositoryPort.
func (m *Memory) FindLocation(_ context.Context, departmentID, itemID int64) (stock.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(departmentID, itemID)
}

func (m *Memory) find(departmentID, itemID int64) (stock.Location, error) {
	for _, loc := range m.locations {
		if loc.DepartmentID == departmentID && loc.ItemID == itemID {
			return loc, nil
		}
	}
	return stock.Location{}, shared.ErrNotFound
}

// ListLocations implements stock.RepositoryPort.
func (m *Memory) ListLocations(_ context.Context, q stock.Query) ([]stock.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []stock.Location
	for _, loc := range m.locations {
		if q.DepartmentID != 0 && loc.DepartmentID != q.DepartmentID {
			continue
		}
		if q.Predicate.Match(loc) {
			out = append(out, loc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DepartmentID != out[j].DepartmentID {
			return out[i].DepartmentID < out[j].DepartmentID
		}
		return out[i].ItemID < out[j].ItemID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// FindAvailable implements stock.RepositoryPort.
func (m *Memory) FindAvailable(_ context.Context, itemID, excludeDepartment int64) ([]stock.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []stock.Location
	for _, loc := range m.locations {
		if loc.ItemID == itemID && loc.DepartmentID != excludeDepartment && loc.Available().IsPositive() {
			out = append(out, loc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Available().Cmp(out[j].Available()); c != 0 {
			return c > 0
		}
		return out[i].DepartmentID < out[j].DepartmentID
	})
	return out, nil
}

// ListMovements implements stock.RepositoryPort.
func (m *Memory) ListMovements(_ context.Context, locationID int64) ([]stock.Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []stock.Movement
	for _, mv := range m.movements {
		if mv.LocationID != nil && *mv.LocationID == locationID {
			out = append(out, mv)
		}
	}
	return out, nil
}

type memoryTx struct {
	m *Memory
}

func (t *memoryTx) GetLocationForUpdate(_ context.Context, id int64) (stock.Location, error) {
	loc, ok := t.m.locations[id]
	if !ok {
		return stock.Location{}, shared.ErrNotFound
	}
	return loc, nil
}

func (t *memoryTx) FindLocationForUpdate(_ context.Context, departmentID, itemID int64) (stock.Location, error) {
	return t.m.find(departmentID, itemID)
}

func (t *memoryTx) InsertLocation(_ context.Context, loc stock.Location) (int64, error) {
	if _, err := t.m.find(loc.DepartmentID, loc.ItemID); err == nil {
		return 0, shared.ErrDuplicateLocation
	}
	t.m.nextLoc++
	loc.ID = t.m.nextLoc
	t.m.locations[loc.ID] = loc
	return loc.ID, nil
}

func (t *memoryTx) UpdateLocation(_ context.Context, loc stock.Location) error {
	current, ok := t.m.locations[loc.ID]
	if !ok {
		return shared.ErrNotFound
	}
	current.CurrentStock = loc.CurrentStock
	current.ReservedStock = loc.ReservedStock
	current.AverageCost = loc.AverageCost
	current.UpdatedAt = loc.UpdatedAt
	t.m.locations[loc.ID] = current
	return nil
}

func (t *memoryTx) DeleteLocation(_ context.Context, id int64) error {
	if _, ok := t.m.locations[id]; !ok {
		return shared.ErrNotFound
	}
	delete(t.m.locations, id)
	return nil
}

func (t *memoryTx) CountMovements(_ context.Context, locationID int64) (int64, error) {
	var n int64
	for _, mv := range t.m.movements {
		if mv.LocationID != nil && *mv.LocationID == locationID {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) InsertMovement(_ context.Context, mv stock.Movement) (int64, error) {
	if t.m.FailMovementInsert != nil {
		return 0, t.m.FailMovementInsert
	}
	t.m.nextMove++
	mv.ID = t.m.nextMove
	t.m.movements = append(t.m.movements, mv)
	return mv.ID, nil
}
