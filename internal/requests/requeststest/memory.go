// Package requeststest provides in-memory doubles for the request workflow:
// the request store plus the department, catalog and budget readers it needs.
package requeststest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockflow/internal/catalog"
	"github.com/odyssey-erp/stockflow/internal/departments"
	"github.com/odyssey-erp/stockflow/internal/requests"
	"github.com/odyssey-erp/stockflow/internal/shared"
)

// Memory stores requests in maps. Transactions are serialised and rolled
// back by restoring a snapshot when the callback fails.
type Memory struct {
	mu       sync.Mutex
	requests map[int64]requests.Request
	nextReq  int64
	nextItem int64

	deptMu      sync.RWMutex
	departments map[int64]departments.Department
	items       map[int64]catalog.Item
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		requests:    make(map[int64]requests.Request),
		departments: make(map[int64]departments.Department),
		items:       make(map[int64]catalog.Item),
	}
}

// SeedDepartment registers a department.
func (m *Memory) SeedDepartment(d departments.Department) {
	m.deptMu.Lock()
	defer m.deptMu.Unlock()
	m.departments[d.ID] = d
}

// SeedItem registers a catalog item.
func (m *Memory) SeedItem(it catalog.Item) {
	m.deptMu.Lock()
	defer m.deptMu.Unlock()
	m.items[it.ID] = it
}

// GetDepartment implements requests.DepartmentReader.
func (m *Memory) GetDepartment(_ context.Context, id int64) (departments.Department, error) {
	m.deptMu.RLock()
	defer m.deptMu.RUnlock()
	d, ok := m.departments[id]
	if !ok {
		return departments.Department{}, shared.ErrNotFound
	}
	return d, nil
}

// Lookup implements requests.ItemCatalog.
func (m *Memory) Lookup(_ context.Context, ids []int64) (map[int64]catalog.Item, error) {
	m.deptMu.RLock()
	defer m.deptMu.RUnlock()
	out := make(map[int64]catalog.Item, len(ids))
	for _, id := range ids {
		if it, ok := m.items[id]; ok {
			out[id] = it
		}
	}
	return out, nil
}

// DepartmentBudget implements budget.Repository.
func (m *Memory) DepartmentBudget(ctx context.Context, departmentID int64) (*decimal.Decimal, error) {
	d, err := m.GetDepartment(ctx, departmentID)
	if err != nil {
		return nil, err
	}
	return d.MonthlyBudgetLimit, nil
}

// ApprovedSpend implements budget.Repository.
func (m *Memory) ApprovedSpend(_ context.Context, departmentID int64, from, to time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spend(departmentID, from, to), nil
}

// spend expects m.mu to be held.
func (m *Memory) spend(departmentID int64, from, to time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, req := range m.requests {
		if req.DepartmentID != departmentID || req.ApprovedAt == nil {
			continue
		}
		if req.Status != requests.StatusApproved && req.Status != requests.StatusFulfilled {
			continue
		}
		if req.ApprovedAt.Before(from) || !req.ApprovedAt.Before(to) {
			continue
		}
		total = total.Add(req.TotalEstimatedCost)
	}
	return total
}

func cloneRequest(req requests.Request) requests.Request {
	items := make([]requests.Item, len(req.Items))
	copy(items, req.Items)
	req.Items = items
	return req
}

// Atomically runs fn against the transactional view, undoing every write when fn fails.
func (m *Memory) Atomically(fn func(requests.TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[int64]requests.Request, len(m.requests))
	for k, v := range m.requests {
		snap[k] = cloneRequest(v)
	}
	nextReq, nextItem := m.nextReq, m.nextItem
	if err := fn(&memoryTx{m: m}); err != nil {
		m.requests = snap
		m.nextReq, m.nextItem = nextReq, nextItem
		return err
	}
	return nil
}

// WithTx implements requests.RepositoryPort.
func (m *Memory) WithTx(ctx context.Context, fn func(context.Context, requests.TxRepository) error) error {
	return m.Atomically(func(tx requests.TxRepository) error { return fn(ctx, tx) })
}

// Get implements requests.RepositoryPort.
func (m *Memory) Get(_ context.Context, id int64) (requests.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return requests.Request{}, shared.ErrNotFound
	}
	return cloneRequest(req), nil
}

// List implements requests.RepositoryPort.
func (m *Memory) List(_ context.Context, filter requests.ListFilter) ([]requests.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []requests.Request
	for _, req := range m.requests {
		if filter.DepartmentID != 0 && req.DepartmentID != filter.DepartmentID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

type memoryTx struct {
	m *Memory
}

func (t *memoryTx) GetForUpdate(_ context.Context, id int64) (requests.Request, error) {
	req, ok := t.m.requests[id]
	if !ok {
		return requests.Request{}, shared.ErrNotFound
	}
	return cloneRequest(req), nil
}

func (t *memoryTx) Insert(_ context.Context, req requests.Request) (int64, error) {
	t.m.nextReq++
	req.ID = t.m.nextReq
	req.Items = nil
	t.m.requests[req.ID] = req
	return req.ID, nil
}

func (t *memoryTx) Update(_ context.Context, req requests.Request) error {
	current, ok := t.m.requests[req.ID]
	if !ok {
		return shared.ErrNotFound
	}
	req.Items = current.Items
	req.TotalEstimatedCost = current.TotalEstimatedCost
	t.m.requests[req.ID] = req
	return nil
}

func (t *memoryTx) Delete(_ context.Context, id int64) error {
	delete(t.m.requests, id)
	return nil
}

func (t *memoryTx) ReplaceItems(_ context.Context, requestID int64, items []requests.Item) error {
	req, ok := t.m.requests[requestID]
	if !ok {
		return shared.ErrNotFound
	}
	req.Items = make([]requests.Item, 0, len(items))
	for _, it := range items {
		t.m.nextItem++
		it.ID = t.m.nextItem
		it.RequestID = requestID
		req.Items = append(req.Items, it)
	}
	t.m.requests[requestID] = req
	return nil
}

func (t *memoryTx) UpdateItemFulfillment(_ context.Context, item requests.Item) error {
	req, ok := t.m.requests[item.RequestID]
	if !ok {
		return shared.ErrNotFound
	}
	for i := range req.Items {
		if req.Items[i].ID == item.ID {
			req.Items[i].QuantityFulfilled = item.QuantityFulfilled
			req.Items[i].FulfilledAt = item.FulfilledAt
			t.m.requests[item.RequestID] = req
			return nil
		}
	}
	return shared.ErrNotFound
}

func (t *memoryTx) RecomputeTotal(_ context.Context, requestID int64) (decimal.Decimal, error) {
	req, ok := t.m.requests[requestID]
	if !ok {
		return decimal.Zero, shared.ErrNotFound
	}
	total := decimal.Zero
	for _, it := range req.Items {
		total = total.Add(it.EstimatedTotalCost)
	}
	req.TotalEstimatedCost = total
	t.m.requests[requestID] = req
	return total, nil
}

// LockBudget returns the department limit. Transactions already run one at a
// time, which gives the same serialisation as the row lock.
func (t *memoryTx) LockBudget(ctx context.Context, departmentID int64) (*decimal.Decimal, error) {
	return t.m.DepartmentBudget(ctx, departmentID)
}

func (t *memoryTx) ApprovedSpend(_ context.Context, departmentID int64, from, to time.Time) (decimal.Decimal, error) {
	return t.m.spend(departmentID, from, to), nil
}
