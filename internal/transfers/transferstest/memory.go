// Package transferstest provides an in-memory transfer store that shares
// transactions with the stock and request doubles.
package transferstest

import (
	"context"
	"sync"

	"github.com/odyssey-erp/stockflow/internal/requests"
	"github.com/odyssey-erp/stockflow/internal/requests/requeststest"
	"github.com/odyssey-erp/stockflow/internal/shared"
	"github.com/odyssey-erp/stockflow/internal/stock"
	"github.com/odyssey-erp/stockflow/internal/stock/stocktest"
	"github.com/odyssey-erp/stockflow/internal/transfers"
)

// Memory keeps transfers in a map. A transaction nests the stock and request
// transactions so a failure anywhere rolls back all three stores.
type Memory struct {
	Stock    *stocktest.Memory
	Requests *requeststest.Memory

	mu        sync.Mutex
	transfers map[int64]transfers.Transfer
	nextID    int64
	nextItem  int64
}

// NewMemory wires the transfer store to existing stock and request stores.
func NewMemory(stockMem *stocktest.Memory, reqMem *requeststest.Memory) *Memory {
	return &Memory{Stock: stockMem, Requests: reqMem, transfers: make(map[int64]transfers.Transfer)}
}

func clone(t transfers.Transfer) transfers.Transfer {
	items := make([]transfers.Item, len(t.Items))
	copy(items, t.Items)
	t.Items = items
	return t
}

// WithTx implements transfers.RepositoryPort.
func (m *Memory) WithTx(ctx context.Context, fn func(context.Context, transfers.TxRepository) error) error {
	return m.Stock.Atomically(func(stx stock.TxRepository) error {
		return m.Requests.Atomically(func(rtx requests.TxRepository) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			snap := make(map[int64]transfers.Transfer, len(m.transfers))
			for k, v := range m.transfers {
				snap[k] = clone(v)
			}
			nextID, nextItem := m.nextID, m.nextItem
			if err := fn(ctx, &memoryTx{m: m, ledger: stx, requests: rtx}); err != nil {
				m.transfers = snap
				m.nextID, m.nextItem = nextID, nextItem
				return err
			}
			return nil
		})
	})
}

// Get implements transfers.RepositoryPort.
func (m *Memory) Get(_ context.Context, id int64) (transfers.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return transfers.Transfer{}, shared.ErrNotFound
	}
	return clone(t), nil
}

// GetByRequest implements transfers.RepositoryPort.
func (m *Memory) GetByRequest(_ context.Context, requestID int64) (transfers.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transfers {
		if t.RequestID == requestID {
			return clone(t), nil
		}
	}
	return transfers.Transfer{}, shared.ErrNotFound
}

type memoryTx struct {
	m        *Memory
	ledger   stock.TxRepository
	requests requests.TxRepository
}

func (t *memoryTx) Ledger() stock.TxRepository { return t.ledger }

func (t *memoryTx) Requests() requests.TxRepository { return t.requests }

func (t *memoryTx) GetForUpdate(_ context.Context, id int64) (transfers.Transfer, error) {
	tr, ok := t.m.transfers[id]
	if !ok {
		return transfers.Transfer{}, shared.ErrNotFound
	}
	return clone(tr), nil
}

func (t *memoryTx) ExistsForRequest(_ context.Context, requestID int64) (bool, error) {
	for _, tr := range t.m.transfers {
		if tr.RequestID == requestID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) Insert(_ context.Context, tr transfers.Transfer) (int64, error) {
	for _, existing := range t.m.transfers {
		if existing.RequestID == tr.RequestID {
			return 0, shared.ErrDuplicateTransfer
		}
	}
	t.m.nextID++
	tr.ID = t.m.nextID
	tr = clone(tr)
	for i := range tr.Items {
		t.m.nextItem++
		tr.Items[i].ID = t.m.nextItem
		tr.Items[i].TransferID = tr.ID
	}
	t.m.transfers[tr.ID] = tr
	return tr.ID, nil
}

func (t *memoryTx) Update(_ context.Context, tr transfers.Transfer) error {
	current, ok := t.m.transfers[tr.ID]
	if !ok {
		return shared.ErrNotFound
	}
	tr.Items = current.Items
	t.m.transfers[tr.ID] = tr
	return nil
}

func (t *memoryTx) UpdateItem(_ context.Context, item transfers.Item) error {
	tr, ok := t.m.transfers[item.TransferID]
	if !ok {
		return shared.ErrNotFound
	}
	for i := range tr.Items {
		if tr.Items[i].ID == item.ID {
			tr.Items[i].UnitCost = item.UnitCost
			tr.Items[i].SourceLocationID = item.SourceLocationID
			tr.Items[i].DestinationLocationID = item.DestinationLocationID
			t.m.transfers[tr.ID] = tr
			return nil
		}
	}
	return shared.ErrNotFound
}
