package opname_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockflow/internal/opname"
	"github.com/odyssey-erp/stockflow/internal/platform/cache"
	"github.com/odyssey-erp/stockflow/internal/shared"
	"github.com/odyssey-erp/stockflow/internal/stock"
	"github.com/odyssey-erp/stockflow/internal/stock/stocktest"
)

var counter = shared.NewActor(5, 1)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = struct{}{}
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type recorder struct {
	events []opname.OpnameReconciledEvent
}

func (r *recorder) HandleOpnameReconciled(_ context.Context, evt opname.OpnameReconciledEvent) error {
	r.events = append(r.events, evt)
	return nil
}

type fixture struct {
	rec    *opname.Reconciler
	mem    *stocktest.Memory
	redis  *miniredis.Miniredis
	client *redis.Client
	idem   *memoryIdempotency
	events *recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := stocktest.NewMemory()
	idem := &memoryIdempotency{keys: make(map[string]struct{})}
	events := &recorder{}
	rec := opname.NewReconciler(mem, cache.NewLocker(client), opname.Config{LockTTL: time.Minute}, nil)
	rec.SetIdempotency(idem)
	rec.SetIntegration(events)
	return fixture{rec: rec, mem: mem, redis: mr, client: client, idem: idem, events: events}
}

func TestReconcileAdjustsToPhysicalCount(t *testing.T) {
	f := newFixture(t)
	loc := f.mem.Seed(stock.Location{DepartmentID: 1, ItemID: 100, CurrentStock: dec("10"), AverageCost: dec("25")})

	res, err := f.rec.Reconcile(context.Background(), counter, opname.Batch{
		DepartmentID: 1,
		Lines:        []opname.Line{{LocationID: loc.ID, PhysicalCount: dec("7")}},
	})
	require.NoError(t, err)
	require.Len(t, res.Movements, 1)
	require.Empty(t, res.Skipped)

	move := res.Movements[0]
	assert.Equal(t, stock.MovementOpname, move.Type)
	assert.True(t, move.QuantityBefore.Equal(dec("10")))
	assert.True(t, move.QuantityChange.Equal(dec("-3")))
	assert.True(t, move.QuantityAfter.Equal(dec("7")))
	assert.True(t, move.TotalCost.Equal(dec("-75")))
	assert.Equal(t, shared.ModuleOpname, move.RefModule)

	got, err := f.mem.GetLocation(context.Background(), loc.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentStock.Equal(dec("7")))

	require.Len(t, f.events.events, 1)
	assert.True(t, f.events.events[0].Lines[0].Difference.Equal(dec("-3")))
	assert.Equal(t, int64(100), f.events.events[0].Lines[0].ItemID)

	assert.False(t, f.redis.Exists(shared.OpnameLockKey(1)))
}

func TestReconcileSkipsMatchingCounts(t *testing.T) {
	f := newFixture(t)
	a := f.mem.Seed(stock.Location{DepartmentID: 1, ItemID: 100, CurrentStock: dec("10")})
	b := f.mem.Seed(stock.Location{DepartmentID: 1, ItemID: 101, CurrentStock: dec("4")})

	res, err := f.rec.Reconcile(context.Background(), counter, opname.Batch{
		DepartmentID: 1,
		Lines: []opname.Line{
			{LocationID: a.ID, PhysicalCount: dec("10")},
			{LocationID: b.ID, PhysicalCount: dec("6"), Note: "found behind shelf"},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, a.ID, res.Skipped[0].LocationID)
	require.Len(t, res.Movements, 1)
	assert.Equal(t, "found behind shelf", res.Movements[0].Note)
	assert.True(t, res.Movements[0].QuantityChange.Equal(dec("2")))
	assert.Len(t, f.mem.AllMovements(), 1)
}

func TestReconcileAllMatchingEmitsNothing(t *testing.T) {
	f := newFixture(t)
	a := f.mem.Seed(stock.Location{DepartmentID: 1, ItemID: 100, CurrentStock: dec("3")})

	res, err := f.rec.Reconcile(context.Background(), counter, opname.Batch{
		DepartmentID: 1,
		Lines:        []opname.Line{{LocationID: a.ID, PhysicalCount: dec("3")}},
	})
	require.NoError(t, err)
	assert.False(t, res.Adjusted())
	assert.Empty(t, f.mem.AllMovements())
	assert.Empty(t, f.events.events)
}

func TestReconcileRejectsCrossDepartmentBatch(t *testing.T) {
	f := newFixture(t)
	own := f.mem.Seed(stock.Location{DepartmentID: 1, ItemID: 100, CurrentStock: dec("10")})
	other := f.mem.Seed(stock.Location{DepartmentID: 2, ItemID: 100, CurrentStock: dec("10")})

	_, err := f.rec.Reconcile(context.Background(), counter, opname.Batch{
		DepartmentID: 1,
		Lines: []opname.Line{
			{LocationID: own.ID, PhysicalCount: dec("8")},
			{LocationID: other.ID, PhysicalCount: dec("1")},
		},
		SessionNote:    "Quarterly count",
		IdempotencyKey: "opname-1",
	})
	require.ErrorIs(t, err, shared.ErrCrossDepartmentMismatch)
	assert.Empty(t, f.mem.AllMovements())

	got, err := f.mem.GetLocation(context.Background(), own.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentStock.Equal(dec("10")))
	assert.NotContains(t, f.idem.keys, "opname-1")
}

func TestReconcileRecordsSessionNote(t *testing.T) {
	f := newFixture(t)
	a := f.mem.Seed(stock.Location{DepartmentID: 1, ItemID: 100, CurrentStock: dec("10")})

	res, err := f.rec.Reconcile(context.Background(), counter, opname.Batch{
		DepartmentID: 1,
		Lines:        []opname.Line{{LocationID: a.ID, PhysicalCount: dec("12")}},
		SessionNote:  "Year end count",
	})
	require.NoError(t, err)
	require.NotNil(t, res.SessionNote)
	assert.Nil(t, res.SessionNote.LocationID)
	assert.Nil(t, res.SessionNote.ItemID)
	assert.True(t, res.SessionNote.QuantityChange.IsZero())
	assert.Equal(t, "Year end count", res.SessionNote.Note)
	assert.Len(t, f.mem.AllMovements(), 2)
}

func TestReconcileValidation(t *testing.T) {
	f := newFixture(t)
	a := f.mem.Seed(stock.Location{DepartmentID: 1, ItemID: 100, CurrentStock: dec("10")})

	cases := []struct {
		name  string
		batch opname.Batch
	}{
		{"no department", opname.Batch{Lines: []opname.Line{{LocationID: a.ID, PhysicalCount: dec("1")}}}},
		{"no lines", opname.Batch{DepartmentID: 1}},
		{"negative count", opname.Batch{DepartmentID: 1, Lines: []opname.Line{{LocationID: a.ID, PhysicalCount: dec("-1")}}}},
		{"counted twice", opname.Batch{DepartmentID: 1, Lines: []opname.Line{
			{LocationID: a.ID, PhysicalCount: dec("1")},
			{LocationID: a.ID, PhysicalCount: dec("2")},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.rec.Reconcile(context.Background(), counter, tc.batch)
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}
	assert.Empty(t, f.mem.AllMovements())
}

func TestReconcileRequiresDepartmentAccess(t *testing.T) {
	f := newFixture(t)
	a := f.mem.Seed(stock.Location{DepartmentID: 1, ItemID: 100, CurrentStock: dec("10")})
	batch := opname.Batch{DepartmentID: 1, Lines: []opname.Line{{LocationID: a.ID, PhysicalCount: dec("9")}}}

	_, err := f.rec.Reconcile(context.Background(), shared.NewActor(6, 2), batch)
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	_, err = f.rec.Reconcile(context.Background(), shared.NewActor(6, 2, shared.PermOpnameRun), batch)
	require.NoError(t, err)
}

func TestReconcileRejectsOverlappingSession(t *testing.T) {
	f := newFixture(t)
	a := f.mem.Seed(stock.Location{DepartmentID: 1, ItemID: 100, CurrentStock: dec("10")})
	ctx := context.Background()

	release, err := cache.NewLocker(f.client).Acquire(ctx, shared.OpnameLockKey(1), time.Minute)
	require.NoError(t, err)

	batch := opname.Batch{DepartmentID: 1, Lines: []opname.Line{{LocationID: a.ID, PhysicalCount: dec("9")}}}
	_, err = f.rec.Reconcile(ctx, counter, batch)
	require.ErrorIs(t, err, cache.ErrLockHeld)
	assert.Empty(t, f.mem.AllMovements())

	require.NoError(t, release(ctx))
	_, err = f.rec.Reconcile(ctx, counter, batch)
	require.NoError(t, err)
}

func TestReconcileIsIdempotentPerSessionKey(t *testing.T) {
	f := newFixture(t)
	a := f.mem.Seed(stock.Location{DepartmentID: 1, ItemID: 100, CurrentStock: dec("10")})
	batch := opname.Batch{DepartmentID: 1, IdempotencyKey: "count-2024-06", Lines: []opname.Line{{LocationID: a.ID, PhysicalCount: dec("9")}}}

	_, err := f.rec.Reconcile(context.Background(), counter, batch)
	require.NoError(t, err)
	_, err = f.rec.Reconcile(context.Background(), counter, batch)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	assert.Len(t, f.mem.AllMovements(), 1)
}

func TestReconcileRejectsCountBelowReservation(t *testing.T) {
	f := newFixture(t)
	a := f.mem.Seed(stock.Location{DepartmentID: 1, ItemID: 100, CurrentStock: dec("10"), ReservedStock: dec("4")})

	_, err := f.rec.Reconcile(context.Background(), counter, opname.Batch{
		DepartmentID: 1,
		Lines:        []opname.Line{{LocationID: a.ID, PhysicalCount: dec("3")}},
	})
	require.ErrorIs(t, err, shared.ErrNegativeStock)
}
