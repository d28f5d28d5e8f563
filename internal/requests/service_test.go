package requests_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockflow/internal/budget"
	"github.com/odyssey-erp/stockflow/internal/catalog"
	"github.com/odyssey-erp/stockflow/internal/departments"
	"github.com/odyssey-erp/stockflow/internal/requests"
	"github.com/odyssey-erp/stockflow/internal/requests/requeststest"
	"github.com/odyssey-erp/stockflow/internal/shared"
)

var (
	clock     = time.Date(2024, time.May, 15, 9, 0, 0, 0, time.UTC)
	requester = shared.NewActor(10, 1)
	approver  = shared.NewActor(20, 9, shared.PermRequestsApprove, shared.PermRequestsFulfill)
	outsider  = shared.NewActor(30, 2)
	admin     = shared.NewActor(1, 0, shared.PermAdmin)
)

type fixture struct {
	svc     *requests.Service
	mem     *requeststest.Memory
	tracker *budget.Tracker
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func int64Ptr(v int64) *int64 { return &v }

func newFixture(t *testing.T, cfg requests.ServiceConfig, limit *decimal.Decimal) fixture {
	t.Helper()
	mem := requeststest.NewMemory()
	mem.SeedDepartment(departments.Department{ID: 1, Code: "IT", CanRequestItems: true, IsActive: true, MonthlyBudgetLimit: limit})
	mem.SeedDepartment(departments.Department{ID: 2, Code: "WH", CanRequestItems: false, IsActive: true})
	mem.SeedDepartment(departments.Department{ID: 3, Code: "OLD", CanRequestItems: true, IsActive: false})
	mem.SeedItem(catalog.Item{ID: 100, Name: "Laptop", Unit: "pcs", StandardCost: dec("500"), IsActive: true})
	mem.SeedItem(catalog.Item{ID: 101, Name: "Toner", Unit: "box", StandardCost: dec("40"), IsActive: true})
	mem.SeedItem(catalog.Item{ID: 102, Name: "Fax", Unit: "pcs", StandardCost: dec("90"), IsActive: false})

	tracker := budget.NewTracker(mem, nil, nil)
	svc := requests.NewService(mem, mem, mem, tracker, cfg, nil)
	svc.SetClock(func() time.Time { return clock })
	return fixture{svc: svc, mem: mem, tracker: tracker}
}

func catalogLine(t *testing.T, itemID int64, qty, cost string) requests.LineInput {
	t.Helper()
	src, err := requests.CatalogItem(itemID)
	require.NoError(t, err)
	return requests.LineInput{Source: src, Quantity: dec(qty), UnitCost: dec(cost)}
}

func customLine(t *testing.T, name, qty, cost string) requests.LineInput {
	t.Helper()
	src, err := requests.CustomItem(name)
	require.NoError(t, err)
	return requests.LineInput{Source: src, Quantity: dec(qty), UnitCost: dec(cost)}
}

func procurement(t *testing.T) requests.CreateInput {
	return requests.CreateInput{
		DepartmentID: 1,
		Type:         requests.TypeProcurement,
		Priority:     requests.PriorityMedium,
		Purpose:      "New hire equipment",
		Lines: []requests.LineInput{
			catalogLine(t, 100, "2", "0"),
			customLine(t, "Ergonomic chair", "1", "300"),
		},
	}
}

func TestApprovedRequestCountsTowardsMonthlySpend(t *testing.T) {
	f := newFixture(t, requests.ServiceConfig{}, decPtr("5000"))
	ctx := context.Background()

	req, err := f.svc.Create(ctx, requester, procurement(t))
	require.NoError(t, err)
	require.Equal(t, requests.StatusDraft, req.Status)
	require.True(t, req.TotalEstimatedCost.Equal(dec("1300")), req.TotalEstimatedCost.String())
	require.Len(t, req.Items, 2)
	assert.True(t, req.Items[0].EstimatedUnitCost.Equal(dec("500")))
	assert.Equal(t, "pcs", req.Items[0].Unit)
	assert.Equal(t, "Ergonomic chair", req.Items[1].Source.Name())

	before, err := f.tracker.MonthlySpend(ctx, 1, 2024, time.May)
	require.NoError(t, err)

	req, err = f.svc.Submit(ctx, requester, req.ID)
	require.NoError(t, err)
	require.Equal(t, requests.StatusSubmitted, req.Status)
	require.NotNil(t, req.SubmittedAt)

	req, err = f.svc.Approve(ctx, approver, req.ID, "")
	require.NoError(t, err)
	require.Equal(t, requests.StatusApproved, req.Status)
	require.Equal(t, int64(20), *req.ApprovedBy)
	require.True(t, req.ApprovedBudget.Equal(dec("1300")))

	after, err := f.tracker.MonthlySpend(ctx, 1, 2024, time.May)
	require.NoError(t, err)
	require.True(t, after.Sub(before).Equal(dec("1300")))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, requests.ServiceConfig{}, nil)
	ctx := context.Background()

	transfer := func(target *int64, lines ...requests.LineInput) requests.CreateInput {
		return requests.CreateInput{DepartmentID: 1, Type: requests.TypeTransfer, TargetDepartmentID: target,
			Priority: requests.PriorityHigh, Purpose: "Borrow stock", Lines: lines}
	}

	cases := map[string]requests.CreateInput{
		"department cannot request": func() requests.CreateInput {
			in := procurement(t)
			in.DepartmentID = 2
			return in
		}(),
		"transfer without target":     transfer(nil, catalogLine(t, 100, "1", "0")),
		"transfer to itself":          transfer(int64Ptr(1), catalogLine(t, 100, "1", "0")),
		"transfer to inactive":        transfer(int64Ptr(3), catalogLine(t, 100, "1", "0")),
		"transfer to unknown":         transfer(int64Ptr(99), catalogLine(t, 100, "1", "0")),
		"transfer with custom line":   transfer(int64Ptr(2), customLine(t, "Chair", "1", "10")),
		"procurement with target":     func() requests.CreateInput { in := procurement(t); in.TargetDepartmentID = int64Ptr(2); return in }(),
		"no lines":                    func() requests.CreateInput { in := procurement(t); in.Lines = nil; return in }(),
		"zero quantity":               func() requests.CreateInput { in := procurement(t); in.Lines[0].Quantity = decimal.Zero; return in }(),
		"negative cost":               func() requests.CreateInput { in := procurement(t); in.Lines[1].UnitCost = dec("-1"); return in }(),
		"unset source":                func() requests.CreateInput { in := procurement(t); in.Lines[0].Source = requests.LineSource{}; return in }(),
		"unknown catalog item":        func() requests.CreateInput { in := procurement(t); in.Lines[0] = catalogLine(t, 999, "1", "0"); return in }(),
		"inactive catalog item":       func() requests.CreateInput { in := procurement(t); in.Lines[0] = catalogLine(t, 102, "1", "0"); return in }(),
		"bad priority":                func() requests.CreateInput { in := procurement(t); in.Priority = "urgent"; return in }(),
		"missing purpose":             func() requests.CreateInput { in := procurement(t); in.Purpose = ""; return in }(),
		"unknown requesting department": func() requests.CreateInput { in := procurement(t); in.DepartmentID = 77; return in }(),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, admin, in)
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}

	list, err := f.svc.List(ctx, requests.ListFilter{})
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestLineSourceConstructors(t *testing.T) {
	_, err := requests.CatalogItem(0)
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = requests.CustomItem("   ")
	require.ErrorIs(t, err, shared.ErrValidation)

	src, err := requests.CustomItem("  Whiteboard ")
	require.NoError(t, err)
	require.False(t, src.IsCatalog())
	require.Equal(t, "Whiteboard", src.Name())
}

func TestTransferRequestWithCatalogLines(t *testing.T) {
	f := newFixture(t, requests.ServiceConfig{}, nil)

	req, err := f.svc.Create(context.Background(), requester, requests.CreateInput{
		DepartmentID: 1, Type: requests.TypeTransfer, TargetDepartmentID: int64Ptr(2),
		Priority: requests.PriorityLow, Purpose: "Spare toner",
		Lines: []requests.LineInput{catalogLine(t, 101, "3", "0")},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), *req.TargetDepartmentID)
	require.True(t, req.TotalEstimatedCost.Equal(dec("120")))
}

func TestIllegalTransitionsLeaveStatusUnchanged(t *testing.T) {
	f := newFixture(t, requests.ServiceConfig{}, nil)
	ctx := context.Background()

	req, err := f.svc.Create(ctx, requester, procurement(t))
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, approver, req.ID, "")
	require.ErrorIs(t, err, shared.ErrInvalidState)

	_, err = f.svc.Submit(ctx, requester, req.ID)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, requester, req.ID)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	_, err = f.svc.Fulfill(ctx, approver, req.ID, nil, "")
	require.ErrorIs(t, err, shared.ErrInvalidState)
	got, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, requests.StatusSubmitted, got.Status)

	_, err = f.svc.Edit(ctx, requester, req.ID, requests.EditInput{Priority: requests.PriorityLow, Purpose: "x",
		Lines: []requests.LineInput{customLine(t, "Pen", "1", "1")}})
	require.ErrorIs(t, err, shared.ErrInvalidState)

	require.ErrorIs(t, f.svc.Delete(ctx, requester, req.ID), shared.ErrInvalidState)

	_, err = f.svc.Approve(ctx, approver, req.ID, "ok")
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, approver, req.ID, "too late")
	require.ErrorIs(t, err, shared.ErrInvalidState)

	got, _ = f.svc.Get(ctx, req.ID)
	require.Equal(t, requests.StatusApproved, got.Status)
	require.Equal(t, "ok", got.Notes)
}

func TestRejectRequiresReason(t *testing.T) {
	f := newFixture(t, requests.ServiceConfig{}, nil)
	ctx := context.Background()
	req, err := f.svc.Create(ctx, requester, procurement(t))
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, requester, req.ID)
	require.NoError(t, err)

	_, err = f.svc.Reject(ctx, approver, req.ID, "  ")
	require.ErrorIs(t, err, shared.ErrValidation)

	req, err = f.svc.Reject(ctx, approver, req.ID, "Use existing stock")
	require.NoError(t, err)
	require.Equal(t, requests.StatusRejected, req.Status)
	require.Equal(t, "Use existing stock", req.Notes)
	require.NotNil(t, req.ApprovedAt)

	spend, err := f.tracker.MonthlySpend(ctx, 1, 2024, time.May)
	require.NoError(t, err)
	require.True(t, spend.IsZero())
}

func TestEditReplacesLinesAndRecomputesTotal(t *testing.T) {
	f := newFixture(t, requests.ServiceConfig{}, nil)
	ctx := context.Background()
	req, err := f.svc.Create(ctx, requester, procurement(t))
	require.NoError(t, err)
	oldIDs := []int64{req.Items[0].ID, req.Items[1].ID}

	req, err = f.svc.Edit(ctx, requester, req.ID, requests.EditInput{
		Priority: requests.PriorityHigh,
		Purpose:  "Reduced scope",
		Lines:    []requests.LineInput{catalogLine(t, 101, "5", "0")},
	})
	require.NoError(t, err)
	require.Len(t, req.Items, 1)
	require.NotContains(t, oldIDs, req.Items[0].ID)
	require.True(t, req.TotalEstimatedCost.Equal(dec("200")))
	require.Equal(t, requests.PriorityHigh, req.Priority)
}

func TestFulfillBoundsAndDefaults(t *testing.T) {
	f := newFixture(t, requests.ServiceConfig{}, nil)
	ctx := context.Background()
	req, err := f.svc.Create(ctx, requester, procurement(t))
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, requester, req.ID)
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, approver, req.ID, "")
	require.NoError(t, err)

	laptop := req.Items[0]
	_, err = f.svc.Fulfill(ctx, approver, req.ID, []requests.Fulfillment{{ItemID: laptop.ID, Quantity: dec("3")}}, "")
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.Fulfill(ctx, approver, req.ID, []requests.Fulfillment{{ItemID: laptop.ID, Quantity: dec("-1")}}, "")
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.Fulfill(ctx, approver, req.ID, []requests.Fulfillment{{ItemID: 999, Quantity: dec("1")}}, "")
	require.ErrorIs(t, err, shared.ErrValidation)

	got, _ := f.svc.Get(ctx, req.ID)
	require.Equal(t, requests.StatusApproved, got.Status)

	done, err := f.svc.Fulfill(ctx, approver, req.ID, []requests.Fulfillment{{ItemID: laptop.ID, Quantity: dec("1")}}, "Partial delivery")
	require.NoError(t, err)
	require.Equal(t, requests.StatusFulfilled, done.Status)
	require.NotNil(t, done.FulfilledAt)
	require.True(t, done.Items[0].QuantityFulfilled.Equal(dec("1")))
	require.True(t, done.Items[1].QuantityFulfilled.IsZero())
	require.NotNil(t, done.Items[1].FulfilledAt)

	spend, err := f.tracker.MonthlySpend(ctx, 1, 2024, time.May)
	require.NoError(t, err)
	require.True(t, spend.Equal(dec("1300")))
}

func TestDeleteDraftOnly(t *testing.T) {
	f := newFixture(t, requests.ServiceConfig{}, nil)
	ctx := context.Background()
	req, err := f.svc.Create(ctx, requester, procurement(t))
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.Delete(ctx, outsider, req.ID), shared.ErrUnauthorized)
	require.NoError(t, f.svc.Delete(ctx, requester, req.ID))

	_, err = f.svc.Get(ctx, req.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t, requests.ServiceConfig{}, nil)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, outsider, procurement(t))
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	req, err := f.svc.Create(ctx, requester, procurement(t))
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, outsider, req.ID)
	require.ErrorIs(t, err, shared.ErrUnauthorized)
	_, err = f.svc.Submit(ctx, requester, req.ID)
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, outsider, req.ID, "")
	require.ErrorIs(t, err, shared.ErrUnauthorized)
	_, err = f.svc.Approve(ctx, admin, req.ID, "")
	require.NoError(t, err)
}

func TestBudgetPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("enforce blocks over budget", func(t *testing.T) {
		f := newFixture(t, requests.ServiceConfig{BudgetPolicy: requests.BudgetEnforce}, decPtr("1000"))
		req, err := f.svc.Create(ctx, requester, procurement(t))
		require.NoError(t, err)
		_, err = f.svc.Submit(ctx, requester, req.ID)
		require.NoError(t, err)

		_, err = f.svc.Approve(ctx, approver, req.ID, "")
		require.ErrorIs(t, err, shared.ErrBudgetExceeded)
		got, _ := f.svc.Get(ctx, req.ID)
		require.Equal(t, requests.StatusSubmitted, got.Status)
	})

	t.Run("advisory approves over budget", func(t *testing.T) {
		f := newFixture(t, requests.ServiceConfig{}, decPtr("1000"))
		req, err := f.svc.Create(ctx, requester, procurement(t))
		require.NoError(t, err)
		_, err = f.svc.Submit(ctx, requester, req.ID)
		require.NoError(t, err)

		req, err = f.svc.Approve(ctx, approver, req.ID, "")
		require.NoError(t, err)
		require.Equal(t, requests.StatusApproved, req.Status)

		rem, err := f.tracker.RemainingBudget(ctx, 1, 2024, time.May)
		require.NoError(t, err)
		require.True(t, rem.OverBudget)
		require.True(t, rem.Remaining.Equal(dec("-300")))
	})
}

// staleBudget always reports the whole limit as remaining, like a cache entry
// read before another approval committed.
type staleBudget struct{ limit decimal.Decimal }

func (b staleBudget) RemainingBudget(context.Context, int64, int, time.Month) (budget.Remaining, error) {
	return budget.Remaining{Limit: b.limit, Spend: decimal.Zero, Remaining: b.limit}, nil
}

func (staleBudget) Invalidate(context.Context, int64) {}

func submittedPair(t *testing.T, f fixture) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, 0, 2)
	for i := 0; i < 2; i++ {
		req, err := f.svc.Create(ctx, requester, procurement(t))
		require.NoError(t, err)
		_, err = f.svc.Submit(ctx, requester, req.ID)
		require.NoError(t, err)
		ids = append(ids, req.ID)
	}
	return ids[0], ids[1]
}

func TestEnforcedBudgetRecomputesSpendOnApproval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, requests.ServiceConfig{BudgetPolicy: requests.BudgetEnforce}, decPtr("2000"))
	svc := requests.NewService(f.mem, f.mem, f.mem, staleBudget{limit: dec("2000")}, requests.ServiceConfig{BudgetPolicy: requests.BudgetEnforce}, nil)
	svc.SetClock(func() time.Time { return clock })
	f.svc = svc
	first, second := submittedPair(t, f)

	_, err := svc.Approve(ctx, approver, first, "")
	require.NoError(t, err)
	_, err = svc.Approve(ctx, approver, second, "")
	require.ErrorIs(t, err, shared.ErrBudgetExceeded)

	got, err := svc.Get(ctx, second)
	require.NoError(t, err)
	require.Equal(t, requests.StatusSubmitted, got.Status)
	from, to := budget.MonthRange(2024, time.May)
	spent, err := f.mem.ApprovedSpend(ctx, 1, from, to)
	require.NoError(t, err)
	require.True(t, spent.Equal(dec("1300")), spent.String())
}

func TestEnforcedBudgetConcurrentApprovals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, requests.ServiceConfig{BudgetPolicy: requests.BudgetEnforce}, decPtr("2000"))
	svc := requests.NewService(f.mem, f.mem, f.mem, staleBudget{limit: dec("2000")}, requests.ServiceConfig{BudgetPolicy: requests.BudgetEnforce}, nil)
	svc.SetClock(func() time.Time { return clock })
	f.svc = svc
	first, second := submittedPair(t, f)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []int64{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Approve(ctx, approver, id, "")
		}()
	}
	wg.Wait()

	var approved, refused int
	for _, err := range errs {
		switch {
		case err == nil:
			approved++
		case errors.Is(err, shared.ErrBudgetExceeded):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, approved)
	require.Equal(t, 1, refused)
}

func TestEnforcedBudgetSkipsUnlimitedDepartment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, requests.ServiceConfig{BudgetPolicy: requests.BudgetEnforce}, nil)
	first, second := submittedPair(t, f)
	_, err := f.svc.Approve(ctx, approver, first, "")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, approver, second, "")
	require.NoError(t, err)
}
