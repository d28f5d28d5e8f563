package stock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockflow/internal/shared"
	"github.com/odyssey-erp/stockflow/internal/stock"
	"github.com/odyssey-erp/stockflow/internal/stock/stocktest"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newService(t *testing.T) (*stock.Service, *stocktest.Memory) {
	t.Helper()
	repo := stocktest.NewMemory()
	return stock.NewService(repo, nil, nil, nil), repo
}

var keeper = shared.NewActor(7, 1)

func TestOpenLocationRejectsDuplicate(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	loc, err := svc.OpenLocation(ctx, keeper, stock.OpenLocationInput{DepartmentID: 1, ItemID: 10, OpeningQty: dec("10"), UnitCost: dec("100")})
	require.NoError(t, err)
	require.True(t, loc.CurrentStock.Equal(dec("10")))
	require.True(t, loc.AverageCost.Equal(dec("100")))

	_, err = svc.OpenLocation(ctx, keeper, stock.OpenLocationInput{DepartmentID: 1, ItemID: 10, OpeningQty: dec("3"), UnitCost: dec("50")})
	require.ErrorIs(t, err, shared.ErrDuplicateLocation)

	got, err := svc.GetLocation(ctx, 1, 10)
	require.NoError(t, err)
	require.True(t, got.CurrentStock.Equal(dec("10")))
	require.Len(t, repo.AllMovements(), 1)

	move := repo.AllMovements()[0]
	assert.Equal(t, stock.MovementAdjustment, move.Type)
	assert.True(t, move.QuantityBefore.IsZero())
	assert.True(t, move.QuantityAfter.Equal(dec("10")))
	assert.Equal(t, int64(7), move.ActorID)
}

func TestOpenLocationWithoutQuantityRecordsNoMovement(t *testing.T) {
	svc, repo := newService(t)

	loc, err := svc.OpenLocation(context.Background(), keeper, stock.OpenLocationInput{DepartmentID: 1, ItemID: 10,
		Limits: stock.Limits{Minimum: dec("2"), Maximum: dec("20")}})
	require.NoError(t, err)
	require.True(t, loc.CurrentStock.IsZero())
	require.Empty(t, repo.AllMovements())
}

func TestOpenLocationValidatesLimits(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.OpenLocation(context.Background(), keeper, stock.OpenLocationInput{DepartmentID: 1, ItemID: 10,
		Limits: stock.Limits{Minimum: dec("20"), Maximum: dec("5")}})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.OpenLocation(context.Background(), keeper, stock.OpenLocationInput{DepartmentID: 1, ItemID: 10, OpeningQty: dec("-1")})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestApplyMovementRejectsNegativeStock(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()
	loc, err := svc.OpenLocation(ctx, keeper, stock.OpenLocationInput{DepartmentID: 1, ItemID: 10, OpeningQty: dec("5"), UnitCost: dec("10")})
	require.NoError(t, err)

	_, err = svc.ApplyMovement(ctx, keeper, stock.MovementInput{LocationID: loc.ID, Type: stock.MovementAdjustment, Change: dec("-6")})
	require.ErrorIs(t, err, shared.ErrNegativeStock)

	got, err := svc.GetLocationByID(ctx, loc.ID)
	require.NoError(t, err)
	require.True(t, got.CurrentStock.Equal(dec("5")))
	require.Len(t, repo.AllMovements(), 1)
}

func TestMovementChainAndMovingAverage(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	loc, err := svc.OpenLocation(ctx, keeper, stock.OpenLocationInput{DepartmentID: 1, ItemID: 10, OpeningQty: dec("10"), UnitCost: dec("100")})
	require.NoError(t, err)

	in, err := svc.ApplyMovement(ctx, keeper, stock.MovementInput{LocationID: loc.ID, Type: stock.MovementAdjustment, Change: dec("5"), UnitCost: dec("120")})
	require.NoError(t, err)
	require.True(t, in.QuantityAfter.Equal(dec("15")))

	out, err := svc.ApplyMovement(ctx, keeper, stock.MovementInput{LocationID: loc.ID, Type: stock.MovementAdjustment, Change: dec("-8"), Note: "issue"})
	require.NoError(t, err)
	require.True(t, out.UnitCost.Equal(dec("106.6667")), out.UnitCost.String())
	require.True(t, out.TotalCost.Equal(dec("-853.3336")), out.TotalCost.String())

	got, err := svc.GetLocationByID(ctx, loc.ID)
	require.NoError(t, err)
	require.True(t, got.CurrentStock.Equal(dec("7")))
	require.True(t, got.AverageCost.Equal(dec("106.6667")))

	chain, err := svc.Movements(ctx, loc.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	for i, m := range chain {
		require.True(t, m.QuantityAfter.Equal(m.QuantityBefore.Add(m.QuantityChange)), "movement %d", i)
		if i > 0 {
			require.True(t, m.QuantityBefore.Equal(chain[i-1].QuantityAfter), "movement %d", i)
		}
	}
	require.True(t, chain[len(chain)-1].QuantityAfter.Equal(got.CurrentStock))
}

func TestReservationGuardsAvailableStock(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	loc, err := svc.OpenLocation(ctx, keeper, stock.OpenLocationInput{DepartmentID: 1, ItemID: 10, OpeningQty: dec("10"), UnitCost: dec("1")})
	require.NoError(t, err)

	move, err := svc.Reserve(ctx, keeper, stock.ReservationInput{LocationID: loc.ID, Change: dec("4")})
	require.NoError(t, err)
	assert.Equal(t, stock.MovementAdjustment, move.Type)
	assert.True(t, move.QuantityChange.IsZero())
	assert.True(t, move.ReservedAfter.Equal(dec("4")))

	got, _ := svc.GetLocationByID(ctx, loc.ID)
	require.True(t, got.Available().Equal(dec("6")))

	_, err = svc.ApplyMovement(ctx, keeper, stock.MovementInput{LocationID: loc.ID, Type: stock.MovementAdjustment, Change: dec("-7")})
	require.ErrorIs(t, err, shared.ErrNegativeStock)

	_, err = svc.Reserve(ctx, keeper, stock.ReservationInput{LocationID: loc.ID, Change: dec("7")})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	_, err = svc.Reserve(ctx, keeper, stock.ReservationInput{LocationID: loc.ID, Change: dec("-5")})
	require.ErrorIs(t, err, shared.ErrNegativeStock)

	_, err = svc.ApplyMovement(ctx, keeper, stock.MovementInput{LocationID: loc.ID, Type: stock.MovementAdjustment, Change: dec("-6")})
	require.NoError(t, err)
}

func TestApplyMovementsIsAllOrNothing(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()
	a := repo.Seed(stock.Location{DepartmentID: 1, ItemID: 10, CurrentStock: dec("5"), AverageCost: dec("2")})
	b := repo.Seed(stock.Location{DepartmentID: 1, ItemID: 11, CurrentStock: dec("4"), AverageCost: dec("3")})

	_, err := svc.ApplyMovements(ctx, keeper, []stock.MovementInput{
		{LocationID: a.ID, Type: stock.MovementTransferOut, Change: dec("-3")},
		{LocationID: b.ID, Type: stock.MovementTransferOut, Change: dec("-10")},
	})
	require.ErrorIs(t, err, shared.ErrNegativeStock)

	gotA, _ := svc.GetLocationByID(ctx, a.ID)
	gotB, _ := svc.GetLocationByID(ctx, b.ID)
	require.True(t, gotA.CurrentStock.Equal(dec("5")))
	require.True(t, gotB.CurrentStock.Equal(dec("4")))
	require.Empty(t, repo.AllMovements())
}

func TestMovementWriteFailureLeavesBalanceUntouched(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()
	loc := repo.Seed(stock.Location{DepartmentID: 1, ItemID: 10, CurrentStock: dec("5"), AverageCost: dec("2")})
	repo.FailMovementInsert = errors.New("disk full")

	_, err := svc.ApplyMovement(ctx, keeper, stock.MovementInput{LocationID: loc.ID, Type: stock.MovementAdjustment, Change: dec("-1")})
	require.Error(t, err)

	got, _ := svc.GetLocationByID(ctx, loc.ID)
	require.True(t, got.CurrentStock.Equal(dec("5")))
}

func TestApplyMovementRequiresDepartmentAccess(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()
	loc := repo.Seed(stock.Location{DepartmentID: 2, ItemID: 10, CurrentStock: dec("5")})

	_, err := svc.ApplyMovement(ctx, keeper, stock.MovementInput{LocationID: loc.ID, Type: stock.MovementAdjustment, Change: dec("1")})
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	adjuster := shared.NewActor(8, 1, shared.PermStockAdjust)
	_, err = svc.ApplyMovement(ctx, adjuster, stock.MovementInput{LocationID: loc.ID, Type: stock.MovementAdjustment, Change: dec("1")})
	require.NoError(t, err)
}

func TestApplyMovementValidation(t *testing.T) {
	svc, repo := newService(t)
	loc := repo.Seed(stock.Location{DepartmentID: 1, ItemID: 10, CurrentStock: dec("5")})

	cases := []stock.MovementInput{
		{LocationID: loc.ID, Type: stock.MovementAdjustment},
		{LocationID: loc.ID, Type: "teleport", Change: dec("1")},
		{Type: stock.MovementAdjustment, Change: dec("1")},
		{LocationID: loc.ID, Type: stock.MovementAdjustment, Change: dec("1"), UnitCost: dec("-1")},
	}
	for _, in := range cases {
		_, err := svc.ApplyMovement(context.Background(), keeper, in)
		require.ErrorIs(t, err, shared.ErrValidation)
	}
}

func TestAggregateQueries(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()
	repo.Seed(stock.Location{DepartmentID: 1, ItemID: 1, CurrentStock: dec("1"), MinimumStock: dec("5"), MaximumStock: dec("20")})
	repo.Seed(stock.Location{DepartmentID: 1, ItemID: 2, CurrentStock: dec("30"), MinimumStock: dec("5"), MaximumStock: dec("20")})
	repo.Seed(stock.Location{DepartmentID: 1, ItemID: 3, CurrentStock: dec("0")})
	repo.Seed(stock.Location{DepartmentID: 2, ItemID: 1, CurrentStock: dec("9"), MinimumStock: dec("2")})

	low, err := svc.LowStock(ctx, 1)
	require.NoError(t, err)
	require.Len(t, low, 2)

	over, err := svc.OverStock(ctx, 0)
	require.NoError(t, err)
	require.Len(t, over, 1)
	require.Equal(t, int64(2), over[0].ItemID)

	with, err := svc.WithStock(ctx, 0)
	require.NoError(t, err)
	require.Len(t, with, 3)

	avail, err := svc.FindAvailable(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, avail, 1)
	require.Equal(t, int64(2), avail[0].DepartmentID)
}

func TestDeleteLocationOnlyWhenNeverActive(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	empty, err := svc.OpenLocation(ctx, keeper, stock.OpenLocationInput{DepartmentID: 1, ItemID: 10})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteLocation(ctx, keeper, empty.ID))
	_, err = svc.GetLocationByID(ctx, empty.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)

	used, err := svc.OpenLocation(ctx, keeper, stock.OpenLocationInput{DepartmentID: 1, ItemID: 11, OpeningQty: dec("2"), UnitCost: dec("1")})
	require.NoError(t, err)
	require.ErrorIs(t, svc.DeleteLocation(ctx, keeper, used.ID), shared.ErrInUse)

	_, err = svc.ApplyMovement(ctx, keeper, stock.MovementInput{LocationID: used.ID, Type: stock.MovementAdjustment, Change: dec("-2")})
	require.NoError(t, err)
	require.ErrorIs(t, svc.DeleteLocation(ctx, keeper, used.ID), shared.ErrInUse)
}
