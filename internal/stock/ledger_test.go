package stock_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockflow/internal/shared"
	"github.com/odyssey-erp/stockflow/internal/stock"
	"github.com/odyssey-erp/stockflow/internal/stock/stocktest"
)

func TestLedgerBatchSeesEarlierLinesOnSameLocation(t *testing.T) {
	repo := stocktest.NewMemory()
	loc := repo.Seed(stock.Location{DepartmentID: 1, ItemID: 1, CurrentStock: dec("5"), AverageCost: dec("10")})

	var moves []stock.Movement
	err := repo.WithTx(context.Background(), func(ctx context.Context, tx stock.TxRepository) error {
		var err error
		moves, err = stock.NewLedger(tx).ApplyBatch(ctx, []stock.MovementInput{
			{LocationID: loc.ID, Type: stock.MovementTransferOut, Change: dec("-3")},
			{LocationID: loc.ID, Type: stock.MovementTransferOut, Change: dec("-2")},
		})
		return err
	})
	require.NoError(t, err)
	require.Len(t, moves, 2)
	require.True(t, moves[1].QuantityBefore.Equal(dec("2")))
	require.True(t, moves[1].QuantityAfter.IsZero())

	got, _ := repo.GetLocation(context.Background(), loc.ID)
	require.True(t, got.CurrentStock.IsZero())
	require.True(t, got.AverageCost.Equal(dec("10")))
}

func TestLedgerInboundWithoutCostKeepsAverage(t *testing.T) {
	repo := stocktest.NewMemory()
	loc := repo.Seed(stock.Location{DepartmentID: 1, ItemID: 1, CurrentStock: dec("4"), AverageCost: dec("25")})

	err := repo.WithTx(context.Background(), func(ctx context.Context, tx stock.TxRepository) error {
		move, err := stock.NewLedger(tx).Apply(ctx, stock.MovementInput{LocationID: loc.ID, Type: stock.MovementOpname, Change: dec("2")})
		require.NoError(t, err)
		require.True(t, move.UnitCost.Equal(dec("25")))
		require.True(t, move.TotalCost.Equal(dec("50")))
		return nil
	})
	require.NoError(t, err)

	got, _ := repo.GetLocation(context.Background(), loc.ID)
	require.True(t, got.AverageCost.Equal(dec("25")))
}

func TestLedgerInboundWithFixedZeroCostDilutesAverage(t *testing.T) {
	repo := stocktest.NewMemory()
	loc := repo.Seed(stock.Location{DepartmentID: 1, ItemID: 1, CurrentStock: dec("5"), AverageCost: dec("100")})

	err := repo.WithTx(context.Background(), func(ctx context.Context, tx stock.TxRepository) error {
		move, err := stock.NewLedger(tx).Apply(ctx, stock.MovementInput{
			LocationID: loc.ID,
			Type:       stock.MovementTransferIn,
			Change:     dec("5"),
			CostFixed:  true,
		})
		require.NoError(t, err)
		require.True(t, move.UnitCost.IsZero())
		require.True(t, move.TotalCost.IsZero())
		return nil
	})
	require.NoError(t, err)

	got, _ := repo.GetLocation(context.Background(), loc.ID)
	require.True(t, got.AverageCost.Equal(dec("50")))
}

func TestLedgerRecordNote(t *testing.T) {
	repo := stocktest.NewMemory()
	err := repo.WithTx(context.Background(), func(ctx context.Context, tx stock.TxRepository) error {
		ledger := stock.NewLedger(tx)
		_, err := ledger.RecordNote(ctx, stock.NoteInput{DepartmentID: 1})
		require.ErrorIs(t, err, shared.ErrValidation)

		move, err := ledger.RecordNote(ctx, stock.NoteInput{DepartmentID: 1, Type: stock.MovementOpname, Note: "Quarterly count"})
		require.NoError(t, err)
		require.Nil(t, move.LocationID)
		require.True(t, move.QuantityChange.IsZero())
		return nil
	})
	require.NoError(t, err)
	require.Len(t, repo.AllMovements(), 1)
}

func TestLedgerLockUnknownLocation(t *testing.T) {
	repo := stocktest.NewMemory()
	err := repo.WithTx(context.Background(), func(ctx context.Context, tx stock.TxRepository) error {
		_, err := stock.NewLedger(tx).Apply(ctx, stock.MovementInput{LocationID: 99, Type: stock.MovementAdjustment, Change: dec("1")})
		return err
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}
