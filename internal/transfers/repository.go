package transfers

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockflow/internal/platform/db"
	"github.com/odyssey-erp/stockflow/internal/requests"
	"github.com/odyssey-erp/stockflow/internal/shared"
	"github.com/odyssey-erp/stockflow/internal/stock"
)

// Repository provides PostgreSQL backed persistence for transfers.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations. Ledger and Requests share
// the same transaction so stock, request and transfer writes commit together.
type TxRepository interface {
	Ledger() stock.TxRepository
	Requests() requests.TxRepository
	GetForUpdate(ctx context.Context, id int64) (Transfer, error)
	ExistsForRequest(ctx context.Context, requestID int64) (bool, error)
	Insert(ctx context.Context, t Transfer) (int64, error)
	Update(ctx context.Context, t Transfer) error
	UpdateItem(ctx context.Context, item Item) error
}

type txRepo struct {
	tx       pgx.Tx
	ledger   stock.TxRepository
	requests requests.TxRepository
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{
			tx:       tx,
			ledger:   stock.NewTxRepository(tx),
			requests: requests.NewTxRepository(tx),
		})
	})
}

func (r *txRepo) Ledger() stock.TxRepository { return r.ledger }

func (r *txRepo) Requests() requests.TxRepository { return r.requests }

const transferColumns = `id, number, request_id, source_department_id, destination_department_id, status,
	COALESCE(notes, ''), created_by, approved_by, approved_at, transferred_by, transferred_at,
	received_by, received_at, cancelled_by, cancelled_at, created_at, updated_at`

func scanTransfer(row pgx.Row) (Transfer, error) {
	var t Transfer
	var status string
	err := row.Scan(&t.ID, &t.Number, &t.RequestID, &t.SourceDepartmentID, &t.DestinationDepartmentID, &status,
		&t.Notes, &t.CreatedBy, &t.ApprovedBy, &t.ApprovedAt, &t.TransferredBy, &t.TransferredAt,
		&t.ReceivedBy, &t.ReceivedAt, &t.CancelledBy, &t.CancelledAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, shared.ErrNotFound
		}
		return Transfer{}, err
	}
	t.Status = Status(status)
	return t, nil
}

func loadItems(ctx context.Context, q db.Querier, transferID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT id, transfer_id, request_item_id, item_id, quantity, unit_cost,
		source_location_id, destination_location_id
		FROM transfer_items WHERE transfer_id=$1 ORDER BY id`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.TransferID, &it.RequestItemID, &it.ItemID, &it.Quantity, &it.UnitCost,
			&it.SourceLocationID, &it.DestinationLocationID); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func getTransfer(ctx context.Context, q db.Querier, where string, arg any) (Transfer, error) {
	t, err := scanTransfer(q.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE `+where, arg))
	if err != nil {
		return Transfer{}, err
	}
	t.Items, err = loadItems(ctx, q, t.ID)
	return t, err
}

// Get returns a transfer with its lines.
func (r *Repository) Get(ctx context.Context, id int64) (Transfer, error) {
	return getTransfer(ctx, r.pool, "id=$1", id)
}

// GetByRequest returns the transfer spawned by a request.
func (r *Repository) GetByRequest(ctx context.Context, requestID int64) (Transfer, error) {
	return getTransfer(ctx, r.pool, "request_id=$1", requestID)
}

func (r *txRepo) GetForUpdate(ctx context.Context, id int64) (Transfer, error) {
	return getTransfer(ctx, r.tx, "id=$1 FOR UPDATE", id)
}

func (r *txRepo) ExistsForRequest(ctx context.Context, requestID int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM transfers WHERE request_id=$1)`, requestID).Scan(&exists)
	return exists, err
}

func (r *txRepo) Insert(ctx context.Context, t Transfer) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO transfers (number, request_id, source_department_id, destination_department_id,
		status, notes, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$8,$9) RETURNING id`,
		t.Number, t.RequestID, t.SourceDepartmentID, t.DestinationDepartmentID, string(t.Status), t.Notes,
		t.CreatedBy, t.CreatedAt, t.UpdatedAt).Scan(&id)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return 0, fmt.Errorf("transfers: request %d: %w", t.RequestID, shared.ErrDuplicateTransfer)
		}
		return 0, err
	}
	for _, it := range t.Items {
		if _, err := r.tx.Exec(ctx, `INSERT INTO transfer_items (transfer_id, request_item_id, item_id, quantity,
			unit_cost, source_location_id, destination_location_id) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			id, it.RequestItemID, it.ItemID, it.Quantity, it.UnitCost, it.SourceLocationID, it.DestinationLocationID); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (r *txRepo) Update(ctx context.Context, t Transfer) error {
	_, err := r.tx.Exec(ctx, `UPDATE transfers SET status=$2, notes=NULLIF($3,''), approved_by=$4, approved_at=$5,
		transferred_by=$6, transferred_at=$7, received_by=$8, received_at=$9, cancelled_by=$10, cancelled_at=$11,
		updated_at=$12 WHERE id=$1`,
		t.ID, string(t.Status), t.Notes, t.ApprovedBy, t.ApprovedAt, t.TransferredBy, t.TransferredAt,
		t.ReceivedBy, t.ReceivedAt, t.CancelledBy, t.CancelledAt, t.UpdatedAt)
	return err
}

func (r *txRepo) UpdateItem(ctx context.Context, it Item) error {
	_, err := r.tx.Exec(ctx, `UPDATE transfer_items SET unit_cost=$2, source_location_id=$3, destination_location_id=$4
		WHERE id=$1`, it.ID, it.UnitCost, it.SourceLocationID, it.DestinationLocationID)
	return err
}
