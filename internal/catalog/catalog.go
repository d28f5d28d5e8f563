// Package catalog resolves item master data referenced by requests and stock.
package catalog

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Item is the catalog view needed by the workflows.
type Item struct {
	ID           int64
	SKU          string
	Name         string
	Unit         string
	StandardCost decimal.Decimal
	IsActive     bool
}

// Repository reads items from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Lookup returns the items found for ids keyed by id. Unknown ids are absent.
func (r *Repository) Lookup(ctx context.Context, ids []int64) (map[int64]Item, error) {
	out := make(map[int64]Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id, sku, name, unit, standard_cost, is_active
		FROM items WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.SKU, &it.Name, &it.Unit, &it.StandardCost, &it.IsActive); err != nil {
			return nil, err
		}
		out[it.ID] = it
	}
	return out, rows.Err()
}
