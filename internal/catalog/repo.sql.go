package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrItemNotFound indicates an unknown SKU or id.
var ErrItemNotFound = errors.New("catalog: item not found")

// Repository provides PostgreSQL backed item lookups.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Search lists items whose SKU or name contains the query, ordered by
// name then SKU.
func (r *Repository) Search(ctx context.Context, filter SearchFilter) ([]Item, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	pattern := "%" + strings.TrimSpace(filter.Query) + "%"
	rows, err := r.pool.Query(ctx, `
		SELECT id, sku, name
		FROM items
		WHERE $1 = '%%' OR sku ILIKE $1 OR name ILIKE $1
		ORDER BY name, sku
		LIMIT $2`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: search items: %w", err)
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.SKU, &item.Name); err != nil {
			return nil, fmt.Errorf("catalog: scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetBySKU returns the item for an exact SKU.
func (r *Repository) GetBySKU(ctx context.Context, sku string) (Item, error) {
	var item Item
	err := r.pool.QueryRow(ctx, `SELECT id, sku, name FROM items WHERE sku = $1`, strings.TrimSpace(sku)).
		Scan(&item.ID, &item.SKU, &item.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, fmt.Errorf("%w: sku %q", ErrItemNotFound, sku)
		}
		return Item{}, fmt.Errorf("catalog: get item by sku: %w", err)
	}
	return item, nil
}

// GetByID returns the item for an id.
func (r *Repository) GetByID(ctx context.Context, id int64) (Item, error) {
	var item Item
	err := r.pool.QueryRow(ctx, `SELECT id, sku, name FROM items WHERE id = $1`, id).
		Scan(&item.ID, &item.SKU, &item.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, fmt.Errorf("%w: id %d", ErrItemNotFound, id)
		}
		return Item{}, fmt.Errorf("catalog: get item: %w", err)
	}
	return item, nil
}
