package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/toolcrib/toolcrib/internal/money"
)

// Repository runs the read-only reporting queries. Reports never take row
// locks; they read whatever the ledger has committed.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires the reporting repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const holdingsQuery = `
SELECT item_id, sku, name, unit_cost, qty_held
FROM (
    SELECT l.item_id,
           i.sku,
           i.name,
           l.unit_cost,
           SUM(CASE WHEN m.kind = 'ISSUE'  AND m.to_location_id   = emp.id THEN ma.qty ELSE 0 END)
         - SUM(CASE WHEN m.kind = 'RETURN' AND m.from_location_id = emp.id THEN ma.qty ELSE 0 END)
         - SUM(CASE WHEN m.kind = 'SCRAP'  AND m.from_location_id = emp.id THEN ma.qty ELSE 0 END) AS qty_held
    FROM movement_allocations ma
    JOIN movements m ON m.id = ma.movement_id
    JOIN lots l ON l.id = ma.lot_id
    JOIN items i ON i.id = l.item_id
    JOIN locations emp ON emp.kind = 'EMPLOYEE' AND emp.employee_id = $1
    GROUP BY l.item_id, i.sku, i.name, l.unit_cost
) h
WHERE qty_held > 0
ORDER BY item_id, unit_cost`

// EmployeeHoldings returns what an employee currently holds, one row per
// item and unit cost. Returns restock under a fresh lot, so rows are netted
// on the (item, unit cost) pair rather than the lot that was issued from.
func (r *Repository) EmployeeHoldings(ctx context.Context, employeeID int64) ([]Holding, error) {
	rows, err := r.pool.Query(ctx, holdingsQuery, employeeID)
	if err != nil {
		return nil, fmt.Errorf("reports: query holdings: %w", err)
	}
	defer rows.Close()

	var out []Holding
	for rows.Next() {
		var (
			h              Holding
			unitCost, held decimal.Decimal
		)
		if err := rows.Scan(&h.ItemID, &h.SKU, &h.Name, &unitCost, &held); err != nil {
			return nil, fmt.Errorf("reports: scan holding: %w", err)
		}
		h.UnitCost = money.NewUnitCost(unitCost)
		h.QtyHeld = money.NewQuantity(held)
		out = append(out, h)
	}
	return out, rows.Err()
}

// RecentMovements lists the newest ledger movements, aggregate document
// rows included.
func (r *Repository) RecentMovements(ctx context.Context, limit int) ([]MovementEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, COALESCE(operation_key, ''), kind,
		       COALESCE(item_id, 0), COALESCE(qty, 0),
		       COALESCE(from_location_id, 0), COALESCE(to_location_id, 0),
		       ts
		FROM movements
		ORDER BY ts DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("reports: query movements: %w", err)
	}
	defer rows.Close()

	var out []MovementEntry
	for rows.Next() {
		var (
			e   MovementEntry
			qty decimal.Decimal
		)
		if err := rows.Scan(&e.ID, &e.OperationKey, &e.Kind, &e.ItemID, &qty,
			&e.FromLocationID, &e.ToLocationID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("reports: scan movement: %w", err)
		}
		e.Qty = money.NewQuantity(qty)
		out = append(out, e)
	}
	return out, rows.Err()
}

const exceptionsQuery = `
SELECT employee_id, item_id, sku, name, qty_outstanding, first_issued_at
FROM (
    SELECT loc.employee_id,
           l.item_id,
           i.sku,
           i.name,
           SUM(CASE WHEN m.kind = 'ISSUE'  AND m.to_location_id   = loc.id THEN ma.qty ELSE 0 END)
         - SUM(CASE WHEN m.kind = 'RETURN' AND m.from_location_id = loc.id THEN ma.qty ELSE 0 END)
         - SUM(CASE WHEN m.kind = 'SCRAP'  AND m.from_location_id = loc.id THEN ma.qty ELSE 0 END) AS qty_outstanding,
           MIN(CASE WHEN m.kind = 'ISSUE' AND m.to_location_id = loc.id THEN m.ts END) AS first_issued_at
    FROM movement_allocations ma
    JOIN movements m ON m.id = ma.movement_id
    JOIN lots l ON l.id = ma.lot_id
    JOIN items i ON i.id = l.item_id
    JOIN locations loc ON loc.kind = 'EMPLOYEE'
                      AND loc.id IN (m.from_location_id, m.to_location_id)
    GROUP BY loc.employee_id, l.item_id, i.sku, i.name
) x
WHERE qty_outstanding > 0
  AND first_issued_at < $1
  AND ($2 = 0 OR employee_id = $2)
  AND ($3 = 0 OR item_id = $3)
ORDER BY first_issued_at ASC`

// Exceptions lists stock issued before the filter cutoff and still held,
// the "issued without return" report.
func (r *Repository) Exceptions(ctx context.Context, filter ExceptionFilter) ([]ExceptionEntry, error) {
	before := filter.Before
	if before.IsZero() {
		before = time.Now()
	}
	rows, err := r.pool.Query(ctx, exceptionsQuery, before, filter.EmployeeID, filter.ItemID)
	if err != nil {
		return nil, fmt.Errorf("reports: query exceptions: %w", err)
	}
	defer rows.Close()

	var out []ExceptionEntry
	for rows.Next() {
		var (
			e   ExceptionEntry
			qty decimal.Decimal
		)
		if err := rows.Scan(&e.EmployeeID, &e.ItemID, &e.SKU, &e.Name, &qty, &e.FirstIssuedAt); err != nil {
			return nil, fmt.Errorf("reports: scan exception: %w", err)
		}
		e.QtyOutstanding = money.NewQuantity(qty)
		out = append(out, e)
	}
	return out, rows.Err()
}
