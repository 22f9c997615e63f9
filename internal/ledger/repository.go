package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/toolcrib/toolcrib/internal/money"
)

// errDuplicateOperation signals that another transaction committed a
// movement with the same operation key first.
var errDuplicateOperation = errors.New("ledger: operation key already recorded")

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	EnsureLocation(ctx context.Context, kind LocationKind, employeeID int64, name string) (Location, error)
	FindMovementByOperationKey(ctx context.Context, key string) (*Movement, error)
	LockLotsByItemFIFO(ctx context.Context, itemID int64) ([]Lot, error)
	LockLot(ctx context.Context, lotID int64) (Lot, error)
	GetLot(ctx context.Context, lotID int64) (Lot, error)
	GetMovement(ctx context.Context, id int64) (Movement, error)
	GetAllocation(ctx context.Context, movementID, lotID int64) (MovementAllocation, error)
	OutstandingForCostIdentity(ctx context.Context, itemID, employeeLocationID int64, unitCost money.UnitCost) (money.Quantity, error)
	InsertDocument(ctx context.Context, doc Document) (int64, error)
	InsertDocumentLine(ctx context.Context, line DocumentLine) (int64, error)
	InsertLot(ctx context.Context, lot Lot) (int64, error)
	InsertMovement(ctx context.Context, mv Movement) (int64, error)
	DecrementLotAvailable(ctx context.Context, lotID int64, take money.Quantity) (money.Quantity, error)
	InsertAllocation(ctx context.Context, alloc MovementAllocation) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a read-committed transaction; row locks
// taken inside live until commit or rollback.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	wrapper := &txRepo{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// FindMovementByOperationKey looks a committed movement up outside any
// transaction, used to resolve duplicate-key races.
func (r *Repository) FindMovementByOperationKey(ctx context.Context, key string) (*Movement, error) {
	return findMovementByOperationKey(ctx, r.pool, key)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const movementColumns = `id, ts, COALESCE(item_id, 0), COALESCE(qty, 0), COALESCE(from_location_id, 0), COALESCE(to_location_id, 0), kind, COALESCE(operation_key, ''), COALESCE(document_line_id, 0)`

func findMovementByOperationKey(ctx context.Context, q querier, key string) (*Movement, error) {
	row := q.QueryRow(ctx, `SELECT `+movementColumns+` FROM movements WHERE operation_key = $1`, key)
	mv, err := scanMovement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: find movement by operation key: %w", err)
	}
	return &mv, nil
}

func scanMovement(row pgx.Row) (Movement, error) {
	var (
		mv  Movement
		qty decimal.Decimal
	)
	err := row.Scan(&mv.ID, &mv.TS, &mv.ItemID, &qty, &mv.FromLocationID, &mv.ToLocationID, &mv.Kind, &mv.OperationKey, &mv.DocumentLineID)
	if err != nil {
		return Movement{}, err
	}
	mv.Qty = money.NewQuantity(qty)
	return mv, nil
}

func (r *txRepo) EnsureLocation(ctx context.Context, kind LocationKind, employeeID int64, name string) (Location, error) {
	// Insert-ignore keeps concurrent first-time creators from racing
	// into duplicates; the unique key on (kind, employee_id) is the
	// authority.
	_, err := r.tx.Exec(ctx, `INSERT INTO locations (name, kind, employee_id) VALUES ($1, $2, $3) ON CONFLICT (kind, employee_id) DO NOTHING`, name, kind, employeeID)
	if err != nil {
		return Location{}, fmt.Errorf("ledger: ensure location: %w", err)
	}
	var loc Location
	err = r.tx.QueryRow(ctx, `SELECT id, name, kind, employee_id FROM locations WHERE kind = $1 AND employee_id = $2`, kind, employeeID).
		Scan(&loc.ID, &loc.Name, &loc.Kind, &loc.EmployeeID)
	if err != nil {
		return Location{}, fmt.Errorf("ledger: ensure location: %w", err)
	}
	return loc, nil
}

func (r *txRepo) FindMovementByOperationKey(ctx context.Context, key string) (*Movement, error) {
	return findMovementByOperationKey(ctx, r.tx, key)
}

const lotColumns = `id, item_id, document_line_id, qty_received, qty_available, unit_cost, currency, created_at`

func scanLot(row pgx.Row) (Lot, error) {
	var (
		lot       Lot
		received  decimal.Decimal
		available decimal.Decimal
		cost      decimal.Decimal
	)
	err := row.Scan(&lot.ID, &lot.ItemID, &lot.DocumentLineID, &received, &available, &cost, &lot.Currency, &lot.CreatedAt)
	if err != nil {
		return Lot{}, err
	}
	lot.QtyReceived = money.NewQuantity(received)
	lot.QtyAvailable = money.NewQuantity(available)
	lot.UnitCost = money.NewUnitCost(cost)
	return lot, nil
}

// LockLotsByItemFIFO locks candidate lots oldest-first. Ascending
// (created_at, id) is both the FIFO cost rule and the deterministic
// lock-acquisition order; ties on created_at break by id.
func (r *txRepo) LockLotsByItemFIFO(ctx context.Context, itemID int64) ([]Lot, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+lotColumns+` FROM lots WHERE item_id = $1 AND qty_available > 0 ORDER BY created_at ASC, id ASC FOR UPDATE`, itemID)
	if err != nil {
		return nil, fmt.Errorf("ledger: lock lots: %w", err)
	}
	defer rows.Close()
	var lots []Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan lot: %w", err)
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (r *txRepo) LockLot(ctx context.Context, lotID int64) (Lot, error) {
	lot, err := scanLot(r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = $1 FOR UPDATE`, lotID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, fmt.Errorf("%w: lot %d", ErrNotFound, lotID)
		}
		return Lot{}, fmt.Errorf("ledger: lock lot: %w", err)
	}
	return lot, nil
}

func (r *txRepo) GetLot(ctx context.Context, lotID int64) (Lot, error) {
	lot, err := scanLot(r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = $1`, lotID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, fmt.Errorf("%w: lot %d", ErrNotFound, lotID)
		}
		return Lot{}, fmt.Errorf("ledger: get lot: %w", err)
	}
	return lot, nil
}

func (r *txRepo) GetMovement(ctx context.Context, id int64) (Movement, error) {
	mv, err := scanMovement(r.tx.QueryRow(ctx, `SELECT `+movementColumns+` FROM movements WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, fmt.Errorf("%w: movement %d", ErrNotFound, id)
		}
		return Movement{}, fmt.Errorf("ledger: get movement: %w", err)
	}
	return mv, nil
}

func (r *txRepo) GetAllocation(ctx context.Context, movementID, lotID int64) (MovementAllocation, error) {
	var (
		alloc MovementAllocation
		qty   decimal.Decimal
		cost  decimal.Decimal
	)
	err := r.tx.QueryRow(ctx, `SELECT movement_id, lot_id, qty, unit_cost FROM movement_allocations WHERE movement_id = $1 AND lot_id = $2`, movementID, lotID).
		Scan(&alloc.MovementID, &alloc.LotID, &qty, &cost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MovementAllocation{}, fmt.Errorf("%w: allocation (%d, %d)", ErrNotFound, movementID, lotID)
		}
		return MovementAllocation{}, fmt.Errorf("ledger: get allocation: %w", err)
	}
	alloc.Qty = money.NewQuantity(qty)
	alloc.UnitCost = money.NewUnitCost(cost)
	return alloc, nil
}

// OutstandingForCostIdentity nets prior ISSUE allocations to this
// employee against prior RETURN allocations back from them, for one
// (item, unit cost) identity. Returns re-materialize stock as new
// lots, so the lot leg of the triple is carried by item and cost
// basis rather than the row id.
func (r *txRepo) OutstandingForCostIdentity(ctx context.Context, itemID, employeeLocationID int64, unitCost money.UnitCost) (money.Quantity, error) {
	var sum decimal.Decimal
	err := r.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN m.kind = 'ISSUE' THEN ma.qty ELSE -ma.qty END), 0)
		FROM movement_allocations ma
		JOIN movements m ON m.id = ma.movement_id
		JOIN lots l ON l.id = ma.lot_id
		WHERE l.item_id = $1
		  AND ma.unit_cost = $2
		  AND ((m.kind = 'ISSUE' AND m.to_location_id = $3)
		    OR (m.kind = 'RETURN' AND m.from_location_id = $3))`,
		itemID, unitCost.Decimal(), employeeLocationID).Scan(&sum)
	if err != nil {
		return money.Quantity{}, fmt.Errorf("ledger: outstanding for cost identity: %w", err)
	}
	return money.NewQuantity(sum), nil
}

func (r *txRepo) InsertDocument(ctx context.Context, doc Document) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO documents (doc_type, number, doc_date, currency, total_net) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		doc.DocType, doc.Number, doc.DocDate, doc.Currency, doc.TotalNet.Decimal()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ledger: insert document: %w", err)
	}
	return id, nil
}

func (r *txRepo) InsertDocumentLine(ctx context.Context, line DocumentLine) (int64, error) {
	var vat any
	if line.VATRate != nil {
		vat = line.VATRate.Decimal()
	}
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO document_lines (document_id, item_id, qty, unit_price, line_total, vat_rate, currency) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		line.DocumentID, line.ItemID, line.Qty.Decimal(), line.UnitPrice.Decimal(), line.LineTotal.Decimal(), vat, line.Currency).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ledger: insert document line: %w", err)
	}
	return id, nil
}

func (r *txRepo) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO lots (item_id, document_line_id, qty_received, qty_available, unit_cost, currency, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		lot.ItemID, lot.DocumentLineID, lot.QtyReceived.Decimal(), lot.QtyAvailable.Decimal(), lot.UnitCost.Decimal(), lot.Currency, lot.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ledger: insert lot: %w", err)
	}
	return id, nil
}

func (r *txRepo) InsertMovement(ctx context.Context, mv Movement) (int64, error) {
	var (
		itemID  any
		qty     any
		fromLoc any
		lineID  any
	)
	if mv.ItemID != 0 {
		itemID = mv.ItemID
		qty = mv.Qty.Decimal()
	}
	if mv.FromLocationID != 0 {
		fromLoc = mv.FromLocationID
	}
	if mv.DocumentLineID != 0 {
		lineID = mv.DocumentLineID
	}
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO movements (ts, item_id, qty, from_location_id, to_location_id, kind, operation_key, document_line_id) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		mv.TS, itemID, qty, fromLoc, mv.ToLocationID, mv.Kind, mv.OperationKey, lineID).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("%w: %s", errDuplicateOperation, mv.OperationKey)
		}
		return 0, fmt.Errorf("ledger: insert movement: %w", err)
	}
	return id, nil
}

// DecrementLotAvailable subtracts take from the locked lot and returns
// the new availability so the caller can re-verify the non-negativity
// invariant.
func (r *txRepo) DecrementLotAvailable(ctx context.Context, lotID int64, take money.Quantity) (money.Quantity, error) {
	var left decimal.Decimal
	err := r.tx.QueryRow(ctx, `UPDATE lots SET qty_available = qty_available - $2 WHERE id = $1 RETURNING qty_available`, lotID, take.Decimal()).Scan(&left)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return money.Quantity{}, fmt.Errorf("%w: lot %d", ErrNotFound, lotID)
		}
		return money.Quantity{}, fmt.Errorf("ledger: decrement lot: %w", err)
	}
	return money.NewQuantity(left), nil
}

func (r *txRepo) InsertAllocation(ctx context.Context, alloc MovementAllocation) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO movement_allocations (movement_id, lot_id, qty, unit_cost) VALUES ($1, $2, $3, $4)`,
		alloc.MovementID, alloc.LotID, alloc.Qty.Decimal(), alloc.UnitCost.Decimal())
	if err != nil {
		return fmt.Errorf("ledger: insert allocation: %w", err)
	}
	return nil
}
