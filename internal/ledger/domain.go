// Package ledger implements the lot-based inventory movement engine:
// receipts create cost lots, issues consume them oldest-first, returns
// re-materialize stock as new lots and scraps record terminal
// consumption. Every operation runs in a single database transaction
// guarded by a durable idempotency key.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/toolcrib/toolcrib/internal/money"
)

// LocationKind enumerates the stock endpoint kinds.
type LocationKind string

const (
	// LocationWarehouse is the single system-wide warehouse endpoint.
	LocationWarehouse LocationKind = "WAREHOUSE"
	// LocationEmployee is the per-employee custody endpoint.
	LocationEmployee LocationKind = "EMPLOYEE"
	// LocationScrap is the single system-wide write-off endpoint.
	LocationScrap LocationKind = "SCRAP"
)

// DocType enumerates document kinds.
type DocType string

const (
	DocTypeReceipt     DocType = "RECEIPT"
	DocTypeInvoice     DocType = "INVOICE"
	DocTypeIssueTicket DocType = "ISSUE_TICKET"
	DocTypeReturn      DocType = "RETURN"
	DocTypeOther       DocType = "OTHER"
)

// MovementKind enumerates ledger movement kinds.
type MovementKind string

const (
	MovementReceipt MovementKind = "RECEIPT"
	MovementIssue   MovementKind = "ISSUE"
	MovementReturn  MovementKind = "RETURN"
	MovementScrap   MovementKind = "SCRAP"
	MovementAdjust  MovementKind = "ADJUST"
)

// Location is a stock endpoint. Exactly one WAREHOUSE and one SCRAP row
// exist system-wide and exactly one EMPLOYEE row per employee; rows are
// created lazily and never deleted.
type Location struct {
	ID         int64
	Name       string
	Kind       LocationKind
	EmployeeID int64 // zero unless Kind == LocationEmployee
}

// Document is an immutable header created once per receipt or return
// event. Totals are finalized at creation.
type Document struct {
	ID       int64
	DocType  DocType
	Number   string
	DocDate  time.Time
	Currency string
	TotalNet money.Amount
}

// DocumentLine is one (item, cost) group within a document.
type DocumentLine struct {
	ID         int64
	DocumentID int64
	ItemID     int64
	Qty        money.Quantity
	UnitPrice  money.UnitCost
	LineTotal  money.Amount
	VATRate    *money.Amount
	Currency   string
}

// Lot is a batch of stock sharing one cost basis and receipt
// provenance. qty_available only ever decreases after creation;
// returns create a new lot rather than mutating an old one.
type Lot struct {
	ID             int64
	ItemID         int64
	DocumentLineID int64
	QtyReceived    money.Quantity
	QtyAvailable   money.Quantity
	UnitCost       money.UnitCost
	Currency       string
	CreatedAt      time.Time
}

// Movement is an append-only custody-change record. Aggregate RETURN
// and SCRAP movements span multiple items and carry no item/qty of
// their own; the per-lot breakdown lives in allocations.
type Movement struct {
	ID             int64
	TS             time.Time
	ItemID         int64 // zero for aggregate movements
	Qty            money.Quantity
	FromLocationID int64 // zero when stock enters from outside
	ToLocationID   int64
	Kind           MovementKind
	OperationKey   string
	DocumentLineID int64 // zero unless sourced from a document line
}

// MovementAllocation records how a movement touched one lot, at the
// cost basis in effect at that time. Composite-keyed by
// (movement_id, lot_id); return-limit validation reads this back.
type MovementAllocation struct {
	MovementID int64
	LotID      int64
	Qty        money.Quantity
	UnitCost   money.UnitCost
}

// ReceiptInput describes one incoming document line to record.
type ReceiptInput struct {
	DocumentID   int64
	ItemID       int64
	Qty          money.Quantity
	UnitPrice    money.UnitCost
	LineTotal    money.Amount
	VATRate      *money.Amount
	Currency     string
	OperationKey string // optional; generated when empty
}

// ReceiptResult groups the rows created by RecordReceipt.
type ReceiptResult struct {
	Line     DocumentLine
	Lot      Lot
	Movement Movement
}

// IssueInput describes a FIFO issue request.
type IssueInput struct {
	EmployeeID   int64
	EmployeeName string
	ItemID       int64
	Qty          money.Quantity
	OperationKey string
}

// ReturnLine references one prior issue allocation to return against.
type ReturnLine struct {
	MovementID int64
	LotID      int64
	Qty        money.Quantity
}

// ReturnInput describes a return request.
type ReturnInput struct {
	EmployeeID   int64
	EmployeeName string
	Lines        []ReturnLine
	DocNumber    string // optional; generated when empty
	OperationKey string
}

// ScrapLine references held stock to write off.
type ScrapLine struct {
	LotID int64
	Qty   money.Quantity
}

// ScrapInput describes a scrap request.
type ScrapInput struct {
	EmployeeID   int64
	EmployeeName string
	Lines        []ScrapLine
	Reason       string
	OperationKey string // optional; generated when empty
}

// ErrNotFound indicates an unknown lot, movement or location reference.
var ErrNotFound = errors.New("ledger: not found")

// ErrInvalidInput rejects a request the service cannot act on: missing
// references, non-positive quantities, a bad operation key.
var ErrInvalidInput = errors.New("ledger: invalid input")

// ErrNegativeStock indicates a decrement would take a lot below zero.
// Unreachable while candidate lots are locked before allocation; kept
// as a barrier against logic errors.
var ErrNegativeStock = errors.New("ledger: lot quantity would go negative")

// ErrLockConflict surfaces a deadlock or lock-wait timeout after the
// retry budget is exhausted.
var ErrLockConflict = errors.New("ledger: transient lock conflict")

// InsufficientStockError reports the exact shortfall of a rejected
// issue. Nothing is committed on this path.
type InsufficientStockError struct {
	ItemID    int64
	Shortfall money.Quantity
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("ledger: insufficient stock for item %d, short %s", e.ItemID, e.Shortfall)
}

// InvalidAllocationError rejects a return line that references a
// foreign employee or movement, or exceeds the returnable maximum.
type InvalidAllocationError struct {
	Reason string
	LotID  int64
	Max    *money.Quantity // set when the line exceeded the returnable max
}

func (e *InvalidAllocationError) Error() string {
	if e.Max != nil {
		return fmt.Sprintf("ledger: invalid allocation for lot %d: %s (max %s)", e.LotID, e.Reason, *e.Max)
	}
	return fmt.Sprintf("ledger: invalid allocation for lot %d: %s", e.LotID, e.Reason)
}
