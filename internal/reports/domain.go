package reports

import (
	"time"

	"github.com/toolcrib/toolcrib/internal/money"
)

// Holding is one cost layer an employee currently holds: quantity issued
// minus quantity returned or scrapped, netted per item and unit cost.
type Holding struct {
	ItemID   int64          `json:"item_id"`
	SKU      string         `json:"sku"`
	Name     string         `json:"name"`
	UnitCost money.UnitCost `json:"unit_cost"`
	QtyHeld  money.Quantity `json:"qty_held"`
}

// MovementEntry is a row in the recent-movements feed.
type MovementEntry struct {
	ID             int64          `json:"id"`
	OperationKey   string         `json:"operation_key"`
	Kind           string         `json:"kind"`
	ItemID         int64          `json:"item_id,omitempty"`
	Qty            money.Quantity `json:"qty"`
	FromLocationID int64          `json:"from_location_id,omitempty"`
	ToLocationID   int64          `json:"to_location_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ExceptionEntry flags stock issued to an employee and not returned or
// scrapped within the configured grace period.
type ExceptionEntry struct {
	EmployeeID     int64          `json:"employee_id"`
	ItemID         int64          `json:"item_id"`
	SKU            string         `json:"sku"`
	Name           string         `json:"name"`
	QtyOutstanding money.Quantity `json:"qty_outstanding"`
	FirstIssuedAt  time.Time      `json:"first_issued_at"`
}

// ExceptionFilter narrows the exception report. Zero values mean no filter.
type ExceptionFilter struct {
	Before     time.Time
	EmployeeID int64
	ItemID     int64
}
