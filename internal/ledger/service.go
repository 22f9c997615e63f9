package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/toolcrib/toolcrib/internal/money"
	"github.com/toolcrib/toolcrib/internal/shared"
)

// DefaultCurrency is assumed when a request carries none.
const DefaultCurrency = "PLN"

const maxOperationKeyLen = 36

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	FindMovementByOperationKey(ctx context.Context, key string) (*Movement, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// HoldingsInvalidator drops cached holdings views after custody changes.
type HoldingsInvalidator interface {
	InvalidateHoldings(ctx context.Context, employeeID int64) error
}

// ErrNothingToReturn rejects a return request with no positive-quantity lines.
var ErrNothingToReturn = errors.New("ledger: nothing to return")

// Service coordinates ledger operations. Each call runs in exactly one
// database transaction; issue and return are additionally wrapped in
// the deadlock retry loop because they take multiple row locks.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	holdings HoldingsInvalidator
	retry    RetryConfig
	now      func() time.Time
}

// NewService builds Service. audit and holdings may be nil.
func NewService(repo RepositoryPort, audit AuditPort, holdings HoldingsInvalidator, retry RetryConfig) *Service {
	return &Service{repo: repo, audit: audit, holdings: holdings, retry: retry, now: time.Now}
}

// RecordReceipt turns one incoming document line into a new cost lot:
// DocumentLine, then Lot with qty_available = qty_received, then a
// RECEIPT movement into the warehouse with a single 1:1 allocation.
func (s *Service) RecordReceipt(ctx context.Context, input ReceiptInput) (ReceiptResult, error) {
	if input.DocumentID == 0 || input.ItemID == 0 {
		return ReceiptResult{}, fmt.Errorf("%w: document and item required", ErrInvalidInput)
	}
	if !input.Qty.IsPositive() {
		return ReceiptResult{}, fmt.Errorf("%w: receipt quantity must be > 0", ErrInvalidInput)
	}
	if input.UnitPrice.IsNegative() {
		return ReceiptResult{}, fmt.Errorf("%w: unit price must be >= 0", ErrInvalidInput)
	}
	opKey, err := normalizeOperationKey(input.OperationKey, true)
	if err != nil {
		return ReceiptResult{}, err
	}
	currency := input.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	lineTotal := input.LineTotal
	if lineTotal.IsZero() {
		lineTotal = input.Qty.Mul(input.UnitPrice)
	}

	var (
		result   ReceiptResult
		replayed bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.FindMovementByOperationKey(ctx, opKey)
		if err != nil {
			return err
		}
		if existing != nil {
			result.Movement = *existing
			replayed = true
			return nil
		}

		line := DocumentLine{
			DocumentID: input.DocumentID,
			ItemID:     input.ItemID,
			Qty:        input.Qty,
			UnitPrice:  input.UnitPrice,
			LineTotal:  lineTotal,
			VATRate:    input.VATRate,
			Currency:   currency,
		}
		line.ID, err = tx.InsertDocumentLine(ctx, line)
		if err != nil {
			return err
		}

		lot := Lot{
			ItemID:         input.ItemID,
			DocumentLineID: line.ID,
			QtyReceived:    input.Qty,
			QtyAvailable:   input.Qty,
			UnitCost:       input.UnitPrice,
			Currency:       currency,
			CreatedAt:      s.now(),
		}
		lot.ID, err = tx.InsertLot(ctx, lot)
		if err != nil {
			return err
		}

		warehouse, err := tx.EnsureLocation(ctx, LocationWarehouse, 0, "Warehouse")
		if err != nil {
			return err
		}
		mv := Movement{
			TS:             s.now(),
			ItemID:         input.ItemID,
			Qty:            input.Qty,
			ToLocationID:   warehouse.ID,
			Kind:           MovementReceipt,
			OperationKey:   opKey,
			DocumentLineID: line.ID,
		}
		mv.ID, err = tx.InsertMovement(ctx, mv)
		if err != nil {
			return err
		}

		if err := tx.InsertAllocation(ctx, MovementAllocation{
			MovementID: mv.ID,
			LotID:      lot.ID,
			Qty:        input.Qty,
			UnitCost:   input.UnitPrice,
		}); err != nil {
			return err
		}
		result = ReceiptResult{Line: line, Lot: lot, Movement: mv}
		return nil
	})
	if err != nil {
		if mv, rerr := s.resolveDuplicate(ctx, err, opKey); rerr == nil && mv != nil {
			return ReceiptResult{Movement: *mv}, nil
		}
		return ReceiptResult{}, err
	}
	if !replayed {
		s.recordAudit(ctx, "ledger:receipt", result.Movement, map[string]any{
			"item_id": input.ItemID,
			"qty":     input.Qty.String(),
		})
	}
	return result, nil
}

// Issue satisfies a quantity request by consuming the oldest lots
// first, atomically. On shortage nothing is allocated and the exact
// shortfall is reported.
func (s *Service) Issue(ctx context.Context, input IssueInput) (Movement, error) {
	if input.EmployeeID == 0 || input.ItemID == 0 {
		return Movement{}, fmt.Errorf("%w: employee and item required", ErrInvalidInput)
	}
	if !input.Qty.IsPositive() {
		return Movement{}, fmt.Errorf("%w: issue quantity must be > 0", ErrInvalidInput)
	}
	opKey, err := normalizeOperationKey(input.OperationKey, false)
	if err != nil {
		return Movement{}, err
	}

	var (
		result   Movement
		replayed bool
	)
	err = withDeadlockRetry(ctx, s.retry, func(ctx context.Context) error {
		replayed = false
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			existing, err := tx.FindMovementByOperationKey(ctx, opKey)
			if err != nil {
				return err
			}
			if existing != nil {
				result = *existing
				replayed = true
				return nil
			}

			// FIFO order doubles as the deterministic lock-acquisition order.
			lots, err := tx.LockLotsByItemFIFO(ctx, input.ItemID)
			if err != nil {
				return err
			}
			remaining := input.Qty
			type take struct {
				lot Lot
				qty money.Quantity
			}
			var used []take
			for _, lot := range lots {
				if !remaining.IsPositive() {
					break
				}
				t := lot.QtyAvailable.Min(remaining)
				if t.IsPositive() {
					used = append(used, take{lot: lot, qty: t})
					remaining = remaining.Sub(t)
				}
			}
			if remaining.IsPositive() {
				return &InsufficientStockError{ItemID: input.ItemID, Shortfall: remaining}
			}

			empLoc, err := tx.EnsureLocation(ctx, LocationEmployee, input.EmployeeID, employeeLocationName(input.EmployeeID, input.EmployeeName))
			if err != nil {
				return err
			}
			warehouse, err := tx.EnsureLocation(ctx, LocationWarehouse, 0, "Warehouse")
			if err != nil {
				return err
			}

			mv := Movement{
				TS:             s.now(),
				ItemID:         input.ItemID,
				Qty:            input.Qty,
				FromLocationID: warehouse.ID,
				ToLocationID:   empLoc.ID,
				Kind:           MovementIssue,
				OperationKey:   opKey,
			}
			mv.ID, err = tx.InsertMovement(ctx, mv)
			if err != nil {
				return err
			}

			for _, u := range used {
				left, err := tx.DecrementLotAvailable(ctx, u.lot.ID, u.qty)
				if err != nil {
					return err
				}
				if left.IsNegative() {
					return fmt.Errorf("%w: lot %d", ErrNegativeStock, u.lot.ID)
				}
				if err := tx.InsertAllocation(ctx, MovementAllocation{
					MovementID: mv.ID,
					LotID:      u.lot.ID,
					Qty:        u.qty,
					UnitCost:   u.lot.UnitCost,
				}); err != nil {
					return err
				}
			}
			result = mv
			return nil
		})
	})
	if err != nil {
		if mv, rerr := s.resolveDuplicate(ctx, err, opKey); rerr == nil && mv != nil {
			return *mv, nil
		}
		return Movement{}, err
	}
	if !replayed {
		s.recordAudit(ctx, "ledger:issue", result, map[string]any{
			"employee_id": input.EmployeeID,
			"item_id":     input.ItemID,
			"qty":         input.Qty.String(),
		})
		s.invalidateHoldings(ctx, input.EmployeeID)
	}
	return result, nil
}

// returnGroup accumulates valid return lines per (item, unit cost) to
// minimize the number of document lines written.
type returnGroup struct {
	itemID   int64
	unitCost money.UnitCost
	qty      money.Quantity
	currency string
}

// ReturnFromEmployee maps a return request back to specific prior
// issue allocations and re-materializes the stock as new lots. Any
// invalid line fails the whole call; nothing is written.
func (s *Service) ReturnFromEmployee(ctx context.Context, input ReturnInput) (Movement, error) {
	if input.EmployeeID == 0 {
		return Movement{}, fmt.Errorf("%w: employee required", ErrInvalidInput)
	}
	opKey, err := normalizeOperationKey(input.OperationKey, false)
	if err != nil {
		return Movement{}, err
	}

	var (
		result   Movement
		replayed bool
	)
	err = withDeadlockRetry(ctx, s.retry, func(ctx context.Context) error {
		replayed = false
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			existing, err := tx.FindMovementByOperationKey(ctx, opKey)
			if err != nil {
				return err
			}
			if existing != nil {
				result = *existing
				replayed = true
				return nil
			}

			empLoc, err := tx.EnsureLocation(ctx, LocationEmployee, input.EmployeeID, employeeLocationName(input.EmployeeID, input.EmployeeName))
			if err != nil {
				return err
			}
			warehouse, err := tx.EnsureLocation(ctx, LocationWarehouse, 0, "Warehouse")
			if err != nil {
				return err
			}

			groups, err := s.validateReturnLines(ctx, tx, empLoc.ID, input.Lines)
			if err != nil {
				return err
			}
			if len(groups) == 0 {
				return ErrNothingToReturn
			}

			totalNet := money.Amount{}
			type pricedGroup struct {
				returnGroup
				lineTotal money.Amount
			}
			priced := make([]pricedGroup, 0, len(groups))
			for _, g := range groups {
				lineTotal := g.qty.Mul(g.unitCost)
				totalNet = totalNet.Add(lineTotal)
				priced = append(priced, pricedGroup{returnGroup: g, lineTotal: lineTotal})
			}

			docNumber := input.DocNumber
			if docNumber == "" {
				docNumber = fmt.Sprintf("RET/%s", s.now().Format("20060102-150405"))
			}
			doc := Document{
				DocType:  DocTypeReturn,
				Number:   docNumber,
				DocDate:  s.now(),
				Currency: DefaultCurrency,
				TotalNet: totalNet,
			}
			doc.ID, err = tx.InsertDocument(ctx, doc)
			if err != nil {
				return err
			}

			mv := Movement{
				TS:             s.now(),
				FromLocationID: empLoc.ID,
				ToLocationID:   warehouse.ID,
				Kind:           MovementReturn,
				OperationKey:   opKey,
			}
			mv.ID, err = tx.InsertMovement(ctx, mv)
			if err != nil {
				return err
			}

			for _, g := range priced {
				line := DocumentLine{
					DocumentID: doc.ID,
					ItemID:     g.itemID,
					Qty:        g.qty,
					UnitPrice:  g.unitCost,
					LineTotal:  g.lineTotal,
					Currency:   g.currency,
				}
				line.ID, err = tx.InsertDocumentLine(ctx, line)
				if err != nil {
					return err
				}
				// Re-enter warehouse stock as a fresh lot; the original
				// lot's history stays untouched.
				lot := Lot{
					ItemID:         g.itemID,
					DocumentLineID: line.ID,
					QtyReceived:    g.qty,
					QtyAvailable:   g.qty,
					UnitCost:       g.unitCost,
					Currency:       g.currency,
					CreatedAt:      s.now(),
				}
				lot.ID, err = tx.InsertLot(ctx, lot)
				if err != nil {
					return err
				}
				if err := tx.InsertAllocation(ctx, MovementAllocation{
					MovementID: mv.ID,
					LotID:      lot.ID,
					Qty:        g.qty,
					UnitCost:   g.unitCost,
				}); err != nil {
					return err
				}
			}
			result = mv
			return nil
		})
	})
	if err != nil {
		if mv, rerr := s.resolveDuplicate(ctx, err, opKey); rerr == nil && mv != nil {
			return *mv, nil
		}
		return Movement{}, err
	}
	if !replayed {
		s.recordAudit(ctx, "ledger:return", result, map[string]any{
			"employee_id": input.EmployeeID,
			"lines":       len(input.Lines),
		})
		s.invalidateHoldings(ctx, input.EmployeeID)
	}
	return result, nil
}

// validateReturnLines checks every requested line against the original
// issue allocations and groups the valid ones by (item, unit cost).
// A line may return at most the smaller of what its allocation issued
// and what the employee still holds at that cost identity, so stock
// re-issued after a completed return cycle stays returnable while a
// second return of the same allocation is refused.
func (s *Service) validateReturnLines(ctx context.Context, tx TxRepository, empLocID int64, lines []ReturnLine) ([]returnGroup, error) {
	grouped := make(map[string]*returnGroup)
	var order []string
	allocLeft := make(map[string]money.Quantity)
	outstanding := make(map[string]money.Quantity)
	for _, line := range lines {
		if !line.Qty.IsPositive() {
			continue
		}
		lot, err := tx.LockLot(ctx, line.LotID)
		if err != nil {
			return nil, err
		}
		issueMv, err := tx.GetMovement(ctx, line.MovementID)
		if err != nil {
			return nil, err
		}
		if issueMv.Kind != MovementIssue {
			return nil, &InvalidAllocationError{Reason: fmt.Sprintf("movement %d is not an issue", line.MovementID), LotID: lot.ID}
		}
		if issueMv.ToLocationID != empLocID {
			return nil, &InvalidAllocationError{Reason: "allocation belongs to another employee", LotID: lot.ID}
		}
		alloc, err := tx.GetAllocation(ctx, line.MovementID, line.LotID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, &InvalidAllocationError{Reason: "no issue allocation for movement/lot", LotID: lot.ID}
			}
			return nil, err
		}

		allocKey := fmt.Sprintf("%d:%d", line.MovementID, line.LotID)
		left, ok := allocLeft[allocKey]
		if !ok {
			left = alloc.Qty
		}
		key := fmt.Sprintf("%d:%s", lot.ItemID, lot.UnitCost)
		held, ok := outstanding[key]
		if !ok {
			held, err = tx.OutstandingForCostIdentity(ctx, lot.ItemID, empLocID, lot.UnitCost)
			if err != nil {
				return nil, err
			}
		}
		maxReturnable := left.Min(held)
		if maxReturnable.IsNegative() {
			maxReturnable = money.Quantity{}
		}
		if line.Qty.Cmp(maxReturnable) > 0 {
			return nil, &InvalidAllocationError{Reason: "quantity exceeds returnable", LotID: lot.ID, Max: &maxReturnable}
		}
		allocLeft[allocKey] = left.Sub(line.Qty)
		outstanding[key] = held.Sub(line.Qty)

		g, ok := grouped[key]
		if !ok {
			g = &returnGroup{itemID: lot.ItemID, unitCost: lot.UnitCost, currency: lot.Currency}
			grouped[key] = g
			order = append(order, key)
		}
		g.qty = g.qty.Add(line.Qty)
	}
	groups := make([]returnGroup, 0, len(order))
	for _, key := range order {
		groups = append(groups, *grouped[key])
	}
	return groups, nil
}

// ScrapFromEmployee records terminal consumption of held stock: a
// SCRAP movement into the scrap location with one allocation per line
// at the lot's current unit cost. Nothing is restocked and the
// scrapped quantity is not checked against what was issued; scrap is a
// write-off.
func (s *Service) ScrapFromEmployee(ctx context.Context, input ScrapInput) (Movement, error) {
	if input.EmployeeID == 0 {
		return Movement{}, fmt.Errorf("%w: employee required", ErrInvalidInput)
	}
	opKey, err := normalizeOperationKey(input.OperationKey, true)
	if err != nil {
		return Movement{}, err
	}

	var (
		result   Movement
		replayed bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.FindMovementByOperationKey(ctx, opKey)
		if err != nil {
			return err
		}
		if existing != nil {
			result = *existing
			replayed = true
			return nil
		}

		empLoc, err := tx.EnsureLocation(ctx, LocationEmployee, input.EmployeeID, employeeLocationName(input.EmployeeID, input.EmployeeName))
		if err != nil {
			return err
		}
		scrapLoc, err := tx.EnsureLocation(ctx, LocationScrap, 0, "Scrap")
		if err != nil {
			return err
		}

		mv := Movement{
			TS:             s.now(),
			FromLocationID: empLoc.ID,
			ToLocationID:   scrapLoc.ID,
			Kind:           MovementScrap,
			OperationKey:   opKey,
		}
		mv.ID, err = tx.InsertMovement(ctx, mv)
		if err != nil {
			return err
		}

		for _, line := range input.Lines {
			if !line.Qty.IsPositive() {
				continue
			}
			lot, err := tx.GetLot(ctx, line.LotID)
			if err != nil {
				return err
			}
			if err := tx.InsertAllocation(ctx, MovementAllocation{
				MovementID: mv.ID,
				LotID:      lot.ID,
				Qty:        line.Qty,
				UnitCost:   lot.UnitCost,
			}); err != nil {
				return err
			}
		}
		result = mv
		return nil
	})
	if err != nil {
		if mv, rerr := s.resolveDuplicate(ctx, err, opKey); rerr == nil && mv != nil {
			return *mv, nil
		}
		return Movement{}, err
	}
	if !replayed {
		s.recordAudit(ctx, "ledger:scrap", result, map[string]any{
			"employee_id": input.EmployeeID,
			"reason":      input.Reason,
			"lines":       len(input.Lines),
		})
		s.invalidateHoldings(ctx, input.EmployeeID)
	}
	return result, nil
}

// resolveDuplicate handles the race where two callers insert the same
// operation key concurrently: the loser's unique-constraint violation
// resolves to the winner's committed movement.
func (s *Service) resolveDuplicate(ctx context.Context, err error, opKey string) (*Movement, error) {
	if !errors.Is(err, errDuplicateOperation) {
		return nil, err
	}
	return s.repo.FindMovementByOperationKey(ctx, opKey)
}

func (s *Service) recordAudit(ctx context.Context, action string, mv Movement, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "movement",
		EntityID: fmt.Sprintf("%d", mv.ID),
		Meta:     meta,
	})
}

func (s *Service) invalidateHoldings(ctx context.Context, employeeID int64) {
	if s.holdings == nil {
		return
	}
	_ = s.holdings.InvalidateHoldings(ctx, employeeID)
}

// normalizeOperationKey validates a caller-supplied key; when
// generateIfEmpty is set a fresh UUID stands in for an absent one.
func normalizeOperationKey(key string, generateIfEmpty bool) (string, error) {
	if key == "" {
		if !generateIfEmpty {
			return "", fmt.Errorf("%w: operation key required", ErrInvalidInput)
		}
		return uuid.NewString(), nil
	}
	if len(key) > maxOperationKeyLen {
		return "", fmt.Errorf("%w: operation key exceeds %d chars", ErrInvalidInput, maxOperationKeyLen)
	}
	return key, nil
}

func employeeLocationName(employeeID int64, name string) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("Employee %d", employeeID)
}
