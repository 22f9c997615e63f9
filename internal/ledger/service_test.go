package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toolcrib/toolcrib/internal/money"
)

// memoryRepo emulates the PostgreSQL repository: transactions run
// serialized under one lock (standing in for row locks) and commit by
// swapping a deep copy back, so a failed callback leaves no trace.
type memoryRepo struct {
	mu    sync.Mutex
	state *memoryState
}

type memoryState struct {
	locations   []Location
	lots        map[int64]*Lot
	lotOrder    []int64
	movements   map[int64]Movement
	allocations []MovementAllocation
	documents   map[int64]Document
	lines       map[int64]DocumentLine
	opKeys      map[string]int64
	nextID      int64
}

type memoryTx struct {
	state *memoryState
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: &memoryState{
		lots:      make(map[int64]*Lot),
		movements: make(map[int64]Movement),
		documents: make(map[int64]Document),
		lines:     make(map[int64]DocumentLine),
		opKeys:    make(map[string]int64),
	}}
}

func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		locations:   append([]Location(nil), s.locations...),
		lots:        make(map[int64]*Lot, len(s.lots)),
		lotOrder:    append([]int64(nil), s.lotOrder...),
		movements:   make(map[int64]Movement, len(s.movements)),
		allocations: append([]MovementAllocation(nil), s.allocations...),
		documents:   make(map[int64]Document, len(s.documents)),
		lines:       make(map[int64]DocumentLine, len(s.lines)),
		opKeys:      make(map[string]int64, len(s.opKeys)),
		nextID:      s.nextID,
	}
	for id, lot := range s.lots {
		cp := *lot
		out.lots[id] = &cp
	}
	for id, mv := range s.movements {
		out.movements[id] = mv
	}
	for id, doc := range s.documents {
		out.documents[id] = doc
	}
	for id, line := range s.lines {
		out.lines[id] = line
	}
	for key, id := range s.opKeys {
		out.opKeys[key] = id
	}
	return out
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.state.clone()
	if err := fn(ctx, &memoryTx{state: work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memoryRepo) FindMovementByOperationKey(ctx context.Context, key string) (*Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.state.opKeys[key]; ok {
		mv := r.state.movements[id]
		return &mv, nil
	}
	return nil, nil
}

func (r *memoryRepo) lot(t *testing.T, id int64) Lot {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	lot, ok := r.state.lots[id]
	require.True(t, ok, "lot %d missing", id)
	return *lot
}

func (r *memoryRepo) allocationsFor(movementID int64) []MovementAllocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []MovementAllocation
	for _, a := range r.state.allocations {
		if a.MovementID == movementID {
			out = append(out, a)
		}
	}
	return out
}

func (r *memoryRepo) documentLines(documentID int64) []DocumentLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []DocumentLine
	for _, l := range r.state.lines {
		if l.DocumentID == documentID {
			out = append(out, l)
		}
	}
	return out
}

func (s *memoryState) next() int64 {
	s.nextID++
	return s.nextID
}

func (tx *memoryTx) EnsureLocation(ctx context.Context, kind LocationKind, employeeID int64, name string) (Location, error) {
	for _, loc := range tx.state.locations {
		if loc.Kind == kind && loc.EmployeeID == employeeID {
			return loc, nil
		}
	}
	loc := Location{ID: tx.state.next(), Name: name, Kind: kind, EmployeeID: employeeID}
	tx.state.locations = append(tx.state.locations, loc)
	return loc, nil
}

func (tx *memoryTx) FindMovementByOperationKey(ctx context.Context, key string) (*Movement, error) {
	if id, ok := tx.state.opKeys[key]; ok {
		mv := tx.state.movements[id]
		return &mv, nil
	}
	return nil, nil
}

func (tx *memoryTx) LockLotsByItemFIFO(ctx context.Context, itemID int64) ([]Lot, error) {
	var lots []Lot
	for _, id := range tx.state.lotOrder {
		lot := tx.state.lots[id]
		if lot.ItemID == itemID && lot.QtyAvailable.IsPositive() {
			lots = append(lots, *lot)
		}
	}
	// lotOrder is insertion order; sort by (created_at, id) like the
	// SQL does.
	for i := 1; i < len(lots); i++ {
		for j := i; j > 0; j-- {
			a, b := lots[j-1], lots[j]
			if a.CreatedAt.After(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID > b.ID) {
				lots[j-1], lots[j] = b, a
			}
		}
	}
	return lots, nil
}

func (tx *memoryTx) LockLot(ctx context.Context, lotID int64) (Lot, error) {
	if lot, ok := tx.state.lots[lotID]; ok {
		return *lot, nil
	}
	return Lot{}, fmt.Errorf("%w: lot %d", ErrNotFound, lotID)
}

func (tx *memoryTx) GetLot(ctx context.Context, lotID int64) (Lot, error) {
	return tx.LockLot(ctx, lotID)
}

func (tx *memoryTx) GetMovement(ctx context.Context, id int64) (Movement, error) {
	if mv, ok := tx.state.movements[id]; ok {
		return mv, nil
	}
	return Movement{}, fmt.Errorf("%w: movement %d", ErrNotFound, id)
}

func (tx *memoryTx) GetAllocation(ctx context.Context, movementID, lotID int64) (MovementAllocation, error) {
	for _, a := range tx.state.allocations {
		if a.MovementID == movementID && a.LotID == lotID {
			return a, nil
		}
	}
	return MovementAllocation{}, fmt.Errorf("%w: allocation (%d, %d)", ErrNotFound, movementID, lotID)
}

func (tx *memoryTx) OutstandingForCostIdentity(ctx context.Context, itemID, employeeLocationID int64, unitCost money.UnitCost) (money.Quantity, error) {
	held := money.Quantity{}
	for _, a := range tx.state.allocations {
		mv, ok := tx.state.movements[a.MovementID]
		if !ok {
			continue
		}
		lot, ok := tx.state.lots[a.LotID]
		if !ok || lot.ItemID != itemID || a.UnitCost.Cmp(unitCost) != 0 {
			continue
		}
		switch {
		case mv.Kind == MovementIssue && mv.ToLocationID == employeeLocationID:
			held = held.Add(a.Qty)
		case mv.Kind == MovementReturn && mv.FromLocationID == employeeLocationID:
			held = held.Sub(a.Qty)
		}
	}
	return held, nil
}

func (tx *memoryTx) InsertDocument(ctx context.Context, doc Document) (int64, error) {
	doc.ID = tx.state.next()
	tx.state.documents[doc.ID] = doc
	return doc.ID, nil
}

func (tx *memoryTx) InsertDocumentLine(ctx context.Context, line DocumentLine) (int64, error) {
	line.ID = tx.state.next()
	tx.state.lines[line.ID] = line
	return line.ID, nil
}

func (tx *memoryTx) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	lot.ID = tx.state.next()
	cp := lot
	tx.state.lots[lot.ID] = &cp
	tx.state.lotOrder = append(tx.state.lotOrder, lot.ID)
	return lot.ID, nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, mv Movement) (int64, error) {
	if _, ok := tx.state.opKeys[mv.OperationKey]; ok {
		return 0, fmt.Errorf("%w: %s", errDuplicateOperation, mv.OperationKey)
	}
	mv.ID = tx.state.next()
	tx.state.movements[mv.ID] = mv
	tx.state.opKeys[mv.OperationKey] = mv.ID
	return mv.ID, nil
}

func (tx *memoryTx) DecrementLotAvailable(ctx context.Context, lotID int64, take money.Quantity) (money.Quantity, error) {
	lot, ok := tx.state.lots[lotID]
	if !ok {
		return money.Quantity{}, fmt.Errorf("%w: lot %d", ErrNotFound, lotID)
	}
	lot.QtyAvailable = lot.QtyAvailable.Sub(take)
	return lot.QtyAvailable, nil
}

func (tx *memoryTx) InsertAllocation(ctx context.Context, alloc MovementAllocation) error {
	tx.state.allocations = append(tx.state.allocations, alloc)
	return nil
}

func qty(t *testing.T, s string) money.Quantity {
	t.Helper()
	q, err := money.QuantityFromString(s)
	require.NoError(t, err)
	return q
}

func cost(t *testing.T, s string) money.UnitCost {
	t.Helper()
	c, err := money.UnitCostFromString(s)
	require.NoError(t, err)
	return c
}

// seedLot records a receipt at the given instant and returns the lot.
func seedLot(t *testing.T, svc *Service, at time.Time, itemID int64, q money.Quantity, c money.UnitCost) Lot {
	t.Helper()
	svc.now = func() time.Time { return at }
	res, err := svc.RecordReceipt(context.Background(), ReceiptInput{
		DocumentID: 1,
		ItemID:     itemID,
		Qty:        q,
		UnitPrice:  c,
	})
	require.NoError(t, err)
	svc.now = time.Now
	return res.Lot
}

func TestIssueConsumesOldestLotsFirst(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, RetryConfig{})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	l1 := seedLot(t, svc, base, 42, qty(t, "5"), cost(t, "10.0000"))
	l2 := seedLot(t, svc, base.Add(time.Hour), 42, qty(t, "5"), cost(t, "12.0000"))

	mv, err := svc.Issue(ctx, IssueInput{EmployeeID: 7, ItemID: 42, Qty: qty(t, "7"), OperationKey: "op-issue-1"})
	require.NoError(t, err)
	require.Equal(t, MovementIssue, mv.Kind)

	allocs := repo.allocationsFor(mv.ID)
	require.Len(t, allocs, 2)
	require.Equal(t, l1.ID, allocs[0].LotID)
	require.Equal(t, "5.000", allocs[0].Qty.String())
	require.Equal(t, "10.0000", allocs[0].UnitCost.String())
	require.Equal(t, l2.ID, allocs[1].LotID)
	require.Equal(t, "2.000", allocs[1].Qty.String())
	require.Equal(t, "12.0000", allocs[1].UnitCost.String())

	require.Equal(t, "0.000", repo.lot(t, l1.ID).QtyAvailable.String())
	require.Equal(t, "3.000", repo.lot(t, l2.ID).QtyAvailable.String())
}

func TestIssueTieBreaksOnLotID(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, RetryConfig{})
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	l1 := seedLot(t, svc, at, 42, qty(t, "2"), cost(t, "10.0000"))
	l2 := seedLot(t, svc, at, 42, qty(t, "2"), cost(t, "11.0000"))

	mv, err := svc.Issue(ctx, IssueInput{EmployeeID: 7, ItemID: 42, Qty: qty(t, "3"), OperationKey: "op-tie"})
	require.NoError(t, err)

	allocs := repo.allocationsFor(mv.ID)
	require.Len(t, allocs, 2)
	require.Equal(t, l1.ID, allocs[0].LotID, "equal timestamps fall back to ascending id")
	require.Equal(t, l2.ID, allocs[1].LotID)
}

func TestIssueAllOrNothingOnShortage(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, RetryConfig{})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	l1 := seedLot(t, svc, base, 42, qty(t, "5"), cost(t, "10.0000"))
	l2 := seedLot(t, svc, base.Add(time.Hour), 42, qty(t, "5"), cost(t, "12.0000"))

	_, err := svc.Issue(ctx, IssueInput{EmployeeID: 7, ItemID: 42, Qty: qty(t, "11"), OperationKey: "op-short"})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, "1.000", insufficient.Shortfall.String())

	require.Equal(t, "5.000", repo.lot(t, l1.ID).QtyAvailable.String())
	require.Equal(t, "5.000", repo.lot(t, l2.ID).QtyAvailable.String())
}

func TestIssueIdempotentReplay(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, RetryConfig{})
	ctx := context.Background()

	l1 := seedLot(t, svc, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), 42, qty(t, "5"), cost(t, "10.0000"))

	first, err := svc.Issue(ctx, IssueInput{EmployeeID: 7, ItemID: 42, Qty: qty(t, "3"), OperationKey: "op-replay"})
	require.NoError(t, err)

	second, err := svc.Issue(ctx, IssueInput{EmployeeID: 7, ItemID: 42, Qty: qty(t, "3"), OperationKey: "op-replay"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	require.Equal(t, "2.000", repo.lot(t, l1.ID).QtyAvailable.String(), "lots decremented exactly once")
}

func TestReturnCreatesNewLotAndEnforcesLimit(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, RetryConfig{})
	ctx := context.Background()

	l1 := seedLot(t, svc, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), 42, qty(t, "5"), cost(t, "10.0000"))

	issueMv, err := svc.Issue(ctx, IssueInput{EmployeeID: 7, ItemID: 42, Qty: qty(t, "5"), OperationKey: "op-i"})
	require.NoError(t, err)

	retMv, err := svc.ReturnFromEmployee(ctx, ReturnInput{
		EmployeeID:   7,
		Lines:        []ReturnLine{{MovementID: issueMv.ID, LotID: l1.ID, Qty: qty(t, "5")}},
		OperationKey: "op-r1",
	})
	require.NoError(t, err)
	require.Equal(t, MovementReturn, retMv.Kind)

	allocs := repo.allocationsFor(retMv.ID)
	require.Len(t, allocs, 1)
	require.NotEqual(t, l1.ID, allocs[0].LotID, "returns re-materialize a new lot")
	newLot := repo.lot(t, allocs[0].LotID)
	require.Equal(t, "5.000", newLot.QtyAvailable.String())
	require.Equal(t, "5.000", newLot.QtyReceived.String())
	require.Equal(t, "10.0000", newLot.UnitCost.String())
	require.Equal(t, "0.000", repo.lot(t, l1.ID).QtyAvailable.String(), "original lot untouched by the return")

	_, err = svc.ReturnFromEmployee(ctx, ReturnInput{
		EmployeeID:   7,
		Lines:        []ReturnLine{{MovementID: issueMv.ID, LotID: l1.ID, Qty: qty(t, "1")}},
		OperationKey: "op-r2",
	})
	var invalid *InvalidAllocationError
	require.ErrorAs(t, err, &invalid)
	require.NotNil(t, invalid.Max)
	require.Equal(t, "0.000", invalid.Max.String())
}

func TestReturnAllowedAfterReissueAtSameCost(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, RetryConfig{})
	ctx := context.Background()

	l1 := seedLot(t, svc, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), 42, qty(t, "10"), cost(t, "10.0000"))

	// Full borrow/return cycle, then the same stock goes out again.
	first, err := svc.Issue(ctx, IssueInput{EmployeeID: 7, ItemID: 42, Qty: qty(t, "5"), OperationKey: "op-i1"})
	require.NoError(t, err)
	_, err = svc.ReturnFromEmployee(ctx, ReturnInput{
		EmployeeID:   7,
		Lines:        []ReturnLine{{MovementID: first.ID, LotID: l1.ID, Qty: qty(t, "5")}},
		OperationKey: "op-r1",
	})
	require.NoError(t, err)

	second, err := svc.Issue(ctx, IssueInput{EmployeeID: 7, ItemID: 42, Qty: qty(t, "5"), OperationKey: "op-i2"})
	require.NoError(t, err)
	secondAllocs := repo.allocationsFor(second.ID)
	require.Len(t, secondAllocs, 1)
	require.Equal(t, l1.ID, secondAllocs[0].LotID, "re-issue drains the oldest lot again")

	// The fresh allocation was never returned against, so returning it
	// must succeed even though an earlier return at this cost exists.
	retMv, err := svc.ReturnFromEmployee(ctx, ReturnInput{
		EmployeeID:   7,
		Lines:        []ReturnLine{{MovementID: second.ID, LotID: l1.ID, Qty: qty(t, "5")}},
		OperationKey: "op-r2",
	})
	require.NoError(t, err)
	require.Equal(t, MovementReturn, retMv.Kind)

	// Everything is back in the warehouse; nothing is left to return.
	_, err = svc.ReturnFromEmployee(ctx, ReturnInput{
		EmployeeID:   7,
		Lines:        []ReturnLine{{MovementID: first.ID, LotID: l1.ID, Qty: qty(t, "1")}},
		OperationKey: "op-r3",
	})
	var invalid *InvalidAllocationError
	require.ErrorAs(t, err, &invalid)
	require.NotNil(t, invalid.Max)
	require.Equal(t, "0.000", invalid.Max.String())
}

func TestReturnRejectsForeignEmployee(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, RetryConfig{})
	ctx := context.Background()

	l1 := seedLot(t, svc, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), 42, qty(t, "5"), cost(t, "10.0000"))

	issueMv, err := svc.Issue(ctx, IssueInput{EmployeeID: 7, ItemID: 42, Qty: qty(t, "5"), OperationKey: "op-i"})
	require.NoError(t, err)

	_, err = svc.ReturnFromEmployee(ctx, ReturnInput{
		EmployeeID:   8,
		Lines:        []ReturnLine{{MovementID: issueMv.ID, LotID: l1.ID, Qty: qty(t, "1")}},
		OperationKey: "op-foreign",
	})
	var invalid *InvalidAllocationError
	require.ErrorAs(t, err, &invalid)
	require.Nil(t, invalid.Max)
}

func TestReturnRejectsNonIssueMovement(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, RetryConfig{})
	ctx := context.Background()

	res, err := svc.RecordReceipt(ctx, ReceiptInput{DocumentID: 1, ItemID: 42, Qty: qty(t, "5"), UnitPrice: cost(t, "10.0000")})
	require.NoError(t, err)

	_, err = svc.ReturnFromEmployee(ctx, ReturnInput{
		EmployeeID:   7,
		Lines:        []ReturnLine{{MovementID: res.Movement.ID, LotID: res.Lot.ID, Qty: qty(t, "1")}},
		OperationKey: "op-bad-kind",
	})
	var invalid *InvalidAllocationError
	require.ErrorAs(t, err, &invalid)
}

func TestReturnIsAtomicAcrossLines(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, RetryConfig{})
	ctx := context.Background()

	l1 := seedLot(t, svc, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), 42, qty(t, "5"), cost(t, "10.0000"))

	issueMv, err := svc.Issue(ctx, IssueInput{EmployeeID: 7, ItemID: 42, Qty: qty(t, "5"), OperationKey: "op-i"})
	require.NoError(t, err)

	// Second line over-returns, so the whole call must write nothing.
	_, err = svc.ReturnFromEmployee(ctx, ReturnInput{
		EmployeeID: 7,
		Lines: []ReturnLine{
			{MovementID: issueMv.ID, LotID: l1.ID, Qty: qty(t, "2")},
			{MovementID: issueMv.ID, LotID: l1.ID, Qty: qty(t, "9")},
		},
		OperationKey: "op-partial",
	})
	var invalid *InvalidAllocationError
	require.ErrorAs(t, err, &invalid)

	repo.mu.Lock()
	for _, mv := range repo.state.movements {
		require.NotEqual(t, MovementReturn, mv.Kind, "no return movement may exist")
	}
	repo.mu.Unlock()
}

func TestReturnGroupsLinesByItemAndCost(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, RetryConfig{})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	l1 := seedLot(t, svc, base, 42, qty(t, "3"), cost(t, "10.0000"))
	l2 := seedLot(t, svc, base.Add(time.Hour), 42, qty(t, "3"), cost(t, "10.0000"))

	issueMv, err := svc.Issue(ctx, IssueInput{EmployeeID: 7, ItemID: 42, Qty: qty(t, "6"), OperationKey: "op-i"})
	require.NoError(t, err)

	retMv, err := svc.ReturnFromEmployee(ctx, ReturnInput{
		EmployeeID: 7,
		Lines: []ReturnLine{
			{MovementID: issueMv.ID, LotID: l1.ID, Qty: qty(t, "2")},
			{MovementID: issueMv.ID, LotID: l2.ID, Qty: qty(t, "1")},
		},
		OperationKey: "op-group",
	})
	require.NoError(t, err)

	allocs := repo.allocationsFor(retMv.ID)
	require.Len(t, allocs, 1, "same item and cost collapse into one group")
	require.Equal(t, "3.000", allocs[0].Qty.String())

	newLot := repo.lot(t, allocs[0].LotID)
	lines := repo.documentLines(repo.state.lines[newLot.DocumentLineID].DocumentID)
	require.Len(t, lines, 1)
	require.Equal(t, "3.000", lines[0].Qty.String())
	require.Equal(t, "30.00", lines[0].LineTotal.String())

	doc := repo.state.documents[lines[0].DocumentID]
	require.Equal(t, DocTypeReturn, doc.DocType)
	require.Equal(t, "30.00", doc.TotalNet.String())
}

func TestScrapIsTerminalAndUnlimited(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, RetryConfig{})
	ctx := context.Background()

	l1 := seedLot(t, svc, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), 42, qty(t, "5"), cost(t, "10.0000"))

	_, err := svc.Issue(ctx, IssueInput{EmployeeID: 7, ItemID: 42, Qty: qty(t, "3"), OperationKey: "op-i"})
	require.NoError(t, err)

	mv, err := svc.ScrapFromEmployee(ctx, ScrapInput{
		EmployeeID: 7,
		Lines: []ScrapLine{
			{LotID: l1.ID, Qty: qty(t, "2")},
			{LotID: l1.ID, Qty: qty(t, "0")}, // skipped
		},
		Reason: "bent beyond repair",
	})
	require.NoError(t, err)
	require.Equal(t, MovementScrap, mv.Kind)

	allocs := repo.allocationsFor(mv.ID)
	require.Len(t, allocs, 1)
	require.Equal(t, "2.000", allocs[0].Qty.String())
	require.Equal(t, "10.0000", allocs[0].UnitCost.String())

	// Scrap never restocks; warehouse availability is whatever the
	// issue left behind.
	require.Equal(t, "2.000", repo.lot(t, l1.ID).QtyAvailable.String())
}

func TestScrapUnknownLotFails(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, RetryConfig{})

	_, err := svc.ScrapFromEmployee(context.Background(), ScrapInput{
		EmployeeID: 7,
		Lines:      []ScrapLine{{LotID: 999, Qty: qty(t, "1")}},
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReceiptCreatesLotWithOneToOneAllocation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, RetryConfig{})

	res, err := svc.RecordReceipt(context.Background(), ReceiptInput{
		DocumentID: 5,
		ItemID:     42,
		Qty:        qty(t, "12.5"),
		UnitPrice:  cost(t, "3.2500"),
	})
	require.NoError(t, err)
	require.Equal(t, MovementReceipt, res.Movement.Kind)
	require.Equal(t, int64(0), res.Movement.FromLocationID, "stock enters from outside")
	require.Equal(t, "12.500", res.Lot.QtyReceived.String())
	require.Equal(t, "12.500", res.Lot.QtyAvailable.String())
	require.Equal(t, "40.63", res.Line.LineTotal.String(), "total derived when absent")

	allocs := repo.allocationsFor(res.Movement.ID)
	require.Len(t, allocs, 1)
	require.Equal(t, res.Lot.ID, allocs[0].LotID)
	require.Equal(t, "12.500", allocs[0].Qty.String())
}

func TestConcurrentIssuesExactlyOneSucceeds(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, RetryConfig{})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	l1 := seedLot(t, svc, base, 42, qty(t, "5"), cost(t, "10.0000"))
	l2 := seedLot(t, svc, base.Add(time.Hour), 42, qty(t, "5"), cost(t, "12.0000"))

	// Each caller wants more than half of the 10 available.
	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.Issue(ctx, IssueInput{
				EmployeeID:   int64(100 + n),
				ItemID:       42,
				Qty:          qty(t, "6"),
				OperationKey: fmt.Sprintf("op-conc-%d", n),
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var successes, shortages int
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		var insufficient *InsufficientStockError
		require.ErrorAs(t, err, &insufficient)
		shortages++
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, shortages)

	require.False(t, repo.lot(t, l1.ID).QtyAvailable.IsNegative())
	require.False(t, repo.lot(t, l2.ID).QtyAvailable.IsNegative())
	total := repo.lot(t, l1.ID).QtyAvailable.Add(repo.lot(t, l2.ID).QtyAvailable)
	require.Equal(t, "4.000", total.String())
}

func TestIssueValidatesInput(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil, RetryConfig{})
	ctx := context.Background()

	_, err := svc.Issue(ctx, IssueInput{ItemID: 42, Qty: qty(t, "1"), OperationKey: "k"})
	require.Error(t, err)

	_, err = svc.Issue(ctx, IssueInput{EmployeeID: 7, ItemID: 42, Qty: qty(t, "0"), OperationKey: "k"})
	require.Error(t, err)

	_, err = svc.Issue(ctx, IssueInput{EmployeeID: 7, ItemID: 42, Qty: qty(t, "1")})
	require.Error(t, err, "operation key is mandatory for issues")

	_, err = svc.Issue(ctx, IssueInput{EmployeeID: 7, ItemID: 42, Qty: qty(t, "1"), OperationKey: "0123456789012345678901234567890123456789"})
	require.Error(t, err, "operation key capped at 36 chars")
}

func TestReturnWithOnlyNonPositiveLines(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, RetryConfig{})

	_, err := svc.ReturnFromEmployee(context.Background(), ReturnInput{
		EmployeeID:   7,
		Lines:        []ReturnLine{{MovementID: 1, LotID: 1, Qty: qty(t, "0")}},
		OperationKey: "op-empty",
	})
	require.ErrorIs(t, err, ErrNothingToReturn)
}
