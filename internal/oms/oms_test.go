package oms

import (
	"context"
	"sync"
	"testing"
	"time"

	"marketmaker/pkg/core"
)

// fakeExchange records calls made against it; safe for concurrent use since
// OMS dispatches create/amend concurrently.
type fakeExchange struct {
	mu            sync.Mutex
	created       []core.Order
	amended       []core.Order
	bulkCancelled [][]core.Order
	cancelAllN    int
	createErr     error
}

func (f *fakeExchange) CreateOrder(_ context.Context, order core.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, order)
	return f.createErr
}

func (f *fakeExchange) AmendOrder(_ context.Context, order core.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.amended = append(f.amended, order)
	return nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, order core.Order) error {
	return nil
}

func (f *fakeExchange) BulkCancelOrder(_ context.Context, orders []core.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkCancelled = append(f.bulkCancelled, orders)
	return nil
}

func (f *fakeExchange) CancelAllOrders(_ context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAllN++
	return nil
}

func (f *fakeExchange) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func testConfig() Config {
	return Config{Symbol: "TEST", NumOrders: 4, TPDistance: 50, TickSize: 0.1}
}

func TestUpdatePlacesNewLevelsOnce(t *testing.T) {
	t.Parallel()
	exch := &fakeExchange{}
	o := New(testConfig(), exch, nil)
	lob := core.LOBSnapshot{Mid: 100}

	orders := []core.Order{
		{Symbol: "TEST", Side: core.BUY, OrderType: core.OrderTypeLimit, Price: 99.9, Amount: 1, Cloid: "BUY000"},
		{Symbol: "TEST", Side: core.SELL, OrderType: core.OrderTypeLimit, Price: 100.1, Amount: 1, Cloid: "SELL001"},
	}
	if err := o.Update(context.Background(), orders, lob); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if got := exch.createdCount(); got != 2 {
		t.Fatalf("expected 2 orders placed, got %d", got)
	}
	if got := o.PendingLevelCount(); got != 2 {
		t.Fatalf("expected 2 pending levels after placement, got %d", got)
	}
}

// TestSingleFlightSkipsAlreadyPendingLevel is the single-flight invariant:
// a second Update for the same level, before the exchange has confirmed the
// first placement (so the level is still pending and not yet matched in
// orders_state), must not issue a second placement for that level.
func TestSingleFlightSkipsAlreadyPendingLevel(t *testing.T) {
	t.Parallel()
	exch := &fakeExchange{}
	o := New(testConfig(), exch, nil)
	lob := core.LOBSnapshot{Mid: 100}

	order := core.Order{Symbol: "TEST", Side: core.BUY, OrderType: core.OrderTypeLimit, Price: 99.9, Amount: 1, Cloid: "BUY000"}

	if err := o.Update(context.Background(), []core.Order{order}, lob); err != nil {
		t.Fatalf("first Update error: %v", err)
	}
	if err := o.Update(context.Background(), []core.Order{order}, lob); err != nil {
		t.Fatalf("second Update error: %v", err)
	}

	if got := exch.createdCount(); got != 1 {
		t.Fatalf("single-flight violated: expected 1 placement total, got %d", got)
	}
}

// TestPendingFreshnessEvictsStaleLevel covers invariant 2: a pending entry
// older than the timeout is force-cleared on next lookup, letting a new
// placement for the same level through.
func TestPendingFreshnessEvictsStaleLevel(t *testing.T) {
	t.Parallel()
	exch := &fakeExchange{}
	o := New(testConfig(), exch, nil)

	o.addPendingLevel("000")
	o.pendingLevels["000"] = time.Now().Add(-11 * time.Second)

	if o.isLevelPending("000") {
		t.Fatal("a pending level older than the timeout should have been evicted")
	}
	if _, ok := o.pendingLevels["000"]; ok {
		t.Fatal("stale pending level should be removed from the map, not just reported absent")
	}
}

// TestOrderCountBoundTriggersCancelAll covers invariant 3: once order_count
// exceeds num_orders, Update triggers a cancel_all.
func TestOrderCountBoundTriggersCancelAll(t *testing.T) {
	t.Parallel()
	exch := &fakeExchange{}
	o := New(testConfig(), exch, nil)
	o.orderCount = o.numOrders + 1

	if err := o.Update(context.Background(), nil, core.LOBSnapshot{Mid: 100}); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if exch.cancelAllN != 1 {
		t.Fatalf("expected cancel_all to fire once on order-count overflow, got %d calls", exch.cancelAllN)
	}
}

func TestUpdateOrdersStateOverwriteTracksOrder(t *testing.T) {
	t.Parallel()
	exch := &fakeExchange{}
	o := New(testConfig(), exch, nil)

	o.UpdateOrdersState([]core.OrderUpdate{
		{Status: core.StatusNew, Order: core.Order{Oid: "oid-1", Cloid: "BUY000", Symbol: "TEST"}},
	})

	if o.OrderCount() != 1 {
		t.Fatalf("OrderCount() = %d, want 1 after a NEW overwrite", o.OrderCount())
	}
	if _, ok := o.ordersState["oid-1"]; !ok {
		t.Fatal("orders_state should contain the new order by oid")
	}
}

func TestUpdateOrdersStateFillTriggersTakeProfit(t *testing.T) {
	t.Parallel()
	exch := &fakeExchange{}
	o := New(testConfig(), exch, nil)

	o.UpdateOrdersState([]core.OrderUpdate{
		{Status: core.StatusNew, Order: core.Order{Oid: "oid-1", Cloid: "BUY000", Symbol: "TEST", Side: core.BUY, Price: 100, Amount: 1}},
	})
	o.UpdateOrdersState([]core.OrderUpdate{
		{Status: core.StatusFilled, Order: core.Order{Oid: "oid-1", Cloid: "BUY000", Symbol: "TEST"}},
	})

	if o.OrderCount() != 0 {
		t.Fatalf("OrderCount() = %d, want 0 after fill removes the order", o.OrderCount())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if exch.createdCount() >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := exch.createdCount(); got != 1 {
		t.Fatalf("expected a take-profit order placed after the fill, createdCount=%d", got)
	}
	exch.mu.Lock()
	last := exch.created[len(exch.created)-1]
	exch.mu.Unlock()
	if last.Side != core.SELL {
		t.Fatalf("TP for a BUY fill should be a SELL, got %v", last.Side)
	}
	if last.Cloid != "BUY000"+core.TPSuffix {
		t.Fatalf("TP cloid = %q, want %q", last.Cloid, "BUY000"+core.TPSuffix)
	}
}

func TestUpdateOrdersStateRejectedClearsPending(t *testing.T) {
	t.Parallel()
	exch := &fakeExchange{}
	o := New(testConfig(), exch, nil)
	o.addPendingLevel("000")

	o.UpdateOrdersState([]core.OrderUpdate{
		{Status: core.StatusRejected, Order: core.Order{Cloid: "BUY000", Symbol: "TEST"}},
	})

	if o.PendingLevelCount() != 0 {
		t.Fatalf("rejected order should clear its pending level, got %d pending", o.PendingLevelCount())
	}
}

// TestAmendOutOfBoundsPreservesCloidQuirk exercises the verbatim-preserved
// quirk where an amended order's Oid is set to the matched order's Cloid
// rather than its Oid (see DESIGN.md open-question resolution #2).
func TestAmendOutOfBoundsPreservesCloidQuirk(t *testing.T) {
	t.Parallel()
	exch := &fakeExchange{}
	o := New(testConfig(), exch, nil)

	o.UpdateOrdersState([]core.OrderUpdate{
		{Status: core.StatusNew, Order: core.Order{Oid: "oid-1", Cloid: "BUY000", Symbol: "TEST", Side: core.BUY, Price: 100, Amount: 1}},
	})

	// mid=100, old order at 100 -> distance_from_mid=0 -> buffer=0, so any
	// price != 100 is out of bounds.
	newOrder := core.Order{Symbol: "TEST", Side: core.BUY, OrderType: core.OrderTypeLimit, Price: 90, Amount: 1, Cloid: "BUY000"}
	if err := o.Update(context.Background(), []core.Order{newOrder}, core.LOBSnapshot{Mid: 100}); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(exch.amended) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	exch.mu.Lock()
	defer exch.mu.Unlock()
	if len(exch.amended) != 1 {
		t.Fatalf("expected 1 amend call, got %d", len(exch.amended))
	}
	if exch.amended[0].Oid != "BUY000" {
		t.Fatalf("amended order Oid = %q, want the matched order's Cloid %q", exch.amended[0].Oid, "BUY000")
	}
}

func TestSimpleUpdateCancelsThenPlaces(t *testing.T) {
	t.Parallel()
	exch := &fakeExchange{}
	o := New(testConfig(), exch, nil)

	orders := []core.Order{
		{Symbol: "TEST", Side: core.BUY, OrderType: core.OrderTypeLimit, Price: 99, Amount: 1, Cloid: "BUY000"},
	}
	if err := o.SimpleUpdate(context.Background(), orders); err != nil {
		t.Fatalf("SimpleUpdate error: %v", err)
	}
	if exch.cancelAllN != 1 {
		t.Fatalf("expected cancel_all once, got %d", exch.cancelAllN)
	}
	if exch.createdCount() != 1 {
		t.Fatalf("expected 1 order placed, got %d", exch.createdCount())
	}
}
