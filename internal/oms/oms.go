// Package oms implements per-symbol order-management reconciliation: the
// single-flight level-pending bookkeeping, the order state machine
// (overwrite/remove/reject), out-of-bounds amend-vs-place decisions, and
// fire-and-forget take-profit placement on fills.
package oms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"marketmaker/internal/quoting"
	"marketmaker/pkg/core"
)

// Exchange is the capability OMS needs from a trading venue. Defined on the
// consumer side (OMS), per §6's external-interface boundary — the concrete
// driver lives in internal/exchange and is shared (and must be internally
// safe for concurrent use) across every symbol's OMS.
type Exchange interface {
	CreateOrder(ctx context.Context, order core.Order) error
	AmendOrder(ctx context.Context, order core.Order) error
	CancelOrder(ctx context.Context, order core.Order) error
	BulkCancelOrder(ctx context.Context, orders []core.Order) error
	CancelAllOrders(ctx context.Context, symbol string) error
}

const pendingTimeout = 10 * time.Second

// OMS reconciles a stream of desired order intents (from the Quoter) against
// the exchange's authoritative order-update stream, for a single symbol.
// Every exported method that touches orders_state/pending_levels/order_count
// must hold mu for its full critical section — this is what preserves the
// "no interleaving between enqueue and pending-mark" guarantee that the
// reference implementation got for free from single-threaded cooperative
// scheduling (see SPEC_FULL.md §5).
type OMS struct {
	mu sync.Mutex

	symbol     string
	numOrders  int
	tpDistance float64
	tickSize   float64

	exch   Exchange
	logger *slog.Logger

	ordersState   map[string]core.Order // oid -> order
	pendingLevels map[string]time.Time  // level tag -> added-at
	orderCount    int
}

// Config holds the per-symbol parameters OMS reads.
type Config struct {
	Symbol     string
	NumOrders  int
	TPDistance float64
	TickSize   float64
}

// New creates an OMS for one symbol.
func New(cfg Config, exch Exchange, logger *slog.Logger) *OMS {
	if logger == nil {
		logger = slog.Default()
	}
	return &OMS{
		symbol:        cfg.Symbol,
		numOrders:     cfg.NumOrders,
		tpDistance:    cfg.TPDistance,
		tickSize:      cfg.TickSize,
		exch:          exch,
		logger:        logger,
		ordersState:   make(map[string]core.Order),
		pendingLevels: make(map[string]time.Time),
	}
}

// OrderCount returns the current count of non-TP tracked orders.
func (o *OMS) OrderCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.orderCount
}

// PendingLevelCount returns the number of levels currently marked pending.
func (o *OMS) PendingLevelCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pendingLevels)
}

func (o *OMS) addPendingLevel(level string) {
	o.pendingLevels[level] = time.Now()
}

func (o *OMS) removePendingLevel(level string) {
	delete(o.pendingLevels, level)
}

// cleanupStalePending evicts level if it has been pending longer than
// pendingTimeout. Must be called with mu held.
func (o *OMS) cleanupStalePending(level string) {
	addedAt, ok := o.pendingLevels[level]
	if !ok {
		return
	}
	if time.Since(addedAt) > pendingTimeout {
		o.logger.Warn("cleaning up stale pending level", "symbol", o.symbol, "level", level)
		delete(o.pendingLevels, level)
	}
}

// isLevelPending reports whether level is pending, lazily evicting it first
// if it has gone stale. Must be called with mu held.
func (o *OMS) isLevelPending(level string) bool {
	o.cleanupStalePending(level)
	_, ok := o.pendingLevels[level]
	return ok
}

// UpdateOrdersState applies a batch of order-update records to local state.
// It returns nothing; non-TP fills in the batch trigger take-profit placement
// in a detached goroutine (TP fills do not recurse).
func (o *OMS) UpdateOrdersState(updates []core.OrderUpdate) {
	var filled []core.Order

	o.mu.Lock()
	for _, u := range updates {
		level := u.Order.LevelTag()
		isTP := u.Order.IsTakeProfit()

		switch {
		case u.Status.IsOverwrite():
			if u.Order.Oid == "" {
				o.logger.Error("order has no oid", "symbol", o.symbol, "cloid", u.Order.Cloid)
				if level != "" && !isTP {
					o.removePendingLevel(level)
				}
				continue
			}
			o.ordersState[u.Order.Oid] = u.Order
			if !isTP {
				o.orderCount++
				o.removePendingLevel(level)
			}

		case u.Status.IsRemove():
			if existing, ok := o.ordersState[u.Order.Oid]; ok {
				if u.Status == core.StatusFilled && !isTP {
					o.logger.Info("fill",
						"symbol", o.symbol, "amount", existing.Amount, "price", existing.Price)
					filled = append(filled, existing)
				}
				delete(o.ordersState, u.Order.Oid)
				if !isTP {
					o.orderCount--
					o.removePendingLevel(level)
				}
			}

		case u.Status.IsRejected():
			o.logger.Info("order rejected", "symbol", o.symbol, "cloid", u.Order.Cloid)
			o.removePendingLevel(level)
		}
	}
	o.mu.Unlock()

	if len(filled) > 0 {
		o.logger.Info("placing take profits", "symbol", o.symbol, "count", len(filled))
		go o.placeTakeProfits(filled)
	}
}

// placeTakeProfits fires the opposite-side TP order for each fill. Runs
// detached from the caller (fire-and-forget), matching the reference
// implementation's asyncio.create_task: a failure here is logged only — the
// next order-update cycle is the recovery path, per §7.
func (o *OMS) placeTakeProfits(filled []core.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tpOrders := make([]core.Order, 0, len(filled))
	for _, order := range filled {
		// TP for a BUY fill sells higher; for a SELL fill it buys lower.
		price := order.Price * (1 + o.tpDistance/10000)
		if order.Side != core.BUY {
			price = order.Price * (1 - o.tpDistance/10000)
		}
		tpOrders = append(tpOrders, core.Order{
			Symbol:    o.symbol,
			Side:      order.Side.Opposite(),
			Amount:    order.Amount,
			Price:     quoting.RoundStep(price, o.tickSize),
			OrderType: core.OrderTypeLimit,
			Cloid:     order.Cloid + core.TPSuffix,
		})
	}

	if err := o.placeOrders(ctx, tpOrders); err != nil {
		o.logger.Error("failed to place take profits", "symbol", o.symbol, "err", err)
		return
	}
	o.logger.Info("placed take profit orders", "symbol", o.symbol, "count", len(tpOrders))
}

// findMatchedOrder returns the currently-tracked order whose level tag
// matches candidate's, or (core.Order{}, false) if none.
func (o *OMS) findMatchedOrder(candidate core.Order) (core.Order, bool) {
	level := candidate.LevelTag()
	for _, existing := range o.ordersState {
		if existing.LevelTag() == level {
			return existing, true
		}
	}
	return core.Order{}, false
}

// isOutOfBounds reports whether newOrder's price has drifted beyond a
// sensitivity-scaled band around oldOrder's distance from mid.
func isOutOfBounds(oldOrder core.Order, newOrder core.Order, mid, sensitivity float64) bool {
	distanceFromMid := absf(oldOrder.Price - mid)
	buffer := distanceFromMid * sensitivity
	if newOrder.Price > oldOrder.Price+buffer {
		return true
	}
	if newOrder.Price < oldOrder.Price-buffer {
		return true
	}
	return false
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

const outOfBoundsSensitivity = 0.1

// Update reconciles a freshly-generated ladder of desired orders against
// current OMS state, for one requote cycle. New levels are placed; levels
// whose matched existing order has drifted out of bounds are amended;
// pending levels are skipped before any matching (another operation is already
// in flight for that level — the single-flight invariant). Placement,
// cancellation, and amendment are dispatched concurrently via errgroup,
// mirroring the reference implementation's asyncio.gather.
func (o *OMS) Update(ctx context.Context, newOrders []core.Order, lob core.LOBSnapshot) error {
	mid := lob.Mid

	var markets, limits, amends []core.Order
	// cancels is always empty today: nothing in this update path currently
	// produces an explicit level cancellation (out-of-range levels rely on
	// the order_count safety net below, per §9/DESIGN.md resolution #3 and
	// #4). Kept as plumbing so a future explicit-cancel path has somewhere
	// to put its orders without changing this function's shape.
	var cancels []core.Order

	o.mu.Lock()
	for _, order := range newOrders {
		switch order.OrderType {
		case core.OrderTypeMarket:
			markets = append(markets, order)
			continue
		}

		level := order.LevelTag()
		if o.isLevelPending(level) {
			o.logger.Warn("skipping level, already pending", "symbol", o.symbol, "level", level)
			continue
		}

		matched, ok := o.findMatchedOrder(order)
		if ok {
			if isOutOfBounds(matched, order, mid, outOfBoundsSensitivity) {
				o.addPendingLevel(level)
				// Reference-implementation quirk, preserved verbatim: the
				// amended order's oid is set to the matched order's cloid,
				// not its oid. See DESIGN.md open-question resolution #2.
				order.Oid = matched.Cloid
				amends = append(amends, order)
			}
			continue
		}
		o.addPendingLevel(level)
		limits = append(limits, order)
	}
	o.mu.Unlock()

	if len(markets) > 0 {
		if err := o.placeOrders(ctx, markets); err != nil {
			o.logger.Error("market order placement failed", "symbol", o.symbol, "err", err)
		}
		if err := o.cancelAll(ctx); err != nil {
			o.logger.Error("cancel_all after market order failed", "symbol", o.symbol, "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(cancels) > 0 {
		orders := cancels
		g.Go(func() error { return o.cancelOrders(gctx, orders) })
	}
	if len(limits) > 0 {
		orders := limits
		g.Go(func() error { return o.placeOrders(gctx, orders) })
	}
	if len(amends) > 0 {
		orders := amends
		g.Go(func() error { return o.amendOrders(gctx, orders) })
	}
	if err := g.Wait(); err != nil {
		o.logger.Error("update dispatch failed", "symbol", o.symbol, "err", err)
	}

	o.mu.Lock()
	count := o.orderCount
	over := count > o.numOrders
	o.mu.Unlock()

	if over {
		o.logger.Warn("exceeding max orders, cancelling all",
			"symbol", o.symbol, "order_count", count, "num_orders", o.numOrders)
		if err := o.cancelAll(ctx); err != nil {
			o.logger.Error("cancel_all after order-count overflow failed", "symbol", o.symbol, "err", err)
		}
	}
	return nil
}

// SimpleUpdate cancels every resting order and places new_orders fresh. Used
// once at boot (before the first requote) and anywhere a full resync beats
// incremental reconciliation.
func (o *OMS) SimpleUpdate(ctx context.Context, newOrders []core.Order) error {
	if err := o.cancelAll(ctx); err != nil {
		return fmt.Errorf("oms %s: simple update cancel_all: %w", o.symbol, err)
	}
	if err := o.placeOrders(ctx, newOrders); err != nil {
		return fmt.Errorf("oms %s: simple update place_orders: %w", o.symbol, err)
	}
	return nil
}

func (o *OMS) cancelAll(ctx context.Context) error {
	if err := o.exch.CancelAllOrders(ctx, o.symbol); err != nil {
		o.logger.Warn("cancel_all failed", "symbol", o.symbol, "err", err)
		return err
	}
	o.mu.Lock()
	o.pendingLevels = make(map[string]time.Time)
	o.mu.Unlock()
	return nil
}

func (o *OMS) cancelOrders(ctx context.Context, orders []core.Order) error {
	if err := o.exch.BulkCancelOrder(ctx, orders); err != nil {
		o.logger.Warn("bulk cancel failed", "symbol", o.symbol, "err", err)
		return err
	}
	return nil
}

// placeOrders dispatches one create_order call per order concurrently; a
// single order's failure is logged and does not cancel its siblings.
func (o *OMS) placeOrders(ctx context.Context, orders []core.Order) error {
	var wg sync.WaitGroup
	for _, order := range orders {
		order := order
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.exch.CreateOrder(ctx, order); err != nil {
				o.logger.Error("order placement failed", "symbol", o.symbol, "cloid", order.Cloid, "err", err)
			}
		}()
	}
	wg.Wait()
	return nil
}

// amendOrders dispatches one amend_order call per order concurrently.
func (o *OMS) amendOrders(ctx context.Context, orders []core.Order) error {
	var wg sync.WaitGroup
	for _, order := range orders {
		order := order
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.exch.AmendOrder(ctx, order); err != nil {
				o.logger.Error("order amend failed", "symbol", o.symbol, "cloid", order.Cloid, "err", err)
			}
		}()
	}
	wg.Wait()
	return nil
}
