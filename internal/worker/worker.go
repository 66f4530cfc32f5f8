// Package worker implements the SymbolWorker: the per-symbol event loop that
// ties together LOBManager, PositionManager, Quoter, and OMS. One instance
// owns exactly one symbol's state, matching the reference implementation's
// single-threaded-per-symbol ownership model (translated here to a
// goroutine per worker; see SPEC_FULL.md §5 for the concurrency mapping).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketmaker/internal/eventbus"
	"marketmaker/internal/lob"
	"marketmaker/internal/metrics"
	"marketmaker/internal/oms"
	"marketmaker/internal/position"
	"marketmaker/internal/quoting"
	"marketmaker/pkg/core"
)

const (
	t2tLogEvery     = 100
	requoteLogEvery = 100
	errorBackoff    = 500 * time.Millisecond
)

// latencyStats accumulates count/sum/max for one named component, mirroring
// the reference implementation's _t2t_stats / _requote_stats dicts.
type latencyStats struct {
	count int64
	sum   float64
	max   float64
}

func (s *latencyStats) record(v float64) {
	s.count++
	s.sum += v
	if v > s.max {
		s.max = v
	}
}

func (s *latencyStats) avg() float64 {
	if s.count == 0 {
		return 0
	}
	return s.sum / float64(s.count)
}

// Worker runs the event loop for a single symbol.
type Worker struct {
	symbol         string
	exchSymbol     string
	bus            *eventbus.Bus
	logger         *slog.Logger
	minRequoteInt  time.Duration
	lastRequoteAt  time.Time

	quoter   *quoting.Quoter
	omsRef   *oms.OMS
	posMgr   *position.Manager
	lobMgr   *lob.Manager

	numOrders int

	cloidSeq int64

	mu          sync.Mutex
	t2tStats    map[string]*latencyStats
	requoteStat map[string]*latencyStats
}

// Config bundles the per-symbol parameters a Worker needs; its collaborators
// are passed to New separately. ExchSymbol
// is the exchange-facing symbol used to key position lookups (the reference
// implementation routes these through a SymbolConverter; here the caller
// supplies the already-converted value).
type Config struct {
	Symbol            string
	ExchSymbol        string
	NumOrders         int
	MinRequoteInterval time.Duration
}

// New creates a Worker. The caller constructs and owns the Quoter, OMS,
// PositionManager, and LOBManager — this Worker only orchestrates them.
func New(cfg Config, bus *eventbus.Bus, q *quoting.Quoter, o *oms.OMS, pm *position.Manager, lm *lob.Manager, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	exchSymbol := cfg.ExchSymbol
	if exchSymbol == "" {
		exchSymbol = cfg.Symbol
	}
	return &Worker{
		symbol:        cfg.Symbol,
		exchSymbol:    exchSymbol,
		bus:           bus,
		logger:        logger,
		minRequoteInt: cfg.MinRequoteInterval,
		quoter:        q,
		omsRef:        o,
		posMgr:        pm,
		lobMgr:        lm,
		numOrders:     cfg.NumOrders,
		t2tStats:      make(map[string]*latencyStats),
		requoteStat: map[string]*latencyStats{
			"quote_gen": {},
			"oms_update": {},
			"total":     {},
		},
	}
}

// Boot performs the one-time startup resync: cancel everything resting on
// the exchange and place a fresh ladder, ahead of the first event-driven
// requote. Mirrors the reference implementation calling simple_update once
// before _process_events begins.
func (w *Worker) Boot(ctx context.Context) error {
	snap := w.lobMgr.Snapshot()
	pos := w.posMgr.GetPosition(w.exchSymbol)
	orders := w.quoter.Quote(snap, pos, true)
	w.assignCloids(orders)
	if err := w.omsRef.SimpleUpdate(ctx, orders); err != nil {
		return fmt.Errorf("worker %s: boot simple_update: %w", w.symbol, err)
	}
	return nil
}

// Run drives the event loop until ctx is cancelled. Per-event panics are not
// recovered (Go convention — a true panic should crash loudly); ordinary
// handler errors are caught, logged, and the loop backs off 500ms before
// resuming, mirroring the reference's except/sleep policy.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", "symbol", w.symbol)
	for {
		event, err := w.bus.Get(ctx, w.symbol)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopped", "symbol", w.symbol)
				return
			}
			w.logger.Error("queue closed or unknown key, exiting", "symbol", w.symbol, "err", err)
			return
		}

		if err := w.processEvent(ctx, event); err != nil {
			w.logger.Error("error processing event", "symbol", w.symbol, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
		}
	}
}

func (w *Worker) processEvent(ctx context.Context, event core.Event) error {
	t2tMs := float64(core.NowMs()-event.TsMs)
	w.recordT2T(event.EventType, t2tMs)
	metrics.EventT2TMs.WithLabelValues(event.EventType).Observe(t2tMs)

	switch event.EventType {
	case core.EventOrderbook:
		payload, err := decodePayload[core.OrderbookPayload](event.Data)
		if err != nil {
			return err
		}
		w.lobMgr.UpdateLOB(payload)
		return w.requote(ctx, false)

	case core.EventPosition:
		payload, err := decodePayload[[]core.PositionUpdate](event.Data)
		if err != nil {
			return err
		}
		w.posMgr.UpdatePositions(payload)
		return w.requote(ctx, false)

	case core.EventOrder:
		payload, err := decodePayload[[]core.OrderUpdate](event.Data)
		if err != nil {
			return err
		}
		// The reference implementation's update_orders_state never actually
		// returns a value despite being treated as a bool by its caller, so
		// order updates never trigger a requote there either — only
		// fill-driven take-profit placement happens inside OMS itself.
		w.omsRef.UpdateOrdersState(payload)
		return nil

	case core.EventUSDCUSDT:
		payload, err := decodePayload[float64](event.Data)
		if err != nil {
			return err
		}
		w.lobMgr.UpdateUSDCUSDTRate(payload)
		return w.requote(ctx, false)

	default:
		w.logger.Debug("no handler for event type", "symbol", w.symbol, "event_type", event.EventType)
		return nil
	}
}

// decodePayload accepts either a raw T (the common, same-process path) or a
// JSON-encoded string (the cross-process/wire path), matching the reference
// implementation's `json.loads(data) if isinstance(data, str) else data`.
func decodePayload[T any](data any) (T, error) {
	var zero T
	switch v := data.(type) {
	case T:
		return v, nil
	case string:
		var out T
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return zero, fmt.Errorf("decode payload: %w", err)
		}
		return out, nil
	default:
		return zero, fmt.Errorf("decode payload: unexpected type %T", data)
	}
}

func (w *Worker) recordT2T(eventType string, ms float64) {
	w.mu.Lock()
	stats, ok := w.t2tStats[eventType]
	if !ok {
		stats = &latencyStats{}
		w.t2tStats[eventType] = stats
	}
	stats.record(ms)
	count := stats.count
	avg := stats.avg()
	max := stats.max
	w.mu.Unlock()

	if count%t2tLogEvery == 0 {
		w.logger.Info("t2t stats",
			"symbol", w.symbol, "event_type", eventType, "last_ms", ms, "avg_ms", avg, "max_ms", max, "count", count)
	}
}

func (w *Worker) recordRequoteLatency(component string, us float64) {
	w.mu.Lock()
	stats := w.requoteStat[component]
	stats.record(us)
	count := stats.count
	w.mu.Unlock()

	metrics.RequoteLatencyUs.WithLabelValues(component).Observe(us)

	if component == "total" && count%requoteLogEvery == 0 {
		w.logRequoteStats(count)
	}
}

func (w *Worker) logRequoteStats(count int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for component, stats := range w.requoteStat {
		if stats.count == 0 {
			continue
		}
		w.logger.Info("requote latency stats",
			"symbol", w.symbol, "component", component, "avg_us", stats.avg(), "max_us", stats.max, "over", count)
	}
}

// requote is the core per-event action: read current LOB/position state,
// ask the Quoter for a ladder, and hand any non-empty result to the OMS.
// Gated by minRequoteInt unless forced.
func (w *Worker) requote(ctx context.Context, forced bool) error {
	now := time.Now()
	if !forced && now.Sub(w.lastRequoteAt) < w.minRequoteInt {
		return nil
	}
	w.lastRequoteAt = now

	t1 := time.Now()
	snap := w.lobMgr.Snapshot()
	pos := w.posMgr.GetPosition(w.exchSymbol)
	orders := w.quoter.Quote(snap, pos, forced)
	t2 := time.Now()

	if len(orders) == 0 {
		return nil
	}

	w.assignCloids(orders)
	metrics.OrderCount.WithLabelValues(w.symbol).Set(float64(w.omsRef.OrderCount()))
	metrics.RequotesTotal.WithLabelValues(w.symbol).Inc()

	if err := w.omsRef.Update(ctx, orders, snap); err != nil {
		return fmt.Errorf("oms update: %w", err)
	}
	t3 := time.Now()

	metrics.PendingLevels.WithLabelValues(w.symbol).Set(float64(w.omsRef.PendingLevelCount()))

	w.recordRequoteLatency("quote_gen", float64(t2.Sub(t1).Microseconds()))
	w.recordRequoteLatency("oms_update", float64(t3.Sub(t2).Microseconds()))
	w.recordRequoteLatency("total", float64(t3.Sub(t1).Microseconds()))
	return nil
}

// assignCloids stamps a level tag onto each order the Quoter produced. Bid
// and ask ladders use disjoint numeric ranges (000-series for bids, 500-
// series for asks) within the shared 000-999 tag namespace, so a bid and an
// ask at the same ladder depth never collide on the single-flight lock. The
// Quoter itself never sets Cloid — per pkg/core's Order doc comment, that is
// this call site's job.
func (w *Worker) assignCloids(orders []core.Order) {
	bidIdx, askIdx := 0, 0
	for i := range orders {
		w.cloidSeq++
		var tag int
		if orders[i].Side == core.BUY {
			tag = bidIdx
			bidIdx++
		} else {
			tag = askIdx + 500
			askIdx++
		}
		orders[i].Cloid = fmt.Sprintf("%s-%d-%03d", w.symbol, w.cloidSeq, tag)
	}
}
