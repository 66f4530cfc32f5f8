// Package quoting implements the Quoter: a per-symbol, stateful-across-calls
// (but pure-per-call given its own state) generator of quote ladders, plus
// its supporting numerics (volatility, rounding, linspace/geometric weights).
package quoting

import (
	"marketmaker/pkg/core"
)

// Config holds the per-symbol parameters the Quoter reads. NumOrders must be
// even; K = NumOrders/2 is the depth of each side's ladder.
type Config struct {
	Symbol               string
	NumOrders            int
	SpreadBps            float64
	GrossExposureDollars float64
	LotSize              float64
	TickSize             float64
	InventoryMaxDollars  float64
	EpsilonBps           float64
	GeometricRatio       float64 // default 0.6 if zero
}

// Quoter turns (lob, position, forced) into a list of order intents. It is
// stateful across calls (last_mid/prev_*_skew/prev_vol, used for gating, and
// its own private VolatilityEstimator), but is otherwise side-effect free —
// it never touches the OMS or the Exchange.
//
// The Quoter's VolatilityEstimator is intentionally independent from the one
// owned by LOBManager: LOBManager's estimator produces a *relative* vol
// (stdev/mid) carried on LOBSnapshot; this one produces an *absolute* stdev
// fed directly into base_range. The duplication is inherited from the
// reference implementation and preserved rather than unified (see
// DESIGN.md) — the two numbers feed genuinely different formulas.
type Quoter struct {
	cfg Config
	vol *VolatilityEstimator

	lastMid     float64
	prevBidSkew float64
	prevAskSkew float64
	prevVol     float64
	everQuoted  bool
}

// NewQuoter creates a Quoter for one symbol.
func NewQuoter(cfg Config) *Quoter {
	if cfg.GeometricRatio == 0 {
		cfg.GeometricRatio = 0.6
	}
	return &Quoter{
		cfg: cfg,
		vol: NewVolatilityEstimator(DefaultVolatilityWindow),
	}
}

// skew computes (bid_skew, ask_skew) from the signed position, per §4.5.
func (q *Quoter) skew(position float64) (bidSkew, askSkew float64) {
	invDelta := position / q.cfg.InventoryMaxDollars

	if invDelta < 0 {
		bidSkew = invDelta
	}
	if invDelta > 0 {
		askSkew = -invDelta
	}

	if position <= -q.cfg.InventoryMaxDollars {
		bidSkew = 1
	}
	if position >= q.cfg.InventoryMaxDollars {
		askSkew = 1
	}

	return abs(bidSkew), abs(askSkew)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// prices computes bid/ask price ladders. A nil slice for a side means that
// side is entirely suppressed.
//
// When bid_skew is forced to 1 (deeply short: position <= -inventory_max),
// only the BID side is emitted (to cover the short); asks are suppressed.
// When ask_skew is forced to 1 (deeply long), only the ASK side is emitted;
// bids are suppressed. This is the reference behavior verbatim — an earlier
// draft of this spec described it backwards ("bid_skew >= 1 cancels bids");
// the actual source code does the opposite, and the source is authoritative
// (see DESIGN.md open-question resolution #6).
func (q *Quoter) prices(mid, bidSkew, askSkew, vol float64) (bidPrices, askPrices []float64) {
	k := q.cfg.NumOrders / 2
	baseRange := (q.cfg.SpreadBps*mid)/10000 + vol

	bestBid := mid - baseRange/2
	bestAsk := mid + baseRange/2

	if bidSkew >= 1 {
		bidLower := mid - (baseRange / 2 * float64(k))
		return Linspace(bestBid, bidLower, k), nil
	}
	if askSkew >= 1 {
		askUpper := mid + (baseRange / 2 * float64(k))
		return nil, Linspace(bestAsk, askUpper, k)
	}

	bidLower := bestBid - (baseRange / 2 * (1 - bidSkew) * (1 + askSkew) * float64(k))
	askUpper := bestAsk + (baseRange / 2 * (1 - askSkew) * (1 + bidSkew) * float64(k))

	return Linspace(bestBid, bidLower, k), Linspace(bestAsk, askUpper, k)
}

// sizes computes the (identical) bid and ask size ladders: a geometric
// weighting of gross_exposure_dollars, reversed so the largest clip sits
// furthest from mid.
func (q *Quoter) sizes(mid float64) []float64 {
	k := q.cfg.NumOrders / 2
	weights := GeometricWeights(k, q.cfg.GeometricRatio)
	sizes := make([]float64, k)
	for i, w := range weights {
		sizes[i] = q.cfg.GrossExposureDollars * w / mid
	}
	reverse(sizes)
	return sizes
}

func reverse(xs []float64) {
	for i, j := 0, len(xs)-1; i < j; i, j = i+1, j-1 {
		xs[i], xs[j] = xs[j], xs[i]
	}
}

// Quote generates the next quote ladder. An empty (possibly nil) result
// means "no-op" — the caller should not touch the OMS.
func (q *Quoter) Quote(lob core.LOBSnapshot, position float64, forced bool) []core.Order {
	mid := lob.Mid

	// Degenerate book: no orders can be safely priced off a zero mid. Note
	// the reference _prices function never reads best_bid/best_ask at all —
	// it recomputes both from mid — so mid is the only field worth guarding.
	if mid <= 0 {
		q.lastMid = mid
		return nil
	}

	bidSkew, askSkew := q.skew(position)
	vol := q.vol.Update(mid)
	bidPrices, askPrices := q.prices(mid, bidSkew, askSkew, vol)
	sizes := q.sizes(mid)

	condition1 := (q.lastMid - mid) > (q.cfg.EpsilonBps*mid)/10000
	condition3 := (q.prevBidSkew - bidSkew) > (q.cfg.EpsilonBps*bidSkew)/10000
	condition4 := (q.prevAskSkew - askSkew) > (q.cfg.EpsilonBps*askSkew)/10000
	// Volatility gating is intentionally disabled: the reference source
	// hardcodes condition2 = False. Volatility still affects prices (via
	// base_range) but never gates emission.

	// The very first call has no real prior baseline — last_mid/prev_*_skew
	// sit at their zero-initialized sentinel, which (being a one-directional
	// "did it decrease" check) would otherwise silently swallow the cold
	// start's first quote whenever mid rose from that sentinel. Treat the
	// first call as always gating open; every subsequent call uses the
	// literal one-directional conditions.
	firstCall := !q.everQuoted
	q.everQuoted = true

	var orders []core.Order
	if condition1 || condition3 || condition4 || forced || firstCall {
		for i, p := range bidPrices {
			orders = append(orders, core.Order{
				Symbol:    q.cfg.Symbol,
				Side:      core.BUY,
				OrderType: core.OrderTypeLimit,
				Amount:    RoundStep(sizes[i], q.cfg.LotSize),
				Price:     RoundStep(p, q.cfg.TickSize),
			})
		}
		for i, p := range askPrices {
			orders = append(orders, core.Order{
				Symbol:    q.cfg.Symbol,
				Side:      core.SELL,
				OrderType: core.OrderTypeLimit,
				Amount:    RoundStep(sizes[i], q.cfg.LotSize),
				Price:     RoundStep(p, q.cfg.TickSize),
			})
		}
	}

	q.prevVol = vol
	q.prevBidSkew = bidSkew
	q.prevAskSkew = askSkew
	q.lastMid = mid

	return orders
}
