// Package lob maintains a per-symbol local mirror of the top-of-book price
// plus a running volatility estimate, derived entirely from whatever feed
// events the StreamProvider publishes.
package lob

import (
	"sync"

	"marketmaker/internal/quoting"
	"marketmaker/pkg/core"
)

// Manager tracks {mid, best_bid, best_ask, vol} for one symbol, plus its own
// copy of the latest USDC/USDT reference rate; nothing in the quoting path
// reads that rate. Concurrency-safe (mutex protected), mirroring the
// teacher's Book.
type Manager struct {
	mu sync.RWMutex

	mid          float64
	bestBid      float64
	bestAsk      float64
	vol          float64
	usdcusdtRate float64

	estimator *quoting.VolatilityEstimator
}

// NewManager creates a Manager with usdcusdt_rate defaulted to 1 (parity)
// until the first FX update arrives.
func NewManager() *Manager {
	return &Manager{
		usdcusdtRate: 1,
		estimator:    quoting.NewVolatilityEstimator(quoting.DefaultVolatilityWindow),
	}
}

// UpdateLOB folds in a new orderbook snapshot. vol is recomputed as
// stdev/mid — a *relative* volatility, distinct from the Quoter's own
// absolute estimator (see internal/quoting.Quoter's doc comment on why the
// two are kept independent).
func (m *Manager) UpdateLOB(payload core.OrderbookPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mid = payload.Mid
	m.bestBid = payload.BestBid
	m.bestAsk = payload.BestAsk

	stdev := m.estimator.Update(m.mid)
	if m.mid == 0 {
		m.vol = 0
		return
	}
	m.vol = stdev / m.mid
}

// Snapshot returns the current LOBSnapshot.
func (m *Manager) Snapshot() core.LOBSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return core.LOBSnapshot{
		Mid:     m.mid,
		BestBid: m.bestBid,
		BestAsk: m.bestAsk,
		Vol:     m.vol,
	}
}

// UpdateUSDCUSDTRate folds in the latest USDC/USDT mid rate.
func (m *Manager) UpdateUSDCUSDTRate(mid float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usdcusdtRate = mid
}

// USDCUSDTRate returns the latest known USDC/USDT mid rate.
func (m *Manager) USDCUSDTRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usdcusdtRate
}
