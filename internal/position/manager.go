// Package position tracks per-symbol signed net USD exposure, fed by
// position-update events from the exchange. Unlike the teacher's Inventory
// (which tracks per-token quantities, average entry price, and realized/
// unrealized PnL for a binary YES/NO market), this Manager holds a single
// signed dollar value per symbol — the Quoter only needs net exposure to
// compute skew, not P&L.
package position

import (
	"log/slog"
	"sync"

	"marketmaker/pkg/core"
)

// Manager is concurrency-safe (mutex protected), mirroring the teacher's
// RWMutex-guarded Inventory.
type Manager struct {
	mu                  sync.RWMutex
	inventoryMaxDollars float64
	logger              *slog.Logger
	positions           map[string]float64
}

// NewManager creates a Manager. inventoryMaxDollars is used only to decide
// when to log an over-exposure warning; the Quoter applies its own skew-cap
// independently.
func NewManager(inventoryMaxDollars float64, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		inventoryMaxDollars: inventoryMaxDollars,
		logger:              logger,
		positions:           make(map[string]float64),
	}
}

// UpdatePositions folds in a batch of position updates. A "CLOSED" status
// removes the symbol's entry entirely; anything else overwrites it with
// value*side (the signed net USD exposure).
func (m *Manager) UpdatePositions(updates []core.PositionUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range updates {
		if absf(u.Value) >= m.inventoryMaxDollars {
			m.logger.Warn("position over max inventory",
				"symbol", u.Symbol, "value", u.Value, "max", m.inventoryMaxDollars)
		}
		if u.Status == "CLOSED" {
			delete(m.positions, u.Symbol)
			continue
		}
		m.positions[u.Symbol] = u.Value * u.Side
	}
}

// GetPosition returns the signed net USD exposure for symbol, 0 if none.
func (m *Manager) GetPosition(symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.positions[symbol]
}

// GetAllPositions returns a snapshot copy of every tracked position.
func (m *Manager) GetAllPositions() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.positions))
	for k, v := range m.positions {
		out[k] = v
	}
	return out
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
