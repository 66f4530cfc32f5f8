// Package stream implements the StreamProvider: the external collaborator
// that publishes normalized market-data and account events into the
// EventBus. A single WebSocket connection carries two logical channels:
//
//   - Orderbook (public): one subscription per configured symbol, pushing
//     top-of-book snapshots keyed by that symbol.
//
//   - Account (authenticated, duplex): one subscription covering every
//     symbol at once. Position and order-lifecycle records arrive on this
//     single channel and are routed to the matching symbol's queue by the
//     record's own symbol field.
//
// The connection auto-reconnects with exponential backoff (1s -> 30s max)
// and re-subscribes to both channels on every reconnect, generalizing the
// reference exchange package's WebSocket feed to this duplex shape.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketmaker/internal/eventbus"
	"marketmaker/internal/exchange"
	"marketmaker/pkg/core"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	orderbookDepth   = "1"
)

// Provider is the concrete StreamProvider.
type Provider struct {
	url     string
	auth    *exchange.Auth
	symbols []string
	bus     *eventbus.Bus
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
}

// New creates a Provider. symbols is the fixed set of stream keys it will
// ever publish to — matching the EventBus's own fixed key set.
func New(wsURL string, auth *exchange.Auth, symbols []string, bus *eventbus.Bus, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		url:     wsURL,
		auth:    auth,
		symbols: symbols,
		bus:     bus,
		logger:  logger.With("component", "stream"),
	}
}

// Run connects and maintains the feed, reconnecting on any read/dial error.
// Blocks until ctx is cancelled.
func (p *Provider) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := p.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the underlying connection, if any.
func (p *Provider) Close() error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Provider) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()

	defer func() {
		p.connMu.Lock()
		conn.Close()
		p.conn = nil
		p.connMu.Unlock()
	}()

	if err := p.subscribeOrderbooks(); err != nil {
		return fmt.Errorf("subscribe orderbooks: %w", err)
	}
	if err := p.subscribeAccount(); err != nil {
		return fmt.Errorf("subscribe account: %w", err)
	}
	p.logger.Info("stream connected", "symbols", p.symbols)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go p.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		if err := p.dispatch(ctx, msg); err != nil {
			p.logger.Error("dispatch stream message", "error", err)
		}
	}
}

// subscribeMsg is the outbound subscribe/unsubscribe request shape.
type subscribeMsg struct {
	Op      string                `json:"op"`
	Channel string                `json:"channel"`
	Symbol  string                `json:"symbol,omitempty"`
	Depth   string                `json:"depth,omitempty"`
	Auth    *exchange.Credentials `json:"auth,omitempty"`
}

func (p *Provider) subscribeOrderbooks() error {
	for _, symbol := range p.symbols {
		msg := subscribeMsg{Op: "subscribe", Channel: "orderbook", Symbol: symbol, Depth: orderbookDepth}
		if err := p.writeJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) subscribeAccount() error {
	creds := p.auth.CredentialsForFeed()
	return p.writeJSON(subscribeMsg{Op: "subscribe", Channel: "account", Auth: &creds})
}

// wireOrderbook is the inbound shape for event_type "orderbook".
type wireOrderbook struct {
	Symbol  string  `json:"symbol"`
	Mid     float64 `json:"mid"`
	BestBid struct {
		Price float64 `json:"price"`
	} `json:"best_bid"`
	BestAsk struct {
		Price float64 `json:"price"`
	} `json:"best_ask"`
}

func (w wireOrderbook) toCore() core.OrderbookPayload {
	return core.OrderbookPayload{Mid: w.Mid, BestBid: w.BestBid.Price, BestAsk: w.BestAsk.Price}
}

// wirePositionUpdate is the inbound shape for event_type "position".
type wirePositionUpdate struct {
	Symbol string  `json:"symbol"`
	Status string  `json:"status"`
	Value  float64 `json:"value"`
	Side   float64 `json:"side"`
}

func (w wirePositionUpdate) toCore() core.PositionUpdate {
	return core.PositionUpdate{Symbol: w.Symbol, Status: w.Status, Value: w.Value, Side: w.Side}
}

// wireOrderUpdate is the inbound shape for event_type "order".
type wireOrderUpdate struct {
	Status string `json:"status"`
	Order  struct {
		Symbol string  `json:"symbol"`
		Side   string  `json:"side"`
		Type   string  `json:"type"`
		Amount float64 `json:"amount"`
		Price  float64 `json:"price"`
		Cloid  string  `json:"cloid"`
		Oid    string  `json:"oid"`
		TP     float64 `json:"tp"`
	} `json:"order"`
}

func (w wireOrderUpdate) toCore() core.OrderUpdate {
	return core.OrderUpdate{
		Status: core.OrderStatus(w.Status),
		Order: core.Order{
			Symbol:    w.Order.Symbol,
			Side:      core.Side(w.Order.Side),
			OrderType: core.OrderType(w.Order.Type),
			Amount:    w.Order.Amount,
			Price:     w.Order.Price,
			Cloid:     w.Order.Cloid,
			Oid:       w.Order.Oid,
			TP:        w.Order.TP,
		},
	}
}

// wireFXRate is the inbound shape for event_type "USDCUSDT".
type wireFXRate struct {
	Rate float64 `json:"rate"`
}

// dispatch decodes one inbound message by its event_type and routes the
// normalized payload into the EventBus. Orderbook and order/position records
// carry their own symbol and go to that symbol's queue alone; the FX rate
// has no symbol of its own and is fanned out to every configured symbol, so
// every worker's LOBManager.UpdateUSDCUSDTRate hook observes it.
func (p *Provider) dispatch(ctx context.Context, data []byte) error {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		p.logger.Debug("ignoring non-json stream message", "data", string(data))
		return nil
	}

	switch envelope.EventType {
	case core.EventOrderbook:
		var w wireOrderbook
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("unmarshal orderbook: %w", err)
		}
		_, err := p.bus.Put(ctx, w.Symbol, core.EventOrderbook, w.toCore())
		return err

	case core.EventPosition:
		var w wirePositionUpdate
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("unmarshal position: %w", err)
		}
		_, err := p.bus.Put(ctx, w.Symbol, core.EventPosition, []core.PositionUpdate{w.toCore()})
		return err

	case core.EventOrder:
		var w wireOrderUpdate
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("unmarshal order: %w", err)
		}
		_, err := p.bus.Put(ctx, w.Order.Symbol, core.EventOrder, []core.OrderUpdate{w.toCore()})
		return err

	case core.EventUSDCUSDT:
		var w wireFXRate
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("unmarshal usdcusdt: %w", err)
		}
		for _, symbol := range p.symbols {
			if _, err := p.bus.Put(ctx, symbol, core.EventUSDCUSDT, w.Rate); err != nil {
				return err
			}
		}
		return nil

	default:
		p.logger.Debug("unknown stream event type", "type", envelope.EventType)
		return nil
	}
}

func (p *Provider) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				p.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (p *Provider) writeJSON(v interface{}) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(v)
}

func (p *Provider) writeMessage(msgType int, data []byte) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(msgType, data)
}
