package stream

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"marketmaker/internal/eventbus"
	"marketmaker/internal/exchange"
	"marketmaker/pkg/core"
)

func testProvider(t *testing.T, symbols []string) (*Provider, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.NewBus(symbols, 8)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	auth, err := exchange.NewAuth("0x1111111111111111111111111111111111111111111111111111111111111111", 1337, exchange.Credentials{})
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return New("wss://example.invalid", auth, symbols, bus, logger), bus
}

func TestDispatchOrderbookRoutesBySymbol(t *testing.T) {
	t.Parallel()
	p, bus := testProvider(t, []string{"BTC-USD", "ETH-USD"})
	msg := []byte(`{"event_type":"orderbook","symbol":"BTC-USD","mid":100.5,"best_bid":{"price":100.4},"best_ask":{"price":100.6}}`)
	if err := p.dispatch(context.Background(), msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	evt, err := bus.Get(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	payload, ok := evt.Data.(core.OrderbookPayload)
	if !ok {
		t.Fatalf("expected core.OrderbookPayload, got %T", evt.Data)
	}
	if payload.Mid != 100.5 || payload.BestBid != 100.4 || payload.BestAsk != 100.6 {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	if empty, _ := bus.Empty("ETH-USD"); !empty {
		t.Fatal("expected ETH-USD queue to remain empty")
	}
}

func TestDispatchPositionRoutesBySymbol(t *testing.T) {
	t.Parallel()
	p, bus := testProvider(t, []string{"BTC-USD"})
	msg := []byte(`{"event_type":"position","symbol":"BTC-USD","status":"OPEN","value":500,"side":1}`)
	if err := p.dispatch(context.Background(), msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	evt, err := bus.Get(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	updates, ok := evt.Data.([]core.PositionUpdate)
	if !ok || len(updates) != 1 {
		t.Fatalf("expected one PositionUpdate, got %+v", evt.Data)
	}
	if updates[0].Symbol != "BTC-USD" || updates[0].Value != 500 || updates[0].Side != 1 {
		t.Fatalf("unexpected position update: %+v", updates[0])
	}
}

func TestDispatchOrderRoutesByNestedOrderSymbol(t *testing.T) {
	t.Parallel()
	p, bus := testProvider(t, []string{"BTC-USD", "ETH-USD"})
	msg := []byte(`{"event_type":"order","status":"FILLED","order":{"symbol":"ETH-USD","side":"BUY","type":"LIMIT","amount":1,"price":2000,"cloid":"ETH-USD-1-000"}}`)
	if err := p.dispatch(context.Background(), msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	evt, err := bus.Get(context.Background(), "ETH-USD")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	updates, ok := evt.Data.([]core.OrderUpdate)
	if !ok || len(updates) != 1 {
		t.Fatalf("expected one OrderUpdate, got %+v", evt.Data)
	}
	if updates[0].Status != core.StatusFilled || updates[0].Order.Symbol != "ETH-USD" {
		t.Fatalf("unexpected order update: %+v", updates[0])
	}
}

func TestDispatchFXRateFansOutToEverySymbol(t *testing.T) {
	t.Parallel()
	symbols := []string{"BTC-USD", "ETH-USD"}
	p, bus := testProvider(t, symbols)
	msg := []byte(`{"event_type":"USDCUSDT","rate":0.999}`)
	if err := p.dispatch(context.Background(), msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	for _, symbol := range symbols {
		evt, err := bus.Get(context.Background(), symbol)
		if err != nil {
			t.Fatalf("Get(%s): %v", symbol, err)
		}
		rate, ok := evt.Data.(float64)
		if !ok || rate != 0.999 {
			t.Fatalf("unexpected fx payload for %s: %+v", symbol, evt.Data)
		}
	}
}

func TestDispatchUnknownEventTypeIsIgnored(t *testing.T) {
	t.Parallel()
	p, bus := testProvider(t, []string{"BTC-USD"})
	msg := []byte(`{"event_type":"tick_size_change","symbol":"BTC-USD"}`)
	if err := p.dispatch(context.Background(), msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if empty, _ := bus.Empty("BTC-USD"); !empty {
		t.Fatal("expected queue to remain empty for an unrecognized event type")
	}
}

func TestDispatchNonJSONMessageIsIgnored(t *testing.T) {
	t.Parallel()
	p, _ := testProvider(t, []string{"BTC-USD"})
	if err := p.dispatch(context.Background(), []byte("PONG")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}
