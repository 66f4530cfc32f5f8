package exchange

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"marketmaker/internal/config"
	"marketmaker/pkg/core"
)

func newDryRunClient() *Client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Client{
		dryRun: true,
		rl:     NewRateLimiter(config.RateLimitConfig{}),
		logger: logger,
	}
}

func testOrder() core.Order {
	return core.Order{Symbol: "BTC-USD", Side: core.BUY, OrderType: core.OrderTypeLimit, Price: 100, Amount: 1, Cloid: "BTC-USD-1-000"}
}

func TestDryRunCreateOrder(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()
	if err := c.CreateOrder(context.Background(), testOrder()); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
}

func TestDryRunAmendOrder(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()
	order := testOrder()
	order.Oid = "oid-1"
	if err := c.AmendOrder(context.Background(), order); err != nil {
		t.Fatalf("AmendOrder: %v", err)
	}
}

func TestDryRunCancelOrder(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()
	order := testOrder()
	order.Oid = "oid-1"
	if err := c.CancelOrder(context.Background(), order); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
}

func TestDryRunBulkCancelOrder(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()
	orders := []core.Order{testOrder(), testOrder()}
	if err := c.BulkCancelOrder(context.Background(), orders); err != nil {
		t.Fatalf("BulkCancelOrder: %v", err)
	}
}

func TestDryRunBulkCancelOrderEmptyIsNoOp(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()
	if err := c.BulkCancelOrder(context.Background(), nil); err != nil {
		t.Fatalf("BulkCancelOrder: %v", err)
	}
}

func TestDryRunCancelAllOrders(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()
	if err := c.CancelAllOrders(context.Background(), "BTC-USD"); err != nil {
		t.Fatalf("CancelAllOrders: %v", err)
	}
}

func TestNewClientDryRunFlag(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	auth, err := NewAuth(testPrivateKeyHex(), 1337, Credentials{})
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	c := NewClient("http://localhost", auth, true, config.RateLimitConfig{}, logger)
	if !c.dryRun {
		t.Error("client.dryRun should be true when constructed with dryRun=true")
	}
}

func TestOrderResultAsError(t *testing.T) {
	t.Parallel()
	ok := orderResult{Status: "OK"}
	if err := ok.asError(); err != nil {
		t.Fatalf("expected nil error for OK status, got %v", err)
	}

	bad := orderResult{Status: "ERROR", Error: "insufficient balance"}
	if err := bad.asError(); err == nil || err.Error() != "insufficient balance" {
		t.Fatalf("expected error %q, got %v", "insufficient balance", err)
	}
}

func TestOrderToPayloadCarriesFields(t *testing.T) {
	t.Parallel()
	order := testOrder()
	payload := orderToPayload(order)
	if payload.Symbol != order.Symbol || payload.Side != string(order.Side) || payload.Price != order.Price || payload.Amount != order.Amount || payload.Cloid != order.Cloid {
		t.Fatalf("orderToPayload dropped a field: got %+v from %+v", payload, order)
	}
}
