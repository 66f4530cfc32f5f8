// Package exchange implements the concrete REST driver for a single trading
// venue: request signing, rate limiting, and the create/amend/cancel calls
// the OMS needs (see internal/oms.Exchange). One Client instance is shared,
// and must be safe for concurrent use, across every symbol's OMS.
//
//   - CreateOrder:       POST   /orders              — place one order
//   - AmendOrder:        PATCH  /orders/{oid}        — replace price/amount
//   - CancelOrder:       DELETE /orders/{oid}        — cancel one order
//   - BulkCancelOrder:   DELETE /orders              — cancel several orders
//   - CancelAllOrders:   DELETE /symbols/{symbol}/orders — cancel one symbol
//   - LoadMarkets:       GET    /markets              — tradeable symbol metadata
//   - DeriveAPICredentials: GET /auth/derive-credentials — bootstrap L2 creds
//
// Every trading request is rate-limited via per-category TokenBuckets,
// automatically retried on 5xx errors, and authenticated with L2 HMAC
// headers; LoadMarkets is an unauthenticated public read.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"marketmaker/internal/config"
	"marketmaker/pkg/core"
)

// Client is the concrete REST driver. It implements internal/oms.Exchange.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry. dryRun, when
// true, makes every mutating method log and return success without issuing
// an HTTP call — used for paper-trading and local testing.
func NewClient(baseURL string, auth *Auth, dryRun bool, rl config.RateLimitConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(rl),
		dryRun: dryRun,
		logger: logger,
	}
}

// orderPayload is the wire shape for create/amend requests.
type orderPayload struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Type   string  `json:"type"`
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
	Cloid  string  `json:"cloid"`
}

// orderResult is the response shape for any order-touching call. Per the
// opaque-result convention, a failure is either a non-2xx HTTP status or
// this record shaped {status:"ERROR", error}; anything else is success.
type orderResult struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Oid    string `json:"oid"`
}

func (r orderResult) asError() error {
	if r.Status == "ERROR" {
		return fmt.Errorf("%s", r.Error)
	}
	return nil
}

// CreateOrder places a single order.
func (c *Client) CreateOrder(ctx context.Context, order core.Order) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would create order",
			"symbol", order.Symbol, "side", order.Side, "price", order.Price, "amount", order.Amount, "cloid", order.Cloid)
		return nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}

	payload := orderToPayload(order)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers(http.MethodPost, "/orders", string(body))
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	var result orderResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("create order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.asError()
}

// AmendOrder replaces a resting order's price/amount in place. order.Oid
// must identify the order to amend — per DESIGN.md open-question resolution
// #2, the OMS sometimes passes the matched order's cloid here rather than
// its exchange-assigned oid, a quirk preserved verbatim from the reference
// behavior rather than "fixed" at this layer.
func (c *Client) AmendOrder(ctx context.Context, order core.Order) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would amend order",
			"symbol", order.Symbol, "oid", order.Oid, "price", order.Price, "amount", order.Amount)
		return nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}

	payload := orderToPayload(order)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal amend: %w", err)
	}
	path := fmt.Sprintf("/orders/%s", order.Oid)
	headers, err := c.auth.L2Headers(http.MethodPatch, path, string(body))
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	var result orderResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		SetResult(&result).
		Patch(path)
	if err != nil {
		return fmt.Errorf("amend order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("amend order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.asError()
}

// CancelOrder cancels a single resting order by oid.
func (c *Client) CancelOrder(ctx context.Context, order core.Order) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "oid", order.Oid)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	path := fmt.Sprintf("/orders/%s", order.Oid)
	headers, err := c.auth.L2Headers(http.MethodDelete, path, "")
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	var result orderResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete(path)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.asError()
}

// BulkCancelOrder cancels several resting orders in one request.
func (c *Client) BulkCancelOrder(ctx context.Context, orders []core.Order) error {
	if len(orders) == 0 {
		return nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would bulk cancel orders", "count", len(orders))
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	oids := make([]string, len(orders))
	for i, o := range orders {
		oids[i] = o.Oid
	}
	payload := struct {
		Oids []string `json:"oids"`
	}{Oids: oids}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal bulk cancel: %w", err)
	}
	headers, err := c.auth.L2Headers(http.MethodDelete, "/orders", string(body))
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	var result orderResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		SetResult(&result).
		Delete("/orders")
	if err != nil {
		return fmt.Errorf("bulk cancel orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("bulk cancel orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.asError()
}

// CancelAllOrders cancels every resting order for one symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders", "symbol", symbol)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	path := fmt.Sprintf("/symbols/%s/orders", symbol)
	headers, err := c.auth.L2Headers(http.MethodDelete, path, "")
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	var result orderResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete(path)
	if err != nil {
		return fmt.Errorf("cancel all orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel all orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.asError()
}

// Market describes one tradeable symbol's static metadata, as returned by
// LoadMarkets.
type Market struct {
	Symbol   string  `json:"symbol"`
	TickSize float64 `json:"tickSize"`
	LotSize  float64 `json:"lotSize"`
}

// LoadMarkets fetches tradeable symbol metadata once at boot, ahead of any
// SymbolWorker starting (§6, §12's supplemented boot sequence). Unlike the
// trading endpoints this is a public, unauthenticated read, rate-limited on
// the Book bucket rather than Order/Cancel.
func (c *Client) LoadMarkets(ctx context.Context) ([]Market, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}
	var markets []Market
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&markets).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("load markets: status %d: %s", resp.StatusCode(), resp.String())
	}
	return markets, nil
}

// DeriveAPICredentials bootstraps L2 trading credentials from the wallet's
// L1 signature. Called once at startup when no credentials are preconfigured.
func (c *Client) DeriveAPICredentials(ctx context.Context) (Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return Credentials{}, fmt.Errorf("l1 headers: %w", err)
	}

	var creds Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&creds).
		Get("/auth/derive-credentials")
	if err != nil {
		return Credentials{}, fmt.Errorf("derive credentials: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Credentials{}, fmt.Errorf("derive credentials: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(creds)
	c.logger.Info("api credentials derived", "api_key", creds.APIKey)
	return creds, nil
}

func orderToPayload(order core.Order) orderPayload {
	return orderPayload{
		Symbol: order.Symbol,
		Side:   string(order.Side),
		Type:   string(order.OrderType),
		Price:  order.Price,
		Amount: order.Amount,
		Cloid:  order.Cloid,
	}
}
