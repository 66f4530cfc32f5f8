// Package engine is the central orchestrator of the market-making daemon.
//
// It wires together all subsystems:
//
//  1. Engine derives L2 trading credentials via L1 auth if none are
//     preconfigured, then loads tradeable-symbol metadata once.
//  2. One SymbolWorker per configured symbol, each exclusively owning its
//     own LOBManager, PositionManager, Quoter, and OMS.
//  3. A single EventBus, one bounded queue per symbol, fed by a single
//     StreamProvider connection shared across every symbol.
//  4. A single Exchange client (internal/exchange.Client), shared across
//     every symbol's OMS — it must be internally safe for concurrent use.
//
// Lifecycle: New() -> Start() -> [runs until ctx cancelled] -> Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketmaker/internal/config"
	"marketmaker/internal/eventbus"
	"marketmaker/internal/exchange"
	"marketmaker/internal/lob"
	"marketmaker/internal/oms"
	"marketmaker/internal/position"
	"marketmaker/internal/quoting"
	"marketmaker/internal/stream"
	"marketmaker/internal/worker"
)

const cancelAllTimeout = 10 * time.Second

// symbolSlot bundles one symbol's exclusively-owned collaborators.
type symbolSlot struct {
	worker *worker.Worker
}

// Engine orchestrates all components of the market-making system.
type Engine struct {
	cfg    *config.Config
	client *exchange.Client
	auth   *exchange.Auth
	feed   *stream.Provider
	bus    *eventbus.Bus
	logger *slog.Logger

	slots map[string]*symbolSlot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires all engine components for the symbols named in cfg.Symbols. If
// no L2 API credentials are preconfigured, it derives them via L1 (EIP-712)
// auth against the exchange before anything else happens.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	auth, err := exchange.NewAuth(cfg.Wallet.PrivateKey, cfg.Wallet.ChainID, exchange.Credentials{
		APIKey:     cfg.Exchange.APIKey,
		Secret:     cfg.Exchange.Secret,
		Passphrase: cfg.Exchange.Passphrase,
	})
	if err != nil {
		return nil, fmt.Errorf("new auth: %w", err)
	}

	client := exchange.NewClient(cfg.Exchange.BaseURL, auth, cfg.DryRun, cfg.Exchange.RateLimit, logger)

	if !auth.HasCredentials() {
		logger.Info("no L2 credentials configured, deriving via L1 auth")
		if _, err := client.DeriveAPICredentials(context.Background()); err != nil {
			return nil, fmt.Errorf("derive api credentials: %w", err)
		}
	}

	symbols := cfg.SymbolList()
	bus := eventbus.NewBus(symbols, 256)
	feed := stream.New(cfg.Exchange.WSURL, auth, symbols, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:    cfg,
		client: client,
		auth:   auth,
		feed:   feed,
		bus:    bus,
		logger: logger.With("component", "engine"),
		slots:  make(map[string]*symbolSlot),
		ctx:    ctx,
		cancel: cancel,
	}

	for _, symbol := range symbols {
		e.slots[symbol] = e.buildSlot(symbol, cfg.Symbols[symbol], logger)
	}

	return e, nil
}

func (e *Engine) buildSlot(symbol string, sc config.SymbolConfig, logger *slog.Logger) *symbolSlot {
	lobMgr := lob.NewManager()
	posMgr := position.NewManager(sc.InventoryMaxDollars, logger)

	quoter := quoting.NewQuoter(quoting.Config{
		NumOrders:            sc.NumOrders,
		SpreadBps:            sc.SpreadBps,
		GrossExposureDollars: sc.GrossExposureDollars,
		LotSize:              sc.LotSize,
		TickSize:             sc.TickSize,
		InventoryMaxDollars:  sc.InventoryMaxDollars,
		EpsilonBps:           sc.EpsilonBps,
	})

	omsRef := oms.New(oms.Config{
		Symbol:     symbol,
		NumOrders:  sc.NumOrders,
		TPDistance: sc.TPDistanceBps,
		TickSize:   sc.TickSize,
	}, e.client, logger)

	w := worker.New(worker.Config{
		Symbol:             symbol,
		ExchSymbol:         sc.ExchSymbol,
		NumOrders:          sc.NumOrders,
		MinRequoteInterval: sc.MinRequoteInterval,
	}, e.bus, quoter, omsRef, posMgr, lobMgr, logger)

	return &symbolSlot{worker: w}
}

// Start loads tradeable-symbol metadata once, boots every worker's initial
// ladder, then starts each worker's event loop and the shared stream feed —
// in that order, so no event can arrive for a symbol before its worker is
// reading from the EventBus.
func (e *Engine) Start() error {
	if _, err := e.client.LoadMarkets(e.ctx); err != nil {
		return fmt.Errorf("load markets: %w", err)
	}

	for symbol, slot := range e.slots {
		if err := slot.worker.Boot(e.ctx); err != nil {
			return fmt.Errorf("boot worker %s: %w", symbol, err)
		}
	}

	for _, slot := range e.slots {
		w := slot.worker
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			w.Run(e.ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("stream feed error", "error", err)
		}
	}()

	e.logger.Info("engine started", "symbols", len(e.slots), "dry_run", e.cfg.DryRun)
	return nil
}

// Stop cancels every worker and the stream feed, cancels all resting orders
// on the exchange as a safety net, and waits for every goroutine to exit.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")

	e.cancel()

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), cancelAllTimeout)
	defer cancelCancel()
	for symbol := range e.slots {
		if err := e.client.CancelAllOrders(cancelCtx, symbol); err != nil {
			e.logger.Error("failed to cancel all orders on shutdown", "symbol", symbol, "error", err)
		}
	}

	e.wg.Wait()

	if err := e.feed.Close(); err != nil {
		e.logger.Error("failed to close stream feed", "error", err)
	}

	e.logger.Info("shutdown complete")
}
