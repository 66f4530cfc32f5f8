// Command marketmaker runs the automated market-making daemon: one quoting
// loop per configured symbol, covering market-data ingestion, quote
// synthesis, and order-management reconciliation against the exchange.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts the engine, serves /metrics+/healthz, waits for SIGINT/SIGTERM
//	internal/engine         — orchestrator: wires auth, exchange client, stream feed and one worker per symbol
//	internal/worker         — per-symbol event loop: orderbook/position/order updates -> quote -> reconcile
//	internal/quoting        — quote synthesis: spread, inventory skew, ladder sizing
//	internal/oms            — order-management state machine, single-flight per price level
//	internal/lob            — local order book mirror fed by the stream feed
//	internal/position       — inventory/exposure tracking
//	internal/exchange       — REST client, L1 (EIP-712) / L2 (HMAC) auth, rate limiting
//	internal/stream         — shared duplex WebSocket feed, fans out to per-symbol queues
//	internal/config         — YAML + env config loading and validation
//	internal/notify         — optional buffered Telegram log sink
//	internal/metrics        — Prometheus series for requote latency and order state
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketmaker/internal/config"
	"marketmaker/internal/engine"
	"marketmaker/internal/notify"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.Telegram.Enabled {
		tgHandler, err := notify.NewTelegramHandler(ctx, handler, cfg.Logging.Telegram.BotToken,
			cfg.Logging.Telegram.ChatID, parseLogLevel(cfg.Logging.Telegram.MinLevel), cfg.Logging.Telegram.FlushPeriod)
		if err != nil {
			slog.Error("failed to init telegram log sink", "error", err)
			os.Exit(1)
		}
		handler = tgHandler
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	metricsSrv := startMetricsServer(cfg.MetricsAddr, logger)

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("market maker started", "symbols", cfg.SymbolList(), "dry_run", cfg.DryRun)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server", "error", err)
		}
	}
}

// startMetricsServer serves /metrics (Prometheus) and /healthz on addr, or
// does nothing if addr is empty. It never blocks main's startup sequence.
func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("metrics server listening", "addr", addr)
	return srv
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
