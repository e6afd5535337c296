// Exchanged — a virtual securities exchange daemon.
//
// Architecture:
//
//	main.go             — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	router/router.go    — routes order intents to per-symbol engines, one engine per listed symbol
//	engine/engine.go    — single-writer matching loop: validate, reserve, match, settle in one transaction
//	book/book.go        — in-memory btree order book with price-time-sequence priority
//	settle/settle.go    — per-fill settlement: trade row, ledger legs, cash/position movement, outbox event
//	store/              — Postgres persistence: accounts, positions, orders, trades, ledger, outbox
//	expiry/scheduler.go — sweeps time-in-force orders past their deadline into cancels
//	publisher/          — drains the outbox into the WebSocket hub and an optional webhook
//	api/                — HTTP order entry, book/portfolio reads, /ws market data, /metrics
//
// Correctness model:
//
//	Every order intent commits its full effect — order row, fills, ledger
//	legs, position and cash movement, outbox events — in one database
//	transaction. The in-memory book is only mutated after that commit, so
//	the book can always be rebuilt from the orders table after a crash.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"profile-exchange/internal/api"
	"profile-exchange/internal/config"
	"profile-exchange/internal/engine"
	"profile-exchange/internal/expiry"
	"profile-exchange/internal/metrics"
	"profile-exchange/internal/publisher"
	"profile-exchange/internal/router"
	"profile-exchange/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("EXCH_CONFIG"); p != "" {
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
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.Database.URL, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}
	if err := st.EnsureSymbols(ctx, cfg.Symbols); err != nil {
		logger.Error("failed to ensure symbols", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	engCfg := engine.Config{
		QueueCapacity:   cfg.Engine.QueueCapacity,
		MaxRetries:      cfg.Database.MaxRetries,
		RetryBase:       cfg.Database.RetryBase,
		RetryMax:        cfg.Database.RetryMax,
		SlippageCushion: cfg.Engine.SlippageCushion,
	}
	rtr, err := router.New(ctx, st, engCfg, logger, m)
	if err != nil {
		logger.Error("failed to build engines", "error", err)
		os.Exit(1)
	}
	go rtr.Run(ctx)

	apiServer := api.NewServer(cfg.API.Port, rtr, st, m, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	pub := publisher.New(st, apiServer.Hub(), cfg.Publisher, m, logger)
	go pub.Run(ctx)

	sweeper := expiry.New(st, rtr, cfg.Expiry.Interval, cfg.Expiry.BatchSize, logger)
	go sweeper.Run(ctx)

	logger.Info("exchange started",
		"symbols", len(rtr.Symbols()),
		"port", cfg.API.Port,
		"queue_capacity", cfg.Engine.QueueCapacity,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	cancel()
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
