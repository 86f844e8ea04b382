// Cross-venue market maker — streams a reference top-of-book from a source
// venue and quotes a layered book on a destination venue, skewing spreads
// and sizes by inventory and managing orders through a transactional OMS
// and outbox.
//
// Architecture:
//
//	main.go                  — entry point: loads config, starts the supervisor, waits for SIGINT/SIGTERM
//	internal/supervisor       — orchestrator: wires every subsystem and owns task goroutines
//	internal/quoteengine      — pure function: (reference ticker, inventory skew) -> layered quote
//	internal/oms              — order state machine, position accounting, pre-trade risk gate
//	internal/outbox           — transactional at-least-once delivery of order submit/cancel
//	internal/reconciler       — applies destination account-stream events to OMS/Store
//	internal/venue            — source/destination stream clients and destination command client
//	internal/signer           — request and transaction signing for the destination venue
//	internal/risk             — portfolio-level kill switch
//	internal/ratelimiter      — token-bucket outbound rate limiting
//	internal/store            — transactional relational persistence (SQLite/Postgres via gorm)
//
// How it makes money:
//
//	The bot posts a layered book of bid/ask limit orders around a reference
//	mid price on the destination venue, profiting from the spread when both
//	sides fill. Quote skew shifts size and price toward the side that
//	reduces inventory imbalance, so a directional position naturally nudges
//	back toward the configured target ratio.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"crossmm/internal/config"
	"crossmm/internal/supervisor"
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
	logger := slog.New(handler)

	sv, err := supervisor.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to construct supervisor", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sv.Start(ctx); err != nil {
		logger.Error("failed to start supervisor", "error", err)
		os.Exit(1)
	}

	logger.Info("cross-venue market maker started",
		"symbol_src", cfg.Symbol.Src,
		"symbol_dst", cfg.Symbol.Dst,
		"num_layers", cfg.Quote.NumLayers,
		"max_position_size", cfg.Risk.MaxPositionSize,
		"dry_run", cfg.DryRun,
	)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	sv.Stop()
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
