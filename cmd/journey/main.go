package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/karsvo/journey/internal/contacts"
	"github.com/karsvo/journey/internal/engine"
	"github.com/karsvo/journey/internal/expressions"
	"github.com/karsvo/journey/internal/gateway"
	"github.com/karsvo/journey/internal/logging"
	"github.com/karsvo/journey/internal/scheduler"
	"github.com/karsvo/journey/internal/store"
	"github.com/karsvo/journey/internal/trigger"
	"github.com/karsvo/journey/internal/validation"
	"github.com/karsvo/journey/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "journey:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Action gateway.
	registry := gateway.NewRegistry()
	if err := gateway.RegisterBuiltins(registry, logger); err != nil {
		return fmt.Errorf("register action senders: %w", err)
	}
	gw := gateway.New(registry,
		gateway.WithTimeout(duration(cfg.GatewayTimeout, gateway.DefaultTimeout)),
		gateway.WithLogger(logger),
	)

	// Expression engines and graph validation.
	engines, err := expressions.NewEngines()
	if err != nil {
		return fmt.Errorf("init expression engines: %w", err)
	}
	validator, err := validation.NewGraphValidator(registry, engines)
	if err != nil {
		return fmt.Errorf("init graph validator: %w", err)
	}

	// Core services.
	provider := contacts.NewStaticProvider()
	coordinator := engine.NewCoordinator(st, gw, engines, provider,
		engine.WithLogger(logger))
	definitions := engine.NewDefinitions(st, validator, logger)
	dispatcher := trigger.NewDispatcher(st, coordinator, provider, engines,
		trigger.WithLogger(logger))

	// Background processing.
	pool := scheduler.NewDispatchPool(cfg.PoolSize, coordinator,
		scheduler.WithPoolLogger(logger))
	sweeper := scheduler.NewSweeper(st, pool,
		scheduler.WithSweepInterval(duration(cfg.SweepInterval, 0)),
		scheduler.WithSweepLogger(logger),
	)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()

	cronEnroller := scheduler.NewCronEnroller(st, coordinator, provider,
		scheduler.WithCronInterval(duration(cfg.CronInterval, 0)),
		scheduler.WithCronLogger(logger),
	)
	if err := cronEnroller.Start(ctx); err != nil {
		return fmt.Errorf("start cron enroller: %w", err)
	}
	defer cronEnroller.Stop()

	// MCP stdio surface.
	srv := mcp.NewJourneyServer(mcp.JourneyServerDeps{
		Definitions: definitions,
		Coordinator: coordinator,
		Dispatcher:  dispatcher,
		Store:       st,
		Provider:    provider,
		Logger:      logger,
	})

	logger.Info("journey engine started",
		"db_path", cfg.DBPath, "pool_size", cfg.PoolSize, "version", version)

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	// Logs go to stderr: stdout carries the MCP stdio transport.
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
