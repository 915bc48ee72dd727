package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"trading-session-bot-go/internal/binance"
	"trading-session-bot-go/internal/config"
	"trading-session-bot-go/internal/database"
	"trading-session-bot-go/internal/events"
	"trading-session-bot-go/internal/logger"
	"trading-session-bot-go/internal/repo"
	"trading-session-bot-go/internal/trader"
)

// app is the wired process: config, logging, persistence, exchange access
// and the session registry.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	db       *gorm.DB
	hub      *events.Hub
	registry *trader.Registry
}

func bootstrap() (*app, error) {
	// Load application configuration
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, err
	}
	log.Info("Configuration loaded", zap.Strings("profiles", cfg.ProfileNames()))

	// Initialize database
	db, err := database.NewDatabase(cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("Database connection successful and schema migrated.", zap.String("driver", cfg.Database.Driver))

	stream := binance.NewStream(cfg.Binance.Testnet, log)
	gateways := binance.NewFactory(cfg.Binance, stream, log)
	hub := events.NewHub(log, 256)

	registry := trader.NewRegistry(cfg, trader.Deps{
		Gateways: gateways.Connect,
		Store:    repo.NewStore(db),
		Sink:     events.Multi{hub, events.NewLogSink(log)},
		Logger:   log,
	})

	return &app{cfg: cfg, log: log, db: db, hub: hub, registry: registry}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// shutdown stops every session within a bounded time and releases the
// process resources. It is deferred right after bootstrap.
func (a *app) shutdown() {
	a.log.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.registry.StopAll(ctx); err != nil {
		a.log.Error("Failed to stop sessions", zap.Error(err))
	}
	a.hub.Close()
	if err := database.Close(a.db); err != nil {
		a.log.Error("Failed to close database", zap.Error(err))
	}
	a.log.Info("Bot has been shut down.")
	_ = a.log.Sync()
}
