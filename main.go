package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/api"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/artificial"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/events"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/gatekeeper"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/gateway"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/grpcapi"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/monitor"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/order"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/persistence"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/subscription"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/broker"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/cache"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/config"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/db"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/logging"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting alpaca gateway", "paper", cfg.Paper, "feed", cfg.DataFeed, "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	mux := subscription.NewMultiplexer(nil, logger)

	client := broker.NewAlpacaClient(broker.AlpacaConfig{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		Paper:      cfg.Paper,
		DataFeed:   cfg.DataFeed,
		RatePerMin: cfg.BrokerRatePerMin,
	}, logger)
	guard := gatekeeper.New(cfg.Cooldown, cfg.DuplicateWindow)

	// Execution journal (optional)
	var (
		recorder order.Recorder
		history  api.HistoryReader
		journal  *persistence.Journal
		artOpts  []artificial.Option
	)
	if cfg.JournalDBPath != "" {
		database, err := db.New(cfg.JournalDBPath)
		if err != nil {
			return err
		}
		defer database.Close()
		if err := db.ApplyMigrations(database); err != nil {
			return fmt.Errorf("journal migrations: %w", err)
		}
		journal = persistence.NewJournal(database, bus, logger)
		journal.Start()
		recorder = journal
		history = journal
		artOpts = append(artOpts, artificial.WithRecorder(journal))
		logger.Info("execution journal enabled", "path", cfg.JournalDBPath)
	}

	orders := order.NewService(client, guard, recorder, logger)
	engine := artificial.New(artificial.Config{Retention: cfg.ArtificialRetention}, mux, client, guard, bus, logger, artOpts...)
	engine.Start()

	gw := gateway.New(gateway.Config{
		MarketDataURL:        cfg.MarketStreamURL,
		TradingURL:           cfg.TradingStreamURL,
		Key:                  cfg.APIKey,
		Secret:               cfg.APISecret,
		ConnectTimeout:       cfg.ConnectTimeout,
		HealthInterval:       cfg.HealthInterval,
		PongTimeout:          cfg.PongTimeout,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, bus, mux, logger)

	prices := cache.NewPriceCache()
	go maintain(ctx, guard, prices, logger)

	alerts := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink{Logger: logger}, Log: logger}
	alerts.Start()

	server := api.NewServer(api.Deps{
		Bus:               bus,
		Mux:               mux,
		Orders:            orders,
		Artificial:        engine,
		Streams:           gw,
		Journal:           history,
		Prices:            prices,
		Session:           session.NewNYSE(),
		JWTSecret:         cfg.JWTSecret,
		AdminPasswordHash: cfg.AdminPasswordHash,
		Logger:            logger,
	})

	errCh := make(chan error, 2)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	var health *grpcapi.Server
	if cfg.GRPCPort > 0 {
		health = grpcapi.NewServer(bus, gw.ConnectionStatus(), logger)
		go func() {
			if err := health.ListenAndServe(cfg.GRPCPort); err != nil {
				errCh <- err
			}
		}()
	}

	gw.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())
	case runErr = <-errCh:
		logger.Error("server failed, shutting down", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("api shutdown", "error", err)
	}
	if health != nil {
		health.Stop()
	}
	gw.Stop()
	// In-flight executions finish before the journal closes.
	engine.Stop()
	alerts.Stop()
	if journal != nil {
		if err := journal.Close(); err != nil {
			logger.Warn("journal close", "error", err)
		}
	}
	cancel()
	logger.Info("shutdown complete")
	return runErr
}

// maintain drops expired gatekeeper entries and prices of symbols that have
// stopped trading or lost their subscribers.
func maintain(ctx context.Context, guard *gatekeeper.Gatekeeper, prices *cache.PriceCache, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := guard.Sweep()
			stale := prices.Cleanup(24 * time.Hour)
			if swept > 0 || stale > 0 {
				logger.Debug("maintenance", "gatekeeper_entries", swept, "stale_prices", stale)
			}
		}
	}
}
