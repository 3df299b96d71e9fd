package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tradeforge/oms/internal/config"
	"github.com/tradeforge/oms/internal/di"
	gtthandlers "github.com/tradeforge/oms/internal/modules/gtt/handlers"
	ordershandlers "github.com/tradeforge/oms/internal/modules/orders/handlers"
	positionshandlers "github.com/tradeforge/oms/internal/modules/positions/handlers"
	"github.com/tradeforge/oms/internal/server"
	"github.com/tradeforge/oms/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		errLog := logger.New(logger.Config{Level: "error"})
		errLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Int("port", cfg.Port).Bool("dev_mode", cfg.DevMode).Msg("starting order execution service")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire service")
	}

	// Re-register feed subscriptions for every active instrument before the
	// tick consumer starts; the market-data service forgets us on restart.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), cfg.Operational.BrokerTimeout)
	if err := container.Subs.Refresh(startupCtx); err != nil {
		log.Warn().Err(err).Msg("feed subscription refresh failed; ticks may lag until next refresh")
	}
	cancelStartup()

	if err := container.StartWorkers(); err != nil {
		log.Fatal().Err(err).Msg("failed to start background workers")
	}

	srv := server.New(server.Options{
		Config:   cfg,
		Verifier: container.Verifier,
		Metrics:  container.Metrics,
		Modules: []server.RouteRegistrar{
			ordershandlers.New(container.OrderService, container.LedgerRepo, container.Reconciler, container.Broker),
			positionshandlers.New(container.Tracker, container.OrderService),
			gtthandlers.New(container.GTTService),
		},
		Databases:  []server.HealthChecker{container.OrdersDB, container.MarketDataDB},
		Refresher:  container.Scheduler,
		Limiter:    container.Limiter,
		Reloader:   container,
		Reconciler: container.Reconciler,
		PnL:        container.Tracker,
		Log:        log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Operational.ShutdownGrace)
	defer cancel()

	// Stop accepting traffic first, then drain the workers, then close
	// storage. The outbox publisher runs its final drain during StopWorkers.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown did not complete cleanly")
	}
	container.StopWorkers()
	container.Close()

	log.Info().Msg("shutdown complete")
}
