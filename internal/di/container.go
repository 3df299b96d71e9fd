// Package di wires the service together: storage, clients, module services
// and background workers, in dependency order.
package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tradeforge/oms/internal/auth"
	"github.com/tradeforge/oms/internal/clients/broker"
	"github.com/tradeforge/oms/internal/clients/marketdata"
	"github.com/tradeforge/oms/internal/clients/permissions"
	"github.com/tradeforge/oms/internal/clients/tokenmanager"
	"github.com/tradeforge/oms/internal/config"
	"github.com/tradeforge/oms/internal/database"
	"github.com/tradeforge/oms/internal/events"
	"github.com/tradeforge/oms/internal/kv"
	"github.com/tradeforge/oms/internal/maintenance"
	"github.com/tradeforge/oms/internal/metrics"
	"github.com/tradeforge/oms/internal/modules/gtt"
	"github.com/tradeforge/oms/internal/modules/orders"
	"github.com/tradeforge/oms/internal/modules/positions"
	"github.com/tradeforge/oms/internal/modules/reconciliation"
	"github.com/tradeforge/oms/internal/modules/subscriptions"
	"github.com/tradeforge/oms/internal/modules/tiers"
	"github.com/tradeforge/oms/internal/ratelimit"
	"github.com/tradeforge/oms/internal/ticks"
)

// Container holds every long-lived component of the service.
type Container struct {
	Config  *config.Config
	Log     zerolog.Logger
	Metrics *metrics.Metrics

	OrdersDB     *database.DB
	MarketDataDB *database.DB
	KV           *kv.Store
	TickKV       *kv.Store

	Limiter     *ratelimit.Limiter
	Daily       *ratelimit.DailyCounter
	Idempotency *kv.IdempotencyStore

	Tokens      *tokenmanager.Client
	Broker      *broker.Client
	Permissions *permissions.Client
	Feed        *marketdata.Client
	Verifier    *auth.Verifier

	OrdersRepo   *orders.Repository
	TradeRepo    *orders.TradeRepository
	LedgerRepo   *orders.LedgerRepository
	OutboxRepo   *orders.OutboxRepository
	Publisher    *orders.Publisher
	OrderService *orders.Service

	PositionsRepo *positions.Repository
	Tracker       *positions.Tracker

	Registry *subscriptions.RegistryRepository
	Subs     *subscriptions.Manager

	GTTService *gtt.Service

	TierRepo  *tiers.Repository
	Scheduler *tiers.Scheduler

	Reconciler    *reconciliation.Worker
	Ticks         *ticks.Consumer
	AccountEvents *events.Consumer
	Maintenance   *maintenance.Jobs
}

// Wire builds the container in dependency order: storage, then clients, then
// module services, then the background workers that consume them.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{
		Config:  cfg,
		Log:     log,
		Metrics: metrics.New(),
	}

	// Storage.
	ordersDB, err := database.New(database.Config{
		Path:    cfg.OrdersDBPath,
		Profile: database.ProfileLedger,
		Name:    "orders",
	})
	if err != nil {
		return nil, fmt.Errorf("orders database: %w", err)
	}
	c.OrdersDB = ordersDB
	if err := ordersDB.Migrate(); err != nil {
		return nil, fmt.Errorf("orders migration: %w", err)
	}

	marketDataDB, err := database.New(database.Config{
		Path:    cfg.MarketDataDBPath,
		Profile: database.ProfileReadOnly,
		Name:    "marketdata",
	})
	if err != nil {
		return nil, fmt.Errorf("marketdata database: %w", err)
	}
	c.MarketDataDB = marketDataDB

	store, err := kv.New(cfg.RedisURL, log)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	c.KV = store

	if cfg.MarketDataRedis == cfg.RedisURL {
		c.TickKV = store
	} else {
		tickStore, err := kv.New(cfg.MarketDataRedis, log)
		if err != nil {
			return nil, fmt.Errorf("market data redis: %w", err)
		}
		c.TickKV = tickStore
	}

	// Rate limiting and idempotency.
	c.Limiter, err = ratelimit.New(cfg.Policy, log)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	c.Daily, err = ratelimit.NewDailyCounter(store, cfg.Policy, log)
	if err != nil {
		return nil, fmt.Errorf("daily counter: %w", err)
	}
	c.Idempotency = kv.NewIdempotencyStore(store, cfg.Operational.IdempotencyTTL, cfg.Operational.IdempotencyFailClosed)

	// Upstream clients.
	c.Tokens, err = tokenmanager.New(cfg.TokenManagerURL, cfg.InternalAPIKey, log)
	if err != nil {
		return nil, fmt.Errorf("token manager client: %w", err)
	}
	c.Broker = broker.New(cfg, c.Tokens, c.Limiter, log)
	c.Permissions = permissions.New(cfg.PermissionServiceURL, cfg.InternalAPIKey, log)
	c.Feed = marketdata.New(cfg.MarketDataServiceURL, cfg.InternalAPIKey, log)
	c.Verifier = auth.NewVerifier(cfg.JWTSecret, c.Permissions)

	// Repositories and module services.
	ordersConn := ordersDB.Conn()
	c.OrdersRepo = orders.NewRepository(ordersConn)
	c.TradeRepo = orders.NewTradeRepository(ordersConn)
	c.LedgerRepo = orders.NewLedgerRepository(ordersConn)
	c.OutboxRepo = orders.NewOutboxRepository(ordersConn)

	c.PositionsRepo = positions.NewRepository(ordersConn)
	c.Tracker = positions.NewTracker(c.PositionsRepo, c.LedgerRepo, log)

	c.Registry = subscriptions.NewRegistryRepository(marketDataDB.Conn())
	c.Subs = subscriptions.NewManager(ordersConn, c.Registry, c.Feed, log)

	risk := orders.NewRiskChecker(cfg.Policy, c.Broker, c.Tracker)
	c.OrderService = orders.NewService(
		c.OrdersRepo, c.TradeRepo, c.LedgerRepo, c.OutboxRepo,
		c.Broker, c.Idempotency, c.Daily, risk, c.Registry,
		c.Metrics, log,
	)

	c.GTTService = gtt.NewService(gtt.NewRepository(ordersConn), c.Broker, log)

	c.TierRepo = tiers.NewRepository(ordersConn)

	// Background workers.
	c.Reconciler = reconciliation.NewWorker(
		c.OrdersRepo, c.TradeRepo, c.OutboxRepo, c.LedgerRepo, c.Tracker,
		c.GTTService, c.Broker, cfg.Operational, c.Metrics, log,
	)
	c.Scheduler = tiers.NewScheduler(c.TierRepo, c.Reconciler, store, c.Metrics, log)
	c.OrderService.SetActivityRecorder(c.Scheduler)
	c.OrderService.SetSubscriptions(c.Subs)
	c.Reconciler.SetSubscriptions(c.Subs)

	c.Publisher = orders.NewPublisher(c.OutboxRepo, store, log)
	c.Ticks = ticks.NewConsumer(
		c.TickKV, c.Registry, c.PositionsRepo,
		cfg.Operational.TickBatchSize, cfg.Operational.TickBatchInterval,
		c.Metrics, log,
	)
	c.AccountEvents = events.NewConsumer(
		store, c.OrdersRepo, c.TradeRepo, c.OutboxRepo, c.PositionsRepo,
		c.Subs, c.TierRepo, c.Broker, c.Tokens, log,
	)
	c.Maintenance, err = maintenance.New(cfg.Policy, ordersDB, c.Subs, c.TierRepo, log)
	if err != nil {
		return nil, fmt.Errorf("maintenance jobs: %w", err)
	}

	return c, nil
}

// ReloadAccounts flushes cached per-account state after upstream account
// changes: broker tokens and the feed subscription set.
func (c *Container) ReloadAccounts(ctx context.Context) error {
	c.Tokens.InvalidateAll()
	return c.Subs.Refresh(ctx)
}

// StartWorkers launches every background loop. The HTTP server is started
// separately by the caller.
func (c *Container) StartWorkers() error {
	c.Publisher.Start()
	c.Reconciler.Start()
	c.Scheduler.Start()
	c.Ticks.Start()
	c.AccountEvents.Start()
	return c.Maintenance.Start()
}

// StopWorkers shuts the loops down in reverse order: ingestion first so
// nothing new arrives while the drains finish.
func (c *Container) StopWorkers() {
	c.Maintenance.Stop()
	c.AccountEvents.Stop()
	c.Ticks.Stop()
	c.Scheduler.Stop()
	c.Reconciler.Stop()
	c.Publisher.Stop()
}

// Close releases storage handles. Call after StopWorkers.
func (c *Container) Close() {
	if c.TickKV != nil && c.TickKV != c.KV {
		_ = c.TickKV.Close()
	}
	if c.KV != nil {
		_ = c.KV.Close()
	}
	if c.MarketDataDB != nil {
		_ = c.MarketDataDB.Close()
	}
	if c.OrdersDB != nil {
		_ = c.OrdersDB.Close()
	}
}
