// Package app assembles the pipeline components shared by the api and
// worker processes.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/tokensettle/internal/api"
	"github.com/terminal-bench/tokensettle/internal/audit"
	"github.com/terminal-bench/tokensettle/internal/compliance"
	"github.com/terminal-bench/tokensettle/internal/config"
	"github.com/terminal-bench/tokensettle/internal/jobs"
	"github.com/terminal-bench/tokensettle/internal/metrics"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/notify"
	"github.com/terminal-bench/tokensettle/internal/orders"
	"github.com/terminal-bench/tokensettle/internal/payments"
	"github.com/terminal-bench/tokensettle/internal/reconcile"
	"github.com/terminal-bench/tokensettle/internal/registry"
	"github.com/terminal-bench/tokensettle/internal/store"
	"github.com/terminal-bench/tokensettle/internal/store/memory"
	"github.com/terminal-bench/tokensettle/internal/store/postgres"
	"github.com/terminal-bench/tokensettle/internal/transfer"
	"github.com/terminal-bench/tokensettle/pkg/circuit"
	"github.com/terminal-bench/tokensettle/pkg/messaging"
	"go.uber.org/zap"
)

const (
	tokenCacheTTL   = 5 * time.Minute
	notifyBuffer    = 1024
	notifySendLimit = 5 * time.Second
)

// Core holds the components both processes run
type Core struct {
	Config    *config.Config
	Logger    *zap.Logger
	Store     store.Store
	NATS      *messaging.Client
	Redis     *redis.Client
	Metrics   metrics.Recorder
	Audit     *audit.Trail
	Queue     *jobs.Queue
	Ledger    *orders.Ledger
	Payments  *payments.Adapter
	Reconcile *reconcile.Queue
	Inbox     *notify.Inbox
	Fanout    *notify.Fanout
	// RelayerBreaker is handed to the transfer worker
	Breakers       *circuit.BreakerGroup
	RelayerBreaker *circuit.Breaker

	closers []func()
}

// Build connects to the configured backends and wires the pipeline.
// hub may be nil; it receives notifications for local websocket clients.
// NATS, Redis and InfluxDB are optional and skipped when unreachable or
// unconfigured.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, service string, hub *notify.Hub) (*Core, error) {
	c := &Core{Config: cfg, Logger: logger}

	if err := c.openStore(ctx); err != nil {
		return nil, err
	}
	c.connectNATS(service)
	if err := c.connectRedis(ctx); err != nil {
		c.Close()
		return nil, err
	}

	c.Metrics = metrics.Nop{}
	if cfg.InfluxURL != "" {
		influx := metrics.NewInflux(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, service, logger)
		c.Metrics = influx
		c.closers = append(c.closers, influx.Close)
	}

	var pub messaging.Publisher
	if c.NATS != nil {
		pub = c.NATS
	}
	var rdb redis.Cmdable
	if c.Redis != nil {
		rdb = c.Redis
	}

	senders := []notify.Sender{}
	if c.Redis != nil {
		c.Inbox = notify.NewInbox(c.Redis)
		senders = append(senders, c.Inbox)
	}
	if c.NATS != nil {
		senders = append(senders, notify.NewNATSSender(c.NATS))
	}
	if hub != nil {
		if c.NATS != nil {
			group := service + "-" + uuid.New().String()
			if err := notify.RelayToHub(c.NATS, group, hub, logger); err != nil {
				c.Close()
				return nil, fmt.Errorf("failed to relay notifications: %w", err)
			}
		} else {
			senders = append(senders, hub)
		}
	}
	c.Fanout = notify.NewFanout(notifyBuffer, notifySendLimit, logger, senders...)
	c.Fanout.Start()

	c.Breakers = circuit.NewBreakerGroup(func(name string, from, to circuit.State) {
		logger.Warn("circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})
	c.RelayerBreaker = c.Breakers.Add(transfer.BreakerConfig())

	c.Audit = audit.NewTrail(c.Store, logger)
	gate := compliance.NewGate(c.Store, c.Store, compliance.Ceilings{
		models.CategoryRetail:        cfg.RetailCeiling,
		models.CategoryAccredited:    cfg.AccreditedCeiling,
		models.CategoryInstitutional: cfg.InstitutionalCeiling,
	}, c.Audit, c.Metrics, logger)

	c.Queue = jobs.NewQueue(c.Store, jobs.Config{
		MaxAttempts: cfg.MaxAttempts,
		Backoff: jobs.Backoff{
			Base:       cfg.BackoffBase,
			Multiplier: cfg.BackoffMultiplier,
			Max:        cfg.BackoffMax,
		},
		ClaimLease: cfg.ClaimLease,
	}, pub, c.Metrics, logger)

	c.Reconcile = reconcile.NewQueue(c.Store, c.Audit, logger)

	c.Ledger = orders.NewLedger(orders.Deps{
		Store:     c.Store,
		Tokens:    registry.NewCache(c.Store, rdb, tokenCacheTTL, logger),
		Gate:      gate,
		Queue:     c.Queue,
		Reconcile: c.Reconcile,
		Audit:     c.Audit,
		Notifier:  c.Fanout,
		Publisher: pub,
		Metrics:   c.Metrics,
		Logger:    logger,
	}, orders.Config{
		FeeRate:     cfg.FeeRate,
		NetworkFee:  cfg.NetworkFee,
		OrderTTL:    cfg.OrderTTL,
		Currency:    cfg.Currency,
		MaxAttempts: cfg.MaxAttempts,
		StallAfter:  cfg.StallAfter,
	})

	c.Payments = payments.NewAdapter(payments.Deps{
		Store:     c.Store,
		Ledger:    c.Ledger,
		Gateway:   payments.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewayKeyID, cfg.GatewayKeySecret, cfg.GatewayTimeout),
		Breaker:   c.Breakers.Add(payments.BreakerConfig()),
		Reconcile: c.Reconcile,
		Audit:     c.Audit,
		Metrics:   c.Metrics,
		Logger:    logger,
	}, payments.Config{
		WebhookSecret: cfg.GatewayWebhookSecret,
		KeyID:         cfg.GatewayKeyID,
	})

	return c, nil
}

func (c *Core) openStore(ctx context.Context) error {
	if c.Config.StoreDriver == "memory" {
		c.Logger.Warn("using in-memory store; state is lost on exit")
		c.Store = memory.New()
		return nil
	}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, err := postgres.Open(openCtx, c.Config.DatabaseURL, c.Config.DBMaxOpenConns)
	if err != nil {
		return err
	}
	c.Store = st
	c.closers = append(c.closers, func() { st.Close() })
	return nil
}

func (c *Core) connectNATS(service string) {
	if c.Config.NATSURL == "" {
		return
	}
	client, err := messaging.NewClient(messaging.Config{
		URL:            c.Config.NATSURL,
		Name:           service,
		ReconnectWait:  time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}, c.Logger)
	if err != nil {
		c.Logger.Warn("continuing without NATS", zap.Error(err))
		return
	}
	c.NATS = client
	c.closers = append(c.closers, func() { client.Close() })
}

func (c *Core) connectRedis(ctx context.Context) error {
	if c.Config.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(c.Config.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// the cache degrades to direct reads; the inbox is skipped
		c.Logger.Warn("continuing without Redis", zap.Error(err))
		rdb.Close()
		return nil
	}
	c.Redis = rdb
	c.closers = append(c.closers, func() { rdb.Close() })
	return nil
}

// HealthChecks reports the dependencies readiness depends on
func (c *Core) HealthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"store": c.Store.Ping,
	}
	if c.NATS != nil {
		checks["nats"] = func(context.Context) error {
			if !c.NATS.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		}
	}
	if c.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return c.Redis.Ping(ctx).Err()
		}
	}
	return checks
}

// Close drains notifications and releases connections in reverse order
func (c *Core) Close() {
	if c.Fanout != nil {
		c.Fanout.Close()
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
