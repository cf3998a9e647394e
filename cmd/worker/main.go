package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/terminal-bench/tokensettle/internal/app"
	"github.com/terminal-bench/tokensettle/internal/chain"
	"github.com/terminal-bench/tokensettle/internal/config"
	"github.com/terminal-bench/tokensettle/internal/coord"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/transfer"
	"github.com/terminal-bench/tokensettle/pkg/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	sweepBatch      = 100
	leaderTTL       = 10
	electionPrefix  = "/tokensettle/leader/order-sweeps"
	wakeupGroup     = "transfer-workers"
	relayerDeadline = 60 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Debug)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := app.Build(ctx, cfg, logger, "settlement-worker", nil)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	defer core.Close()

	if core.NATS != nil {
		if err := core.Queue.SubscribeWakeups(core.NATS, wakeupGroup, models.JobTypeTransfer); err != nil {
			logger.Warn("job wakeups disabled; relying on polling", zap.Error(err))
		}
	}

	worker := transfer.NewWorker(transfer.Deps{
		Queue:       core.Queue,
		Ledger:      core.Ledger,
		ChainTxs:    core.Store,
		Chain:       chain.NewRelayer(cfg.ChainRelayerURL, cfg.ChainRelayerToken, relayerDeadline),
		Breaker:     core.RelayerBreaker,
		Compensator: core.Payments,
		Reconcile:   core.Reconcile,
		Audit:       core.Audit,
		Logger:      logger,
	}, cfg.AttemptTimeout)
	pool := transfer.NewPool(worker, cfg.WorkerConcurrency, cfg.PollInterval, logger)

	leader, closeLeader, err := newLeader(cfg, logger)
	if err != nil {
		logger.Fatal("failed to set up leader election", zap.Error(err))
	}
	defer closeLeader()

	srv := healthServer(cfg, core)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		return leader.RunAsLeader(gctx, func(leaderCtx context.Context) {
			core.Ledger.RunSweeps(leaderCtx, cfg.SweepInterval, sweepBatch)
		})
	})
	g.Go(func() error {
		logger.Info("worker health listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
		return
	}
	logger.Info("worker stopped")
}

// newLeader elects through etcd when endpoints are configured
func newLeader(cfg *config.Config, logger *zap.Logger) (coord.Leader, func(), error) {
	if len(cfg.EtcdEndpoints) == 0 {
		return coord.Standalone{}, func() {}, nil
	}
	client, err := coord.Connect(cfg.EtcdEndpoints, 5*time.Second)
	if err != nil {
		return nil, nil, err
	}
	host, _ := os.Hostname()
	id := fmt.Sprintf("%s-%d", host, os.Getpid())
	return coord.NewElector(client, electionPrefix, id, leaderTTL, logger), func() { client.Close() }, nil
}

func healthServer(cfg *config.Config, core *app.Core) *http.Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	checks := core.HealthChecks()
	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		results := gin.H{}
		status := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		breakers := gin.H{}
		for name, state := range core.Breakers.States() {
			breakers[name] = state.String()
		}
		c.JSON(status, gin.H{"checks": results, "breakers": breakers})
	})

	return &http.Server{
		Addr:              ":" + cfg.WorkerPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
