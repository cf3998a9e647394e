package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/terminal-bench/tokensettle/internal/api"
	"github.com/terminal-bench/tokensettle/internal/app"
	"github.com/terminal-bench/tokensettle/internal/auth"
	"github.com/terminal-bench/tokensettle/internal/config"
	"github.com/terminal-bench/tokensettle/internal/notify"
	"github.com/terminal-bench/tokensettle/pkg/logging"
	"go.uber.org/zap"
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

	hub := notify.NewHub(nil, logger)
	core, err := app.Build(ctx, cfg, logger, "settlement-api", hub)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}

	var inbox api.Inbox
	if core.Inbox != nil {
		inbox = core.Inbox
	}
	server := api.NewServer(api.Deps{
		Orders:    core.Ledger,
		Payments:  core.Payments,
		ChainTxs:  core.Store,
		Reconcile: core.Reconcile,
		Audit:     core.Audit,
		Inbox:     inbox,
		Hub:       hub,
		Verifier:  auth.NewVerifier(cfg.JWTSecret),
		Checks:    core.HealthChecks(),
		Breakers:  core.Breakers,
		Logger:    logger,
	}, api.Config{
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Debug:          cfg.Debug,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	hub.Close()
	core.Close()
}
