package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mwangiq/escrow-engine/internal/api"
	"github.com/mwangiq/escrow-engine/internal/api/middleware"
	"github.com/mwangiq/escrow-engine/internal/config"
	"github.com/mwangiq/escrow-engine/internal/db"
	"github.com/mwangiq/escrow-engine/internal/gateway"
	"github.com/mwangiq/escrow-engine/internal/idempotency"
	"github.com/mwangiq/escrow-engine/internal/notifier"
	"github.com/mwangiq/escrow-engine/internal/observability"
	"github.com/mwangiq/escrow-engine/internal/repository"
	"github.com/mwangiq/escrow-engine/internal/service"
	"github.com/mwangiq/escrow-engine/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Run bootstraps the HTTP server and the sweep scheduler, blocking until
// shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.ConfigureAuth(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, db.Config{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: cfg.DBConnMaxLifetime,
		MaxConnIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	store := repository.NewPostgresStore(pool)
	receipts := idempotency.NewReceipts(redisClient, store, cfg.ReceiptTTL)

	gw := gateway.NewMockGateway()
	gw.FailureRate = cfg.GatewayFailureRate

	svc := service.NewEscrowService(store, gw, receipts, notifier.NewLogNotifier()).
		WithWindows(cfg.ShipWindow, cfg.ReleaseWindow).
		WithAmountLimit(cfg.MaxAmountCents)

	scheduler := worker.NewScheduler(svc, worker.Intervals{
		AutoRelease: cfg.AutoReleaseInterval,
		AutoRefund:  cfg.AutoRefundInterval,
		Reminders:   cfg.ReminderInterval,
		FraudScan:   cfg.FraudScanInterval,
		SellerStats: cfg.StatsInterval,
		Cleanup:     cfg.CleanupInterval,
		PayoutRetry: cfg.PayoutRetryInterval,
	})
	stopScheduler := scheduler.Run(ctx)
	logger.Info("sweep scheduler started", zap.Strings("jobs", scheduler.JobNames()))

	router := api.NewRouter(cfg, logger, pool, redisClient, svc, scheduler)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping sweep scheduler")
	stopScheduler()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
