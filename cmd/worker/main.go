package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/vulnscan/vulnscan/internal/cache"
	"github.com/vulnscan/vulnscan/internal/config"
	"github.com/vulnscan/vulnscan/internal/database"
	"github.com/vulnscan/vulnscan/internal/logger"
	"github.com/vulnscan/vulnscan/internal/repository"
	"github.com/vulnscan/vulnscan/internal/scanner"
	"github.com/vulnscan/vulnscan/internal/worker"
)

// Standalone worker pool. Scales scan throughput independently of the API;
// it only needs the database and a trivy binary.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLog := logger.New(cfg.Environment)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	scanRepo := repository.NewScanRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	invoker := scanner.NewInvoker(cfg.TrivyBinaryPath, cfg.TrivyCacheDir, cfg.TrivyTimeoutSeconds, appLog)
	weights := scanner.Weights{
		Critical: cfg.RiskWeightCritical,
		High:     cfg.RiskWeightHigh,
		Medium:   cfg.RiskWeightMedium,
		Low:      cfg.RiskWeightLow,
	}

	pool := worker.NewPool(cfg.WorkerConcurrency, cfg.PollIntervalSeconds, scanRepo, auditRepo, invoker, weights, appLog)
	if cfg.PersistDetails {
		pool.WithDetailPersistence(repository.NewDetailRepository(db))
	}

	// Terminal writes happen here, so stale read-cache entries are dropped
	// here too
	if cfg.RedisURL != "" {
		if readCache, err := cache.NewCache(cfg.RedisURL); err != nil {
			appLog.WithError(err).Warn("redis unavailable, cache entries expire by TTL only")
		} else {
			defer readCache.Close()
			pool.WithStatusInvalidation(readCache)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool.Run(ctx)
	appLog.Info("worker shutdown complete")
}
