package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"github.com/vulnscan/vulnscan/internal/api"
	"github.com/vulnscan/vulnscan/internal/cache"
	"github.com/vulnscan/vulnscan/internal/config"
	"github.com/vulnscan/vulnscan/internal/database"
	"github.com/vulnscan/vulnscan/internal/handlers"
	"github.com/vulnscan/vulnscan/internal/logger"
	"github.com/vulnscan/vulnscan/internal/repository"
	"github.com/vulnscan/vulnscan/internal/scanner"
	"github.com/vulnscan/vulnscan/internal/scheduler"
	"github.com/vulnscan/vulnscan/internal/service"
	"github.com/vulnscan/vulnscan/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLog := logger.New(cfg.Environment)

	// Initialize database
	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Run migrations
	if err := database.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Optional redis read cache; the database stays the source of truth
	var readCache *cache.Cache
	if cfg.RedisURL != "" {
		readCache, err = cache.NewCache(cfg.RedisURL)
		if err != nil {
			appLog.WithError(err).Warn("redis unavailable, serving reads from the database")
		} else {
			defer readCache.Close()
		}
	}

	scanRepo := repository.NewScanRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	detailRepo := repository.NewDetailRepository(db)
	dashboardRepo := repository.NewDashboardRepository(db)

	invoker := scanner.NewInvoker(cfg.TrivyBinaryPath, cfg.TrivyCacheDir, cfg.TrivyTimeoutSeconds, appLog)
	weights := scanner.Weights{
		Critical: cfg.RiskWeightCritical,
		High:     cfg.RiskWeightHigh,
		Medium:   cfg.RiskWeightMedium,
		Low:      cfg.RiskWeightLow,
	}

	pool := worker.NewPool(cfg.WorkerConcurrency, cfg.PollIntervalSeconds, scanRepo, auditRepo, invoker, weights, appLog)
	if cfg.PersistDetails {
		pool.WithDetailPersistence(detailRepo)
	}
	if readCache != nil {
		pool.WithStatusInvalidation(readCache)
	}

	scanService := service.NewScanService(scanRepo, auditRepo, pool, cfg.CacheTTLMinutes, appLog).
		WithDetailReader(detailRepo)
	if readCache != nil {
		scanService.WithStatusCache(readCache)
	}
	dashboardService := service.NewDashboardService(dashboardRepo, readCache, appLog)

	server := api.NewServer(cfg, appLog,
		handlers.NewScanHandler(scanService, appLog),
		handlers.NewDashboardHandler(dashboardService, appLog),
		db,
	)

	jobs := scheduler.New(scanRepo, invoker, pool, cfg.MaxRetries, appLog)
	if err := jobs.Start(cfg.RetryRequeueMinutes, cfg.TrivyDBRefreshCron); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer jobs.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if cfg.WorkerEmbedded {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()
	}

	if err := server.Run(ctx); err != nil {
		appLog.WithError(err).Error("http server error")
	}

	stop()
	wg.Wait()
	appLog.Info("shutdown complete")
}
