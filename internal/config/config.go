package config

import (
	"strconv"
	"strings"
)

type Config struct {
	Port        string
	Host        string
	Environment string
	CORSOrigins []string

	DatabaseURL   string
	DBPoolSize    int
	DBMaxOverflow int

	RedisURL string

	// Scan lifecycle
	CacheTTLMinutes    int
	ScanTimeoutSeconds int
	MaxRetries         int
	PersistDetails     bool

	// Trivy invocation
	TrivyBinaryPath     string
	TrivyCacheDir       string
	TrivyTimeoutSeconds int

	// Worker pool
	WorkerConcurrency   int
	PollIntervalSeconds int
	WorkerEmbedded      bool

	// Risk scoring weights
	RiskWeightCritical int
	RiskWeightHigh     int
	RiskWeightMedium   int
	RiskWeightLow      int

	// Background scheduler
	RetryRequeueMinutes int
	TrivyDBRefreshCron  string
}

func Load() (*Config, error) {
	// Use the centralized environment loader
	LoadEnvOnce()

	poolSize, _ := strconv.Atoi(GetEnvWithFallback("DB_POOL_SIZE", "20"))
	maxOverflow, _ := strconv.Atoi(GetEnvWithFallback("DB_MAX_OVERFLOW", "30"))
	cacheTTL, _ := strconv.Atoi(GetEnvWithFallback("SCAN_CACHE_TTL_MINUTES", "60"))
	scanTimeout, _ := strconv.Atoi(GetEnvWithFallback("SCAN_TIMEOUT_SECONDS", "600"))
	trivyTimeout, _ := strconv.Atoi(GetEnvWithFallback("TRIVY_TIMEOUT_SECONDS", "300"))
	maxRetries, _ := strconv.Atoi(GetEnvWithFallback("SCAN_MAX_RETRIES", "3"))
	concurrency, _ := strconv.Atoi(GetEnvWithFallback("WORKER_CONCURRENCY", "4"))
	pollInterval, _ := strconv.Atoi(GetEnvWithFallback("WORKER_POLL_INTERVAL_SECONDS", "5"))
	weightCritical, _ := strconv.Atoi(GetEnvWithFallback("RISK_WEIGHT_CRITICAL", "100"))
	weightHigh, _ := strconv.Atoi(GetEnvWithFallback("RISK_WEIGHT_HIGH", "50"))
	weightMedium, _ := strconv.Atoi(GetEnvWithFallback("RISK_WEIGHT_MEDIUM", "10"))
	weightLow, _ := strconv.Atoi(GetEnvWithFallback("RISK_WEIGHT_LOW", "1"))
	retryRequeue, _ := strconv.Atoi(GetEnvWithFallback("RETRY_REQUEUE_MINUTES", "10"))

	return &Config{
		Port:        GetEnvWithFallback("PORT", "8080"),
		Host:        GetEnvWithFallback("API_HOST", "0.0.0.0"),
		Environment: GetEnvWithFallback("ENVIRONMENT", "development"),
		CORSOrigins: splitOrigins(GetEnvWithFallback("CORS_ORIGINS", "*")),

		DatabaseURL:   GetEnvWithFallback("DATABASE_URL", "postgresql://localhost:5432/vulnscan?sslmode=disable"),
		DBPoolSize:    poolSize,
		DBMaxOverflow: maxOverflow,

		RedisURL: GetEnvWithFallback("REDIS_URL", ""),

		CacheTTLMinutes:    cacheTTL,
		ScanTimeoutSeconds: scanTimeout,
		MaxRetries:         maxRetries,
		PersistDetails:     GetEnvBool("SCAN_PERSIST_DETAILS", false),

		TrivyBinaryPath:     GetEnvWithFallback("TRIVY_BINARY_PATH", "trivy"),
		TrivyCacheDir:       GetEnvWithFallback("TRIVY_CACHE_DIR", "/tmp/trivy-cache"),
		TrivyTimeoutSeconds: trivyTimeout,

		WorkerConcurrency:   concurrency,
		PollIntervalSeconds: pollInterval,
		WorkerEmbedded:      GetEnvBool("WORKER_EMBEDDED", true),

		RiskWeightCritical: weightCritical,
		RiskWeightHigh:     weightHigh,
		RiskWeightMedium:   weightMedium,
		RiskWeightLow:      weightLow,

		RetryRequeueMinutes: retryRequeue,
		TrivyDBRefreshCron:  GetEnvWithFallback("TRIVY_DB_REFRESH_CRON", "0 3 * * *"),
	}, nil
}

// MaxConnections is the pool ceiling handed to database/sql. The base pool
// size plus overflow bounds bursty claim traffic from the worker pool.
func (c *Config) MaxConnections() int {
	return c.DBPoolSize + c.DBMaxOverflow
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
