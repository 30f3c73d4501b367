// internal/logger/logger.go
package logger

import (
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// New builds the application logger. LOG_LEVEL and LOG_FORMAT control
// verbosity and output shape; JSON is the default outside development.
func New(environment string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(getenv("LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	format := getenv("LOG_FORMAT", "")
	if format == "" && environment == "development" {
		format = "text"
	}
	if format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	}
	return l
}

// WithScan returns an entry carrying the scan identifier so every log line
// emitted while processing a job can be correlated.
func WithScan(l logrus.FieldLogger, scanID uuid.UUID) *logrus.Entry {
	return l.WithField("scan_id", scanID.String())
}

// WithWorker tags entries emitted from the worker pool.
func WithWorker(l logrus.FieldLogger, workerID string) *logrus.Entry {
	return l.WithField("worker_id", workerID)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
