package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/vulnscan/vulnscan/internal/models"
)

// RetryStore is the repository surface the requeue job needs.
type RetryStore interface {
	GetRetryCandidates(maxRetries, limit int) ([]*models.VulnerabilityScan, error)
	RequeueForRetry(id uuid.UUID) error
}

// DBRefresher updates the scanner's vulnerability database.
type DBRefresher interface {
	RefreshDB(ctx context.Context) error
}

// Dispatcher offers requeued scans back to the worker pool.
type Dispatcher interface {
	Dispatch(id uuid.UUID)
}

// retryBatchSize bounds one requeue sweep so a backlog of failures cannot
// flood the pending queue at once.
const retryBatchSize = 20

// Scheduler runs the periodic maintenance jobs: requeueing retry-eligible
// failed scans and refreshing the scanner's vulnerability database.
type Scheduler struct {
	cron       *cron.Cron
	store      RetryStore
	refresher  DBRefresher
	dispatcher Dispatcher
	maxRetries int
	log        logrus.FieldLogger
}

func New(store RetryStore, refresher DBRefresher, dispatcher Dispatcher, maxRetries int, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		store:      store,
		refresher:  refresher,
		dispatcher: dispatcher,
		maxRetries: maxRetries,
		log:        log,
	}
}

// Start registers the jobs and starts the cron loop. requeueMinutes drives
// the retry sweep; refreshSpec is a standard cron expression for the
// vulnerability database refresh.
func (s *Scheduler) Start(requeueMinutes int, refreshSpec string) error {
	requeueSpec := fmt.Sprintf("@every %dm", requeueMinutes)
	if _, err := s.cron.AddFunc(requeueSpec, s.requeueFailedScans); err != nil {
		return fmt.Errorf("failed to schedule retry requeue: %w", err)
	}
	if _, err := s.cron.AddFunc(refreshSpec, s.refreshVulnDB); err != nil {
		return fmt.Errorf("failed to schedule db refresh: %w", err)
	}

	s.cron.Start()
	s.log.WithFields(logrus.Fields{
		"requeue": requeueSpec,
		"refresh": refreshSpec,
	}).Info("scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

// requeueFailedScans moves retry-eligible failed scans back to pending and
// offers them to the pool. Scans with permanent error codes never show up
// in the candidate query.
func (s *Scheduler) requeueFailedScans() {
	candidates, err := s.store.GetRetryCandidates(s.maxRetries, retryBatchSize)
	if err != nil {
		s.log.WithError(err).Error("retry candidate query failed")
		return
	}

	for _, scan := range candidates {
		if err := s.store.RequeueForRetry(scan.ID); err != nil {
			s.log.WithError(err).WithField("scan_id", scan.ID.String()).Warn("requeue failed")
			continue
		}
		s.dispatcher.Dispatch(scan.ID)
		s.log.WithFields(logrus.Fields{
			"scan_id":     scan.ID.String(),
			"image":       scan.FullImageName(),
			"retry_count": scan.RetryCount,
		}).Info("scan requeued for retry")
	}
}

func (s *Scheduler) refreshVulnDB() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := s.refresher.RefreshDB(ctx); err != nil {
		s.log.WithError(err).Error("vulnerability db refresh failed")
		return
	}
	s.log.Info("vulnerability db refreshed")
}
