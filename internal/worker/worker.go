package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vulnscan/vulnscan/internal/apperrors"
	"github.com/vulnscan/vulnscan/internal/cache"
	"github.com/vulnscan/vulnscan/internal/logger"
	"github.com/vulnscan/vulnscan/internal/models"
	"github.com/vulnscan/vulnscan/internal/scanner"
)

// Store is the subset of the scan repository a worker mutates. The worker
// never holds a database handle across the scanner invocation; every call
// here is one short round-trip.
type Store interface {
	ClaimNextPending(workerID string) (*models.VulnerabilityScan, error)
	ClaimByID(id uuid.UUID, workerID string) (*models.VulnerabilityScan, error)
	UpdateStatus(id uuid.UUID, status models.ScanStatus, workerID string) error
	SaveResults(scan *models.VulnerabilityScan) error
	MarkFailed(id uuid.UUID, errMessage, errCode string, incrementRetry bool) error
}

// Auditor appends state transition entries. Failures are logged, never fatal.
type Auditor interface {
	Record(entry *models.ScanAuditLog) error
}

// DetailStore persists denormalized findings when detail persistence is on.
type DetailStore interface {
	ReplaceForScan(scanID uuid.UUID, details []*models.VulnerabilityDetail) error
}

// ImageScanner runs the external scanner for one image reference.
type ImageScanner interface {
	Scan(ctx context.Context, imageRef, outputPath string) (*scanner.Output, error)
}

// StatusInvalidator drops read-cache entries that a terminal transition
// makes stale. Failures degrade to TTL expiry, never to an error.
type StatusInvalidator interface {
	Delete(ctx context.Context, keys ...string) error
}

// Worker drives claimed scans through the state machine sequentially.
type Worker struct {
	id             string
	store          Store
	audit          Auditor
	details        DetailStore
	invoker        ImageScanner
	weights        scanner.Weights
	persistDetails bool
	statusCache    StatusInvalidator
	log            logrus.FieldLogger
}

func New(id string, store Store, audit Auditor, invoker ImageScanner, weights scanner.Weights, log logrus.FieldLogger) *Worker {
	return &Worker{
		id:      id,
		store:   store,
		audit:   audit,
		invoker: invoker,
		weights: weights,
		log:     logger.WithWorker(log, id),
	}
}

// WithDetailPersistence enables per-finding rows on completed scans.
func (w *Worker) WithDetailPersistence(details DetailStore) *Worker {
	w.details = details
	w.persistDetails = details != nil
	return w
}

// WithStatusInvalidation drops status-poll and dashboard cache entries
// when a scan reaches a terminal state.
func (w *Worker) WithStatusInvalidation(c StatusInvalidator) *Worker {
	w.statusCache = c
	return w
}

// ProcessScan drives one claimed scan to a terminal state. The scan arrives
// in pulling with worker_id and started_at already set by the claimer.
// Errors never escape; every path lands on completed or failed.
func (w *Worker) ProcessScan(ctx context.Context, scan *models.VulnerabilityScan) {
	log := logger.WithScan(w.log, scan.ID)
	log.WithField("image", scan.FullImageName()).Info("processing scan")

	claimedAt := time.Now()
	if scan.StartedAt != nil {
		claimedAt = *scan.StartedAt
	}

	w.recordAudit(scan.ID, statusPtr(models.StatusPending), models.StatusPulling,
		fmt.Sprintf("claimed by %s", w.id))

	tmpDir, err := os.MkdirTemp("", "vulnscan-")
	if err != nil {
		w.fail(scan, apperrors.Wrap(apperrors.CodeInternal, "failed to create scan workspace", err), log)
		return
	}
	defer os.RemoveAll(tmpDir)

	// Image pull happens inside the scanner; the pulling phase covers the
	// claim-to-launch window.
	pullDuration := time.Since(claimedAt).Seconds()

	if err := w.transition(scan, models.StatusScanning, "launching scanner"); err != nil {
		log.WithError(err).Error("failed to enter scanning state")
		return
	}

	outputPath := filepath.Join(tmpDir, "report.json")
	output, err := w.invoker.Scan(ctx, scan.FullImageName(), outputPath)
	if err != nil {
		w.fail(scan, err, log)
		return
	}

	if err := w.transition(scan, models.StatusParsing, "extracting metrics"); err != nil {
		log.WithError(err).Error("failed to enter parsing state")
		return
	}

	parseStart := time.Now()
	metrics := scanner.CalculateRiskMetrics(output.Report, w.weights)
	analysisDuration := time.Since(parseStart).Seconds()
	scanDuration := time.Since(claimedAt).Seconds()

	scan.RawReport = output.Raw
	scan.ImageDigest = output.Report.Digest()
	scan.CriticalCount = metrics.CriticalCount
	scan.HighCount = metrics.HighCount
	scan.MediumCount = metrics.MediumCount
	scan.LowCount = metrics.LowCount
	scan.UnknownCount = metrics.UnknownCount
	scan.TotalVulnerabilities = metrics.Total
	scan.FixableCount = metrics.FixableCount
	scan.UnfixableCount = metrics.Unfixable
	scan.RiskScore = metrics.RiskScore
	scan.MaxCVSSScore = metrics.MaxCVSSScore
	scan.AvgCVSSScore = metrics.AvgCVSSScore
	scan.IsCompliant = metrics.IsCompliant
	scan.ComplianceStatus = metrics.ComplianceStatus
	scan.ScanDuration = &scanDuration
	scan.PullDuration = &pullDuration
	scan.AnalysisDuration = &analysisDuration
	scan.TrivyVersion = &output.Version

	if err := w.store.SaveResults(scan); err != nil {
		log.WithError(err).Error("terminal write failed")
		w.fail(scan, apperrors.Wrap(apperrors.CodeDatabase, "failed to persist results", err), log)
		return
	}

	auditData, _ := json.Marshal(map[string]any{
		"total_vulnerabilities": metrics.Total,
		"risk_score":            metrics.RiskScore,
		"compliance_status":     metrics.ComplianceStatus,
	})
	w.recordAuditData(scan.ID, statusPtr(models.StatusParsing), models.StatusCompleted,
		"scan completed", auditData)
	w.invalidateCaches(scan.ID)

	if w.persistDetails {
		if err := w.details.ReplaceForScan(scan.ID, scanner.BuildDetails(output.Report)); err != nil {
			log.WithError(err).Warn("failed to persist finding details")
		}
	}

	log.WithFields(logrus.Fields{
		"total":      metrics.Total,
		"risk_score": metrics.RiskScore,
		"compliance": metrics.ComplianceStatus,
		"duration_s": scanDuration,
	}).Info("scan completed")
}

// transition bumps the status in a short transaction and audits it.
func (w *Worker) transition(scan *models.VulnerabilityScan, to models.ScanStatus, message string) error {
	if err := w.store.UpdateStatus(scan.ID, to, w.id); err != nil {
		return err
	}
	previous := scan.Status
	scan.Status = to
	w.recordAudit(scan.ID, &previous, to, message)
	return nil
}

// fail lands the scan in the failed state with a classified code. Permanent
// classifications skip the retry counter so they never re-enter the queue.
func (w *Worker) fail(scan *models.VulnerabilityScan, cause error, log logrus.FieldLogger) {
	code := apperrors.CodeOf(cause)
	permanent := apperrors.IsPermanent(code)

	log.WithError(cause).WithFields(logrus.Fields{
		"error_code": code,
		"permanent":  permanent,
	}).Warn("scan failed")

	if err := w.store.MarkFailed(scan.ID, cause.Error(), code, !permanent); err != nil {
		log.WithError(err).Error("failed to record scan failure")
		return
	}
	previous := scan.Status
	scan.Status = models.StatusFailed
	w.recordAudit(scan.ID, &previous, models.StatusFailed, cause.Error())
	w.invalidateCaches(scan.ID)
}

// invalidateCaches drops the entries a terminal transition made stale:
// the scan's status-poll document and the fleet dashboard aggregates.
func (w *Worker) invalidateCaches(scanID uuid.UUID) {
	if w.statusCache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.statusCache.Delete(ctx, cache.ScanStatusKey(scanID), cache.DashboardStatsKey); err != nil {
		logger.WithScan(w.log, scanID).WithError(err).Warn("cache invalidation failed")
	}
}

func (w *Worker) recordAudit(scanID uuid.UUID, previous *models.ScanStatus, next models.ScanStatus, message string) {
	w.recordAuditData(scanID, previous, next, message, nil)
}

func (w *Worker) recordAuditData(scanID uuid.UUID, previous *models.ScanStatus, next models.ScanStatus, message string, data json.RawMessage) {
	actor := w.id
	entry := &models.ScanAuditLog{
		ScanID:         scanID,
		PreviousStatus: previous,
		NewStatus:      next,
		Message:        &message,
		AuditData:      data,
		TriggeredBy:    &actor,
	}
	if err := w.audit.Record(entry); err != nil {
		logger.WithScan(w.log, scanID).WithError(err).Warn("audit write failed")
	}
}

func statusPtr(s models.ScanStatus) *models.ScanStatus { return &s }
