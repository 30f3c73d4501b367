package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vulnscan/vulnscan/internal/apperrors"
	"github.com/vulnscan/vulnscan/internal/cache"
	"github.com/vulnscan/vulnscan/internal/models"
	"github.com/vulnscan/vulnscan/internal/repository"
)

// statusPollTTL keeps polling UIs off the database between worker
// transitions. Terminal writes invalidate the entry, so the value only
// bounds staleness for in-flight scans.
const statusPollTTL = 5 * time.Second

// ScanStore is the repository surface the submission and query paths use.
type ScanStore interface {
	Create(scan *models.VulnerabilityScan) error
	GetByID(id uuid.UUID) (*models.VulnerabilityScan, error)
	FindByIdempotencyKey(key string) (*models.VulnerabilityScan, error)
	FindCachedScan(registry, imageName, imageTag string, ttlMinutes int) (*models.VulnerabilityScan, error)
	FindInProgress(registry, imageName, imageTag string) (*models.VulnerabilityScan, error)
	List(filter repository.ListFilter) ([]*models.VulnerabilityScan, int, error)
	Delete(id uuid.UUID) error
}

// Auditor appends audit rows for submission-side transitions.
type Auditor interface {
	Record(entry *models.ScanAuditLog) error
	Timeline(scanID uuid.UUID) ([]*models.ScanAuditLog, error)
}

// Dispatcher offers new scan ids to the worker pool. Implementations must
// not block; the pending-row poll covers anything that gets dropped.
type Dispatcher interface {
	Dispatch(id uuid.UUID)
}

// StatusCache is the redis surface of the status-poll cache.
type StatusCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// DetailReader answers the per-finding queries when detail persistence
// is enabled.
type DetailReader interface {
	ListForScan(scanID uuid.UUID) ([]*models.VulnerabilityDetail, error)
	FindByCVE(cveID string, limit int) ([]*models.CVEOccurrence, error)
}

// SubmitRequest is the parsed submission input.
type SubmitRequest struct {
	ImageName   string
	ImageTag    string
	Registry    string
	ForceRescan bool
	Actor       string
}

// SubmitResult distinguishes the three submission outcomes: a cache hit on
// a recent completed scan, joining in-flight work, or a freshly queued scan.
type SubmitResult struct {
	Scan         *models.VulnerabilityScan
	CacheHit     bool
	NewlyCreated bool
}

type ScanService struct {
	store       ScanStore
	audit       Auditor
	dispatcher  Dispatcher
	details     DetailReader
	statusCache StatusCache
	ttlMinutes  int
	log         logrus.FieldLogger
}

func NewScanService(store ScanStore, audit Auditor, dispatcher Dispatcher, cacheTTLMinutes int, log logrus.FieldLogger) *ScanService {
	return &ScanService{
		store:      store,
		audit:      audit,
		dispatcher: dispatcher,
		ttlMinutes: cacheTTLMinutes,
		log:        log,
	}
}

// WithDetailReader enables the per-finding query surface.
func (s *ScanService) WithDetailReader(details DetailReader) *ScanService {
	s.details = details
	return s
}

// WithStatusCache enables redis-backed status polls.
func (s *ScanService) WithStatusCache(c StatusCache) *ScanService {
	s.statusCache = c
	return s
}

// Submit runs the idempotent submission algorithm: recent completed scans
// are returned as cache hits, in-flight scans are joined, and only then is
// a new pending scan inserted. The unique idempotency key closes the race
// between two concurrent inserts of the same image.
func (s *ScanService) Submit(req SubmitRequest) (*SubmitResult, error) {
	ref, err := NormalizeImageRef(req.ImageName, req.ImageTag, req.Registry)
	if err != nil {
		return nil, err
	}

	if !req.ForceRescan {
		cached, err := s.store.FindCachedScan(ref.Registry, ref.Name, ref.Tag, s.ttlMinutes)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDatabase, "cache lookup failed", err)
		}
		if cached != nil {
			return &SubmitResult{Scan: cached, CacheHit: true}, nil
		}

		inProgress, err := s.store.FindInProgress(ref.Registry, ref.Name, ref.Tag)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDatabase, "in-progress lookup failed", err)
		}
		if inProgress != nil {
			return &SubmitResult{Scan: inProgress}, nil
		}
	}

	key := repository.GenerateIdempotencyKey(ref.Registry, ref.Name, ref.Tag, s.ttlMinutes, time.Now())
	scan := &models.VulnerabilityScan{
		IdempotencyKey:   &key,
		ImageName:        ref.Name,
		ImageTag:         ref.Tag,
		Registry:         ref.Registry,
		Status:           models.StatusPending,
		ComplianceStatus: models.ComplianceReview,
	}

	if err := s.store.Create(scan); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			// Lost the insert race inside this bucket; join the winner
			winner, err := s.store.FindByIdempotencyKey(key)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return nil, apperrors.Wrap(apperrors.CodeDatabase, "duplicate key refetch failed", err)
			}
			if winner == nil {
				return nil, apperrors.New(apperrors.CodeDuplicate, "duplicate submission blocked")
			}
			return &SubmitResult{Scan: winner}, nil
		}
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "scan insert failed", err)
	}

	s.recordSubmitAudit(scan.ID, req.Actor)
	s.dispatcher.Dispatch(scan.ID)

	s.log.WithFields(logrus.Fields{
		"scan_id": scan.ID.String(),
		"image":   scan.FullImageName(),
		"force":   req.ForceRescan,
	}).Info("scan queued")

	return &SubmitResult{Scan: scan, NewlyCreated: true}, nil
}

func (s *ScanService) recordSubmitAudit(scanID uuid.UUID, actor string) {
	message := "scan submitted"
	if actor == "" {
		actor = "api"
	}
	entry := &models.ScanAuditLog{
		ScanID:      scanID,
		NewStatus:   models.StatusPending,
		Message:     &message,
		TriggeredBy: &actor,
	}
	if err := s.audit.Record(entry); err != nil {
		s.log.WithError(err).WithField("scan_id", scanID.String()).Warn("audit write failed")
	}
}

// Get returns one scan or SCAN_NOT_FOUND.
func (s *ScanService) Get(id uuid.UUID) (*models.VulnerabilityScan, error) {
	scan, err := s.store.GetByID(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(id.String())
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "scan lookup failed", err)
	}
	return scan, nil
}

// Status returns the lightweight poll document, served from redis while
// fresh. Only in-flight scans are cached; the worker drops the entry on
// terminal transitions so pollers observe completion promptly.
func (s *ScanService) Status(ctx context.Context, id uuid.UUID) (*models.ScanStatusResponse, error) {
	key := cache.ScanStatusKey(id)
	if s.statusCache != nil {
		resp := &models.ScanStatusResponse{}
		err := s.statusCache.Get(ctx, key, resp)
		if err == nil {
			return resp, nil
		}
		if err != cache.ErrMiss {
			s.log.WithError(err).Warn("status cache read failed")
		}
	}

	scan, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	resp := scan.ToStatusResponse()

	if s.statusCache != nil && !scan.IsTerminal() {
		if err := s.statusCache.Set(ctx, key, resp, statusPollTTL); err != nil {
			s.log.WithError(err).Warn("status cache write failed")
		}
	}
	return resp, nil
}

// Vulnerabilities returns the persisted findings of one scan, worst first.
// The scan must exist; with detail persistence off the list is empty.
func (s *ScanService) Vulnerabilities(id uuid.UUID) ([]*models.VulnerabilityDetail, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}
	if s.details == nil {
		return []*models.VulnerabilityDetail{}, nil
	}
	details, err := s.details.ListForScan(id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "detail lookup failed", err)
	}
	return details, nil
}

// FindCVE answers "which images carry this CVE" from the persisted
// finding rows, newest occurrences first.
func (s *ScanService) FindCVE(cveID string, limit int) ([]*models.CVEOccurrence, error) {
	if s.details == nil {
		return []*models.CVEOccurrence{}, nil
	}
	occurrences, err := s.details.FindByCVE(cveID, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "cve lookup failed", err)
	}
	return occurrences, nil
}

// List returns a filtered page of scans plus the total count.
func (s *ScanService) List(filter repository.ListFilter) ([]*models.VulnerabilityScan, int, error) {
	scans, total, err := s.store.List(filter)
	if err != nil {
		return nil, 0, apperrors.Wrap(apperrors.CodeDatabase, "scan list failed", err)
	}
	return scans, total, nil
}

// Delete removes a scan; details and audit rows cascade.
func (s *ScanService) Delete(id uuid.UUID) error {
	err := s.store.Delete(id)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound(id.String())
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "scan delete failed", err)
	}
	return nil
}

// AuditTimeline returns the transition history of one scan. The scan must
// exist; an empty trail on an existing scan is returned as an empty slice.
func (s *ScanService) AuditTimeline(id uuid.UUID) ([]*models.ScanAuditLog, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}
	entries, err := s.audit.Timeline(id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "audit timeline lookup failed", err)
	}
	return entries, nil
}
