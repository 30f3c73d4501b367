package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vulnscan/vulnscan/internal/apperrors"
	"github.com/vulnscan/vulnscan/internal/cache"
	"github.com/vulnscan/vulnscan/internal/models"
	"github.com/vulnscan/vulnscan/internal/repository"
)

type fakeScanStore struct {
	cached     *models.VulnerabilityScan
	inProgress *models.VulnerabilityScan
	byKey      *models.VulnerabilityScan
	createErr  error
	created    *models.VulnerabilityScan
	deleted    []uuid.UUID
}

func (s *fakeScanStore) Create(scan *models.VulnerabilityScan) error {
	if s.createErr != nil {
		return s.createErr
	}
	scan.ID = uuid.New()
	s.created = scan
	return nil
}

func (s *fakeScanStore) GetByID(id uuid.UUID) (*models.VulnerabilityScan, error) {
	if s.created != nil && s.created.ID == id {
		return s.created, nil
	}
	return nil, sql.ErrNoRows
}

func (s *fakeScanStore) FindByIdempotencyKey(key string) (*models.VulnerabilityScan, error) {
	return s.byKey, nil
}

func (s *fakeScanStore) FindCachedScan(registry, imageName, imageTag string, ttlMinutes int) (*models.VulnerabilityScan, error) {
	return s.cached, nil
}

func (s *fakeScanStore) FindInProgress(registry, imageName, imageTag string) (*models.VulnerabilityScan, error) {
	return s.inProgress, nil
}

func (s *fakeScanStore) List(filter repository.ListFilter) ([]*models.VulnerabilityScan, int, error) {
	return nil, 0, nil
}

func (s *fakeScanStore) Delete(id uuid.UUID) error {
	s.deleted = append(s.deleted, id)
	return nil
}

type fakeAudit struct {
	entries []*models.ScanAuditLog
}

func (a *fakeAudit) Record(entry *models.ScanAuditLog) error {
	a.entries = append(a.entries, entry)
	return nil
}

func (a *fakeAudit) Timeline(scanID uuid.UUID) ([]*models.ScanAuditLog, error) {
	return a.entries, nil
}

type fakeDispatcher struct {
	dispatched []uuid.UUID
}

func (d *fakeDispatcher) Dispatch(id uuid.UUID) {
	d.dispatched = append(d.dispatched, id)
}

type fakeStatusCache struct {
	entries map[string][]byte
}

func (c *fakeStatusCache) Get(ctx context.Context, key string, dest interface{}) error {
	raw, ok := c.entries[key]
	if !ok {
		return cache.ErrMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *fakeStatusCache) Set(ctx context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if c.entries == nil {
		c.entries = map[string][]byte{}
	}
	c.entries[key] = raw
	return nil
}

type fakeDetailReader struct {
	details     []*models.VulnerabilityDetail
	occurrences []*models.CVEOccurrence
	lastCVE     string
	lastLimit   int
}

func (r *fakeDetailReader) ListForScan(scanID uuid.UUID) ([]*models.VulnerabilityDetail, error) {
	return r.details, nil
}

func (r *fakeDetailReader) FindByCVE(cveID string, limit int) ([]*models.CVEOccurrence, error) {
	r.lastCVE = cveID
	r.lastLimit = limit
	return r.occurrences, nil
}

func newService(store *fakeScanStore) (*ScanService, *fakeDispatcher) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	dispatcher := &fakeDispatcher{}
	return NewScanService(store, &fakeAudit{}, dispatcher, 60, log), dispatcher
}

func TestSubmit_CacheHit(t *testing.T) {
	cached := &models.VulnerabilityScan{ID: uuid.New(), Status: models.StatusCompleted}
	svc, dispatcher := newService(&fakeScanStore{cached: cached})

	result, err := svc.Submit(SubmitRequest{ImageName: "redis", ImageTag: "7.0"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.CacheHit || result.NewlyCreated {
		t.Errorf("result = hit:%v new:%v, want hit:true new:false", result.CacheHit, result.NewlyCreated)
	}
	if result.Scan.ID != cached.ID {
		t.Error("cache hit should return the cached scan")
	}
	if len(dispatcher.dispatched) != 0 {
		t.Error("cache hit should not dispatch work")
	}
}

func TestSubmit_JoinsInProgress(t *testing.T) {
	running := &models.VulnerabilityScan{ID: uuid.New(), Status: models.StatusScanning}
	svc, dispatcher := newService(&fakeScanStore{inProgress: running})

	result, err := svc.Submit(SubmitRequest{ImageName: "nginx"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.CacheHit || result.NewlyCreated {
		t.Error("joining in-flight work is neither a hit nor a new scan")
	}
	if result.Scan.ID != running.ID {
		t.Error("should join the in-progress scan")
	}
	if len(dispatcher.dispatched) != 0 {
		t.Error("joining should not dispatch work")
	}
}

func TestSubmit_ForceRescanBypassesCache(t *testing.T) {
	cached := &models.VulnerabilityScan{ID: uuid.New(), Status: models.StatusCompleted}
	store := &fakeScanStore{cached: cached, inProgress: &models.VulnerabilityScan{ID: uuid.New()}}
	svc, dispatcher := newService(store)

	result, err := svc.Submit(SubmitRequest{ImageName: "alpine", ImageTag: "3.18", ForceRescan: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.NewlyCreated || result.CacheHit {
		t.Error("force rescan should create a fresh scan")
	}
	if result.Scan.ID == cached.ID {
		t.Error("force rescan must not reuse the cached scan")
	}
	if len(dispatcher.dispatched) != 1 || dispatcher.dispatched[0] != result.Scan.ID {
		t.Error("new scan should be dispatched to the pool")
	}
}

func TestSubmit_NewScanNormalizedAndKeyed(t *testing.T) {
	store := &fakeScanStore{}
	svc, _ := newService(store)

	result, err := svc.Submit(SubmitRequest{ImageName: "gcr.io/Project/App:V1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	scan := result.Scan
	if scan.Registry != "gcr.io" || scan.ImageName != "project/app" || scan.ImageTag != "v1" {
		t.Errorf("normalized triple = (%s, %s, %s)", scan.Registry, scan.ImageName, scan.ImageTag)
	}
	if scan.Status != models.StatusPending {
		t.Errorf("new scan status = %s, want pending", scan.Status)
	}
	if scan.IdempotencyKey == nil || len(*scan.IdempotencyKey) != 32 {
		t.Error("new scan should carry a 32-char idempotency key")
	}
}

func TestSubmit_DuplicateKeyJoinsWinner(t *testing.T) {
	winner := &models.VulnerabilityScan{ID: uuid.New(), Status: models.StatusPending}
	store := &fakeScanStore{createErr: repository.ErrDuplicateKey, byKey: winner}
	svc, dispatcher := newService(store)

	result, err := svc.Submit(SubmitRequest{ImageName: "nginx"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.NewlyCreated || result.CacheHit {
		t.Error("losing the insert race should join, not create")
	}
	if result.Scan.ID != winner.ID {
		t.Error("should return the scan that won the insert race")
	}
	if len(dispatcher.dispatched) != 0 {
		t.Error("lost race should not dispatch")
	}
}

func TestSubmit_ValidationError(t *testing.T) {
	svc, _ := newService(&fakeScanStore{})

	_, err := svc.Submit(SubmitRequest{ImageName: "bad image!"})
	if apperrors.CodeOf(err) != apperrors.CodeValidation {
		t.Errorf("error code = %s, want VALIDATION_ERROR", apperrors.CodeOf(err))
	}
}

func TestGet_NotFound(t *testing.T) {
	svc, _ := newService(&fakeScanStore{})

	_, err := svc.Get(uuid.New())
	if apperrors.CodeOf(err) != apperrors.CodeScanNotFound {
		t.Errorf("error code = %s, want SCAN_NOT_FOUND", apperrors.CodeOf(err))
	}
}

func TestStatus_ServedFromCache(t *testing.T) {
	// The store is empty, so anything returned must have come from redis
	svc, _ := newService(&fakeScanStore{})
	sc := &fakeStatusCache{entries: map[string][]byte{}}
	svc.WithStatusCache(sc)

	id := uuid.New()
	doc := &models.ScanStatusResponse{ID: id.String(), Status: models.StatusScanning, Progress: 50}
	raw, _ := json.Marshal(doc)
	sc.entries[cache.ScanStatusKey(id)] = raw

	resp, err := svc.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if resp.Status != models.StatusScanning || resp.Progress != 50 {
		t.Errorf("cached status = %s/%d, want scanning/50", resp.Status, resp.Progress)
	}
}

func TestStatus_CachesInFlightNotTerminal(t *testing.T) {
	store := &fakeScanStore{}
	svc, _ := newService(store)
	sc := &fakeStatusCache{}
	svc.WithStatusCache(sc)

	result, err := svc.Submit(SubmitRequest{ImageName: "nginx"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	key := cache.ScanStatusKey(result.Scan.ID)

	if _, err := svc.Status(context.Background(), result.Scan.ID); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if _, ok := sc.entries[key]; !ok {
		t.Error("in-flight status poll should populate the cache")
	}

	delete(sc.entries, key)
	store.created.Status = models.StatusCompleted
	if _, err := svc.Status(context.Background(), result.Scan.ID); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if _, ok := sc.entries[key]; ok {
		t.Error("terminal status must not be re-cached")
	}
}

func TestVulnerabilities_UnknownScan(t *testing.T) {
	svc, _ := newService(&fakeScanStore{})
	svc.WithDetailReader(&fakeDetailReader{})

	_, err := svc.Vulnerabilities(uuid.New())
	if apperrors.CodeOf(err) != apperrors.CodeScanNotFound {
		t.Errorf("error code = %s, want SCAN_NOT_FOUND", apperrors.CodeOf(err))
	}
}

func TestVulnerabilities_ListsPersistedFindings(t *testing.T) {
	store := &fakeScanStore{}
	svc, _ := newService(store)
	reader := &fakeDetailReader{details: []*models.VulnerabilityDetail{
		{VulnerabilityID: "CVE-2024-1234", Severity: "CRITICAL"},
	}}
	svc.WithDetailReader(reader)

	result, err := svc.Submit(SubmitRequest{ImageName: "nginx"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	details, err := svc.Vulnerabilities(result.Scan.ID)
	if err != nil {
		t.Fatalf("Vulnerabilities: %v", err)
	}
	if len(details) != 1 || details[0].VulnerabilityID != "CVE-2024-1234" {
		t.Errorf("details = %+v", details)
	}
}

func TestFindCVE_PassesQueryThrough(t *testing.T) {
	svc, _ := newService(&fakeScanStore{})
	reader := &fakeDetailReader{occurrences: []*models.CVEOccurrence{
		{ImageName: "nginx", ImageTag: "latest"},
	}}
	svc.WithDetailReader(reader)

	occurrences, err := svc.FindCVE("CVE-2024-1234", 25)
	if err != nil {
		t.Fatalf("FindCVE: %v", err)
	}
	if len(occurrences) != 1 || occurrences[0].ImageName != "nginx" {
		t.Errorf("occurrences = %+v", occurrences)
	}
	if reader.lastCVE != "CVE-2024-1234" || reader.lastLimit != 25 {
		t.Errorf("query = (%s, %d)", reader.lastCVE, reader.lastLimit)
	}
}
