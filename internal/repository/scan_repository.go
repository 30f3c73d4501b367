package repository

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/vulnscan/vulnscan/internal/models"
)

// ErrDuplicateKey is returned by Create when another request inserted the
// same idempotency key first. Callers refetch by key and join that scan.
var ErrDuplicateKey = errors.New("idempotency key already exists")

// GenerateIdempotencyKey derives the deduplication key for an image within
// a TTL bucket. Submissions of the same image inside one bucket collapse to
// one scan; the bucket boundary rolls the key over.
func GenerateIdempotencyKey(registry, imageName, imageTag string, ttlMinutes int, now time.Time) string {
	bucket := now.UTC().Truncate(time.Duration(ttlMinutes) * time.Minute)
	raw := fmt.Sprintf("%s/%s:%s:%s", registry, imageName, imageTag, bucket.Format("200601021504"))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:32]
}

type ScanRepository struct {
	db *sql.DB
}

func NewScanRepository(db *sql.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

const scanColumns = `id, idempotency_key, image_name, image_tag, image_digest, registry,
	status, error_message, error_code, retry_count, raw_report,
	critical_count, high_count, medium_count, low_count, unknown_count,
	total_vulnerabilities, fixable_count, unfixable_count,
	risk_score, max_cvss_score, avg_cvss_score, is_compliant, compliance_status,
	scan_duration, pull_duration, analysis_duration,
	created_at, started_at, completed_at, updated_at, worker_id, trivy_version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner) (*models.VulnerabilityScan, error) {
	scan := &models.VulnerabilityScan{}
	var (
		idempotencyKey sql.NullString
		imageDigest    sql.NullString
		errorMessage   sql.NullString
		errorCode      sql.NullString
		rawReport      []byte
		maxCVSS        sql.NullFloat64
		avgCVSS        sql.NullFloat64
		scanDuration   sql.NullFloat64
		pullDuration   sql.NullFloat64
		analysisDur    sql.NullFloat64
		startedAt      sql.NullTime
		completedAt    sql.NullTime
		workerID       sql.NullString
		trivyVersion   sql.NullString
	)

	err := row.Scan(
		&scan.ID,
		&idempotencyKey,
		&scan.ImageName,
		&scan.ImageTag,
		&imageDigest,
		&scan.Registry,
		&scan.Status,
		&errorMessage,
		&errorCode,
		&scan.RetryCount,
		&rawReport,
		&scan.CriticalCount,
		&scan.HighCount,
		&scan.MediumCount,
		&scan.LowCount,
		&scan.UnknownCount,
		&scan.TotalVulnerabilities,
		&scan.FixableCount,
		&scan.UnfixableCount,
		&scan.RiskScore,
		&maxCVSS,
		&avgCVSS,
		&scan.IsCompliant,
		&scan.ComplianceStatus,
		&scanDuration,
		&pullDuration,
		&analysisDur,
		&scan.CreatedAt,
		&startedAt,
		&completedAt,
		&scan.UpdatedAt,
		&workerID,
		&trivyVersion,
	)
	if err != nil {
		return nil, err
	}

	if idempotencyKey.Valid {
		scan.IdempotencyKey = &idempotencyKey.String
	}
	if imageDigest.Valid {
		scan.ImageDigest = &imageDigest.String
	}
	if errorMessage.Valid {
		scan.ErrorMessage = &errorMessage.String
	}
	if errorCode.Valid {
		scan.ErrorCode = &errorCode.String
	}
	if len(rawReport) > 0 {
		scan.RawReport = rawReport
	}
	if maxCVSS.Valid {
		scan.MaxCVSSScore = &maxCVSS.Float64
	}
	if avgCVSS.Valid {
		scan.AvgCVSSScore = &avgCVSS.Float64
	}
	if scanDuration.Valid {
		scan.ScanDuration = &scanDuration.Float64
	}
	if pullDuration.Valid {
		scan.PullDuration = &pullDuration.Float64
	}
	if analysisDur.Valid {
		scan.AnalysisDuration = &analysisDur.Float64
	}
	if startedAt.Valid {
		scan.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		scan.CompletedAt = &completedAt.Time
	}
	if workerID.Valid {
		scan.WorkerID = &workerID.String
	}
	if trivyVersion.Valid {
		scan.TrivyVersion = &trivyVersion.String
	}
	return scan, nil
}

// Create inserts a new pending scan. A unique violation on the idempotency
// key means a concurrent request won the insert race; callers should refetch
// by key and join that record.
func (r *ScanRepository) Create(scan *models.VulnerabilityScan) error {
	query := `
		INSERT INTO vulnerability_scans (
			idempotency_key, image_name, image_tag, registry, status
		) VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(
		query,
		scan.IdempotencyKey,
		scan.ImageName,
		scan.ImageTag,
		scan.Registry,
		scan.Status,
	).Scan(&scan.ID, &scan.CreatedAt, &scan.UpdatedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to create scan: %w", err)
	}
	return nil
}

// GetByID retrieves a scan by its UUID. Returns sql.ErrNoRows when absent.
func (r *ScanRepository) GetByID(id uuid.UUID) (*models.VulnerabilityScan, error) {
	query := `SELECT ` + scanColumns + ` FROM vulnerability_scans WHERE id = $1`
	return scanRow(r.db.QueryRow(query, id))
}

// FindByIdempotencyKey retrieves the scan holding the given key.
func (r *ScanRepository) FindByIdempotencyKey(key string) (*models.VulnerabilityScan, error) {
	query := `SELECT ` + scanColumns + ` FROM vulnerability_scans WHERE idempotency_key = $1`
	return scanRow(r.db.QueryRow(query, key))
}

// FindCachedScan returns the most recent completed scan of the image within
// the TTL window, or nil when there is no usable cache entry.
func (r *ScanRepository) FindCachedScan(registry, imageName, imageTag string, ttlMinutes int) (*models.VulnerabilityScan, error) {
	query := `
		SELECT ` + scanColumns + `
		FROM vulnerability_scans
		WHERE registry = $1 AND image_name = $2 AND image_tag = $3
		  AND status = 'completed'
		  AND created_at >= $4
		ORDER BY created_at DESC
		LIMIT 1`

	cutoff := time.Now().UTC().Add(-time.Duration(ttlMinutes) * time.Minute)
	scan, err := scanRow(r.db.QueryRow(query, registry, imageName, imageTag, cutoff))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find cached scan: %w", err)
	}
	return scan, nil
}

// FindInProgress returns the oldest non-terminal scan of the image, or nil.
// Used to join duplicate submissions onto the running scan.
func (r *ScanRepository) FindInProgress(registry, imageName, imageTag string) (*models.VulnerabilityScan, error) {
	query := `
		SELECT ` + scanColumns + `
		FROM vulnerability_scans
		WHERE registry = $1 AND image_name = $2 AND image_tag = $3
		  AND status = ANY($4)
		ORDER BY created_at ASC
		LIMIT 1`

	statuses := make([]string, len(models.InProgressStatuses))
	for i, s := range models.InProgressStatuses {
		statuses[i] = string(s)
	}

	scan, err := scanRow(r.db.QueryRow(query, registry, imageName, imageTag, pq.Array(statuses)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find in-progress scan: %w", err)
	}
	return scan, nil
}

// UpdateStatus advances a scan to a non-terminal state. Terminal rows are
// never modified; the WHERE clause enforces the invariant at the database.
func (r *ScanRepository) UpdateStatus(id uuid.UUID, status models.ScanStatus, workerID string) error {
	query := `
		UPDATE vulnerability_scans SET
			status = $2,
			worker_id = COALESCE(NULLIF($3, ''), worker_id),
			started_at = CASE WHEN started_at IS NULL AND $2 <> 'pending' THEN CURRENT_TIMESTAMP ELSE started_at END
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`

	result, err := r.db.Exec(query, id, status, workerID)
	if err != nil {
		return fmt.Errorf("failed to update scan status: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("scan %s is terminal or missing, status not updated", id)
	}
	return nil
}

// MarkFailed moves a scan to failed with a bounded error message. The retry
// counter only advances when incrementRetry is set, so permanent failures
// keep their count and never re-enter the retry queue by accident.
func (r *ScanRepository) MarkFailed(id uuid.UUID, errMessage, errCode string, incrementRetry bool) error {
	// VARCHAR(500) counts characters, and a byte slice could split a rune
	if runes := []rune(errMessage); len(runes) > 500 {
		errMessage = string(runes[:500])
	}

	increment := 0
	if incrementRetry {
		increment = 1
	}

	query := `
		UPDATE vulnerability_scans SET
			status = 'failed',
			error_message = $2,
			error_code = $3,
			retry_count = retry_count + $4,
			completed_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`

	result, err := r.db.Exec(query, id, errMessage, errCode, increment)
	if err != nil {
		return fmt.Errorf("failed to mark scan failed: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("scan %s is terminal or missing, failure not recorded", id)
	}
	return nil
}

// SaveResults performs the terminal write for a successful scan: metrics,
// raw report and timings land atomically with the completed status.
func (r *ScanRepository) SaveResults(scan *models.VulnerabilityScan) error {
	query := `
		UPDATE vulnerability_scans SET
			status = 'completed',
			image_digest = $2,
			raw_report = $3,
			critical_count = $4,
			high_count = $5,
			medium_count = $6,
			low_count = $7,
			unknown_count = $8,
			total_vulnerabilities = $9,
			fixable_count = $10,
			unfixable_count = $11,
			risk_score = $12,
			max_cvss_score = $13,
			avg_cvss_score = $14,
			is_compliant = $15,
			compliance_status = $16,
			scan_duration = $17,
			pull_duration = $18,
			analysis_duration = $19,
			trivy_version = $20,
			error_message = NULL,
			error_code = NULL,
			completed_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`

	result, err := r.db.Exec(
		query,
		scan.ID,
		scan.ImageDigest,
		[]byte(scan.RawReport),
		scan.CriticalCount,
		scan.HighCount,
		scan.MediumCount,
		scan.LowCount,
		scan.UnknownCount,
		scan.TotalVulnerabilities,
		scan.FixableCount,
		scan.UnfixableCount,
		scan.RiskScore,
		scan.MaxCVSSScore,
		scan.AvgCVSSScore,
		scan.IsCompliant,
		scan.ComplianceStatus,
		scan.ScanDuration,
		scan.PullDuration,
		scan.AnalysisDuration,
		scan.TrivyVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to save scan results: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("scan %s is terminal or missing, results not saved", scan.ID)
	}
	return nil
}

// Delete removes a scan. Details and audit rows cascade at the database.
func (r *ScanRepository) Delete(id uuid.UUID) error {
	result, err := r.db.Exec(`DELETE FROM vulnerability_scans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete scan: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListFilter narrows List results. Zero values mean no filtering.
type ListFilter struct {
	Status        models.ScanStatus
	ImageContains string
	CompliantOnly bool
	Page          int
	PageSize      int
}

// List returns a page of scans newest first plus the total matching count.
func (r *ScanRepository) List(filter ListFilter) ([]*models.VulnerabilityScan, int, error) {
	conditions := []string{}
	args := []any{}
	argIndex := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, filter.Status)
		argIndex++
	}
	if filter.ImageContains != "" {
		conditions = append(conditions, fmt.Sprintf("image_name LIKE $%d", argIndex))
		args = append(args, "%"+strings.ToLower(filter.ImageContains)+"%")
		argIndex++
	}
	if filter.CompliantOnly {
		conditions = append(conditions, "is_compliant = true")
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM vulnerability_scans` + whereClause
	if err := r.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count scans: %w", err)
	}

	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}
	if filter.PageSize > 100 {
		filter.PageSize = 100
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	offset := (filter.Page - 1) * filter.PageSize

	query := fmt.Sprintf(
		`SELECT `+scanColumns+` FROM vulnerability_scans%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		whereClause, argIndex, argIndex+1,
	)
	args = append(args, filter.PageSize, offset)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	scans := []*models.VulnerabilityScan{}
	for rows.Next() {
		scan, err := scanRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan row: %w", err)
		}
		scans = append(scans, scan)
	}
	return scans, total, rows.Err()
}

// ClaimNextPending atomically takes the oldest pending scan for a polling
// worker. SKIP LOCKED lets concurrent workers claim distinct rows without
// blocking each other. Returns nil when the queue is empty.
func (r *ScanRepository) ClaimNextPending(workerID string) (*models.VulnerabilityScan, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	var id uuid.UUID
	err = tx.QueryRow(`
		SELECT id FROM vulnerability_scans
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select pending scan: %w", err)
	}

	query := `
		UPDATE vulnerability_scans SET
			status = 'pulling',
			worker_id = $2,
			started_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING ` + scanColumns

	scan, err := scanRow(tx.QueryRow(query, id, workerID))
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending scan: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return scan, nil
}

// ClaimByID claims one specific scan for targeted dispatch. The conditional
// update loses cleanly when another worker got there first; a nil result
// with nil error means the race was lost or the scan no longer exists.
func (r *ScanRepository) ClaimByID(id uuid.UUID, workerID string) (*models.VulnerabilityScan, error) {
	query := `
		UPDATE vulnerability_scans SET
			status = 'pulling',
			worker_id = $2,
			started_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + scanColumns

	scan, err := scanRow(r.db.QueryRow(query, id, workerID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim scan %s: %w", id, err)
	}
	return scan, nil
}

// GetRetryCandidates returns failed scans still eligible for retry. Scans
// with permanent error codes never qualify.
func (r *ScanRepository) GetRetryCandidates(maxRetries, limit int) ([]*models.VulnerabilityScan, error) {
	query := `
		SELECT ` + scanColumns + `
		FROM vulnerability_scans
		WHERE status = 'failed'
		  AND retry_count < $1
		  AND (error_code IS NULL OR error_code NOT IN ('IMAGE_NOT_FOUND', 'INVALID_IMAGE', 'AUTH_FAILED'))
		ORDER BY completed_at ASC
		LIMIT $2`

	rows, err := r.db.Query(query, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query retry candidates: %w", err)
	}
	defer rows.Close()

	scans := []*models.VulnerabilityScan{}
	for rows.Next() {
		scan, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		scans = append(scans, scan)
	}
	return scans, rows.Err()
}

// RequeueForRetry moves a failed scan back to pending so the worker pool
// can pick it up again. Only failed rows transition.
func (r *ScanRepository) RequeueForRetry(id uuid.UUID) error {
	query := `
		UPDATE vulnerability_scans SET
			status = 'pending',
			worker_id = NULL,
			started_at = NULL,
			completed_at = NULL
		WHERE id = $1 AND status = 'failed'`

	result, err := r.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to requeue scan: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("scan %s not in failed state, not requeued", id)
	}
	return nil
}
