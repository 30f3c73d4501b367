package repository

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/vulnscan/vulnscan/internal/models"
)

// DetailRepository persists denormalized findings when SCAN_PERSIST_DETAILS
// is enabled. The bulk insert uses pq.CopyIn since a single image commonly
// carries hundreds of findings.
type DetailRepository struct {
	db *sql.DB
}

func NewDetailRepository(db *sql.DB) *DetailRepository {
	return &DetailRepository{db: db}
}

// ReplaceForScan swaps the finding rows for a scan inside one transaction,
// so a retried scan never leaves rows from the previous attempt behind.
func (r *DetailRepository) ReplaceForScan(scanID uuid.UUID, details []*models.VulnerabilityDetail) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin detail transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM vulnerability_details WHERE scan_id = $1`, scanID); err != nil {
		return fmt.Errorf("failed to clear previous details: %w", err)
	}

	if len(details) > 0 {
		stmt, err := tx.Prepare(pq.CopyIn(
			"vulnerability_details",
			"scan_id", "vulnerability_id", "package_name", "package_version",
			"fixed_version", "severity", "cvss_score", "is_fixable", "published_date",
		))
		if err != nil {
			return fmt.Errorf("failed to prepare detail copy: %w", err)
		}

		for _, d := range details {
			_, err := stmt.Exec(
				scanID,
				d.VulnerabilityID,
				d.PackageName,
				d.PackageVersion,
				d.FixedVersion,
				d.Severity,
				d.CVSSScore,
				d.IsFixable,
				d.PublishedDate,
			)
			if err != nil {
				stmt.Close()
				return fmt.Errorf("failed to copy detail row: %w", err)
			}
		}
		if _, err := stmt.Exec(); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to flush detail copy: %w", err)
		}
		if err := stmt.Close(); err != nil {
			return fmt.Errorf("failed to close detail copy: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit details: %w", err)
	}
	return nil
}

// ListForScan returns the findings of one scan ordered worst first.
func (r *DetailRepository) ListForScan(scanID uuid.UUID) ([]*models.VulnerabilityDetail, error) {
	query := `
		SELECT id, scan_id, vulnerability_id, package_name, package_version,
		       fixed_version, severity, cvss_score, is_fixable, published_date, created_at
		FROM vulnerability_details
		WHERE scan_id = $1
		ORDER BY cvss_score DESC NULLS LAST, vulnerability_id ASC`

	rows, err := r.db.Query(query, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query details: %w", err)
	}
	defer rows.Close()

	details := []*models.VulnerabilityDetail{}
	for rows.Next() {
		d := &models.VulnerabilityDetail{}
		var (
			fixedVersion  sql.NullString
			cvssScore     sql.NullFloat64
			publishedDate sql.NullTime
		)
		err := rows.Scan(
			&d.ID,
			&d.ScanID,
			&d.VulnerabilityID,
			&d.PackageName,
			&d.PackageVersion,
			&fixedVersion,
			&d.Severity,
			&cvssScore,
			&d.IsFixable,
			&publishedDate,
			&d.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detail row: %w", err)
		}
		if fixedVersion.Valid {
			d.FixedVersion = &fixedVersion.String
		}
		if cvssScore.Valid {
			d.CVSSScore = &cvssScore.Float64
		}
		if publishedDate.Valid {
			d.PublishedDate = &publishedDate.Time
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

// FindByCVE returns every recorded occurrence of one CVE joined with the
// image it was found in, newest first.
func (r *DetailRepository) FindByCVE(cveID string, limit int) ([]*models.CVEOccurrence, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := `
		SELECT d.id, d.scan_id, d.vulnerability_id, d.package_name, d.package_version,
		       d.fixed_version, d.severity, d.cvss_score, d.is_fixable, d.published_date, d.created_at,
		       s.image_name, s.image_tag, s.registry
		FROM vulnerability_details d
		JOIN vulnerability_scans s ON s.id = d.scan_id
		WHERE d.vulnerability_id = $1
		ORDER BY d.created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(query, cveID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cve occurrences: %w", err)
	}
	defer rows.Close()

	occurrences := []*models.CVEOccurrence{}
	for rows.Next() {
		o := &models.CVEOccurrence{}
		var (
			fixedVersion  sql.NullString
			cvssScore     sql.NullFloat64
			publishedDate sql.NullTime
		)
		err := rows.Scan(
			&o.ID,
			&o.ScanID,
			&o.VulnerabilityID,
			&o.PackageName,
			&o.PackageVersion,
			&fixedVersion,
			&o.Severity,
			&cvssScore,
			&o.IsFixable,
			&publishedDate,
			&o.CreatedAt,
			&o.ImageName,
			&o.ImageTag,
			&o.Registry,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cve occurrence row: %w", err)
		}
		if fixedVersion.Valid {
			o.FixedVersion = &fixedVersion.String
		}
		if cvssScore.Valid {
			o.CVSSScore = &cvssScore.Float64
		}
		if publishedDate.Valid {
			o.PublishedDate = &publishedDate.Time
		}
		occurrences = append(occurrences, o)
	}
	return occurrences, rows.Err()
}
