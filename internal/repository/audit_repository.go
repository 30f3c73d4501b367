package repository

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/vulnscan/vulnscan/internal/models"
)

// AuditRepository persists the append-only state transition trail. Audit
// writes are best-effort; callers log failures but never fail the scan.
type AuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record appends one transition entry.
func (r *AuditRepository) Record(entry *models.ScanAuditLog) error {
	query := `
		INSERT INTO scan_audit_logs (
			scan_id, previous_status, new_status, message, audit_data, triggered_by
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	var auditData []byte
	if len(entry.AuditData) > 0 {
		auditData = entry.AuditData
	}

	err := r.db.QueryRow(
		query,
		entry.ScanID,
		entry.PreviousStatus,
		entry.NewStatus,
		entry.Message,
		auditData,
		entry.TriggeredBy,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// Timeline returns all transitions for a scan in chronological order.
func (r *AuditRepository) Timeline(scanID uuid.UUID) ([]*models.ScanAuditLog, error) {
	query := `
		SELECT id, scan_id, previous_status, new_status, message, audit_data, triggered_by, created_at
		FROM scan_audit_logs
		WHERE scan_id = $1
		ORDER BY created_at ASC`

	rows, err := r.db.Query(query, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit timeline: %w", err)
	}
	defer rows.Close()

	entries := []*models.ScanAuditLog{}
	for rows.Next() {
		entry := &models.ScanAuditLog{}
		var (
			previousStatus sql.NullString
			message        sql.NullString
			auditData      []byte
			triggeredBy    sql.NullString
		)
		err := rows.Scan(
			&entry.ID,
			&entry.ScanID,
			&previousStatus,
			&entry.NewStatus,
			&message,
			&auditData,
			&triggeredBy,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		if previousStatus.Valid {
			status := models.ScanStatus(previousStatus.String)
			entry.PreviousStatus = &status
		}
		if message.Valid {
			entry.Message = &message.String
		}
		if len(auditData) > 0 {
			entry.AuditData = auditData
		}
		if triggeredBy.Valid {
			entry.TriggeredBy = &triggeredBy.String
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
