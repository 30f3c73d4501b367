package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// migrationLockID is arbitrary but must stay consistent across deployments
// so concurrent instances serialize on the same advisory lock.
const migrationLockID = 482915031

// RunMigrations applies the scan schema. Statements are idempotent so the
// function is safe to run on every startup.
func RunMigrations(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	log.Println("Starting database migrations...")

	// Acquire advisory lock to prevent concurrent migrations
	if _, err := db.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := db.Exec("SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Printf("Failed to release migration lock: %v", err)
		}
	}()

	migrations := []string{
		`CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = CURRENT_TIMESTAMP;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,

		// Central scan entity. Scalar metric columns are extracted from the
		// raw report so list and dashboard queries never touch the JSON.
		`CREATE TABLE IF NOT EXISTS vulnerability_scans (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			idempotency_key VARCHAR(64) UNIQUE,
			image_name VARCHAR(512) NOT NULL,
			image_tag VARCHAR(128) NOT NULL,
			image_digest VARCHAR(255),
			registry VARCHAR(255) NOT NULL DEFAULT 'docker.io',
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			error_message VARCHAR(500),
			error_code VARCHAR(50),
			retry_count INTEGER NOT NULL DEFAULT 0,
			raw_report JSONB,
			critical_count INTEGER NOT NULL DEFAULT 0,
			high_count INTEGER NOT NULL DEFAULT 0,
			medium_count INTEGER NOT NULL DEFAULT 0,
			low_count INTEGER NOT NULL DEFAULT 0,
			unknown_count INTEGER NOT NULL DEFAULT 0,
			total_vulnerabilities INTEGER NOT NULL DEFAULT 0,
			fixable_count INTEGER NOT NULL DEFAULT 0,
			unfixable_count INTEGER NOT NULL DEFAULT 0,
			risk_score INTEGER NOT NULL DEFAULT 0,
			max_cvss_score DOUBLE PRECISION,
			avg_cvss_score DOUBLE PRECISION,
			is_compliant BOOLEAN NOT NULL DEFAULT false,
			compliance_status VARCHAR(20) NOT NULL DEFAULT 'pending_review',
			scan_duration DOUBLE PRECISION,
			pull_duration DOUBLE PRECISION,
			analysis_duration DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			worker_id VARCHAR(100),
			trivy_version VARCHAR(50),
			CONSTRAINT chk_scans_risk_score CHECK (risk_score >= 0),
			CONSTRAINT chk_scans_retry_count CHECK (retry_count >= 0 AND retry_count <= 10),
			CONSTRAINT chk_scans_counts CHECK (
				critical_count >= 0 AND high_count >= 0 AND medium_count >= 0 AND
				low_count >= 0 AND unknown_count >= 0 AND total_vulnerabilities >= 0 AND
				fixable_count >= 0 AND unfixable_count >= 0
			)
		)`,

		// Denormalized findings, gated by SCAN_PERSIST_DETAILS
		`CREATE TABLE IF NOT EXISTS vulnerability_details (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			scan_id UUID NOT NULL REFERENCES vulnerability_scans(id) ON DELETE CASCADE,
			vulnerability_id VARCHAR(100) NOT NULL,
			package_name VARCHAR(255) NOT NULL,
			package_version VARCHAR(100) NOT NULL,
			fixed_version VARCHAR(100),
			severity VARCHAR(20) NOT NULL,
			cvss_score DOUBLE PRECISION,
			is_fixable BOOLEAN NOT NULL DEFAULT false,
			published_date TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Append-only state transition trail
		`CREATE TABLE IF NOT EXISTS scan_audit_logs (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			scan_id UUID NOT NULL REFERENCES vulnerability_scans(id) ON DELETE CASCADE,
			previous_status VARCHAR(20),
			new_status VARCHAR(20) NOT NULL,
			message TEXT,
			audit_data JSONB,
			triggered_by VARCHAR(100),
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_scans_image_lookup
			ON vulnerability_scans(image_name, image_tag, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_compliance
			ON vulnerability_scans(is_compliant, critical_count, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_status ON vulnerability_scans(status)`,
		// Partial index keeps the claim query fast regardless of table size
		`CREATE INDEX IF NOT EXISTS idx_scans_pending_queue
			ON vulnerability_scans(created_at) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_scans_retry_queue
			ON vulnerability_scans(completed_at) WHERE status = 'failed' AND retry_count < 3`,
		`CREATE INDEX IF NOT EXISTS idx_details_scan_id ON vulnerability_details(scan_id)`,
		`CREATE INDEX IF NOT EXISTS idx_details_cve ON vulnerability_details(vulnerability_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_scan_id ON scan_audit_logs(scan_id, created_at)`,

		`DROP TRIGGER IF EXISTS update_vulnerability_scans_updated_at ON vulnerability_scans`,
		`CREATE TRIGGER update_vulnerability_scans_updated_at
			BEFORE UPDATE ON vulnerability_scans
			FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed")
	return nil
}
