package repository

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func detailColumns() []string {
	return []string{
		"id", "scan_id", "vulnerability_id", "package_name", "package_version",
		"fixed_version", "severity", "cvss_score", "is_fixable", "published_date", "created_at",
	}
}

func TestListForScan_MapsNullableFields(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	scanID := uuid.New()
	now := time.Now()
	rows := sqlmock.NewRows(detailColumns()).
		AddRow(uuid.New(), scanID, "CVE-2024-1234", "openssl", "3.0.0",
			"3.0.1", "CRITICAL", 9.8, true, now, now).
		AddRow(uuid.New(), scanID, "CVE-2024-9999", "zlib", "1.2.11",
			nil, "LOW", nil, false, nil, now)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY cvss_score DESC NULLS LAST")).
		WithArgs(scanID).
		WillReturnRows(rows)

	repo := NewDetailRepository(db)
	details, err := repo.ListForScan(scanID)
	if err != nil {
		t.Fatalf("ListForScan: %v", err)
	}
	if len(details) != 2 {
		t.Fatalf("details = %d, want 2", len(details))
	}
	if details[0].FixedVersion == nil || *details[0].FixedVersion != "3.0.1" {
		t.Errorf("fixed version = %v", details[0].FixedVersion)
	}
	if details[1].FixedVersion != nil || details[1].CVSSScore != nil || details[1].PublishedDate != nil {
		t.Error("null columns should map to nil pointers")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFindByCVE_JoinsImage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now()
	columns := append(detailColumns(), "image_name", "image_tag", "registry")
	rows := sqlmock.NewRows(columns).
		AddRow(uuid.New(), uuid.New(), "CVE-2024-1234", "openssl", "3.0.0",
			"3.0.1", "CRITICAL", 9.8, true, now, now,
			"nginx", "latest", "docker.io").
		AddRow(uuid.New(), uuid.New(), "CVE-2024-1234", "openssl", "3.0.0",
			nil, "CRITICAL", nil, false, nil, now,
			"api-server", "v2", "gcr.io")

	mock.ExpectQuery(regexp.QuoteMeta("JOIN vulnerability_scans")).
		WithArgs("CVE-2024-1234", 100).
		WillReturnRows(rows)

	repo := NewDetailRepository(db)
	occurrences, err := repo.FindByCVE("CVE-2024-1234", 0)
	if err != nil {
		t.Fatalf("FindByCVE: %v", err)
	}
	if len(occurrences) != 2 {
		t.Fatalf("occurrences = %d, want 2", len(occurrences))
	}
	if occurrences[0].ImageName != "nginx" || occurrences[1].Registry != "gcr.io" {
		t.Errorf("joined image fields = %s, %s", occurrences[0].ImageName, occurrences[1].Registry)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFindByCVE_LimitClamped(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("JOIN vulnerability_scans")).
		WithArgs("CVE-2024-1234", 100).
		WillReturnRows(sqlmock.NewRows(detailColumns()))

	repo := NewDetailRepository(db)
	if _, err := repo.FindByCVE("CVE-2024-1234", 5000); err != nil {
		t.Fatalf("FindByCVE: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
