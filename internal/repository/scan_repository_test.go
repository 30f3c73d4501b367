package repository

import (
	"regexp"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/vulnscan/vulnscan/internal/models"
)

func TestGenerateIdempotencyKey(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC)

	key1 := GenerateIdempotencyKey("docker.io", "nginx", "latest", 60, base)
	if len(key1) != 32 {
		t.Fatalf("key length = %d, want 32", len(key1))
	}

	// Same image inside the same TTL bucket collapses to one key
	key2 := GenerateIdempotencyKey("docker.io", "nginx", "latest", 60, base.Add(25*time.Minute))
	if key1 != key2 {
		t.Error("submissions within one bucket should share a key")
	}

	// Bucket rollover produces a fresh key
	key3 := GenerateIdempotencyKey("docker.io", "nginx", "latest", 60, base.Add(time.Hour))
	if key1 == key3 {
		t.Error("submissions in different buckets should not share a key")
	}

	// Any image component change produces a fresh key
	key4 := GenerateIdempotencyKey("docker.io", "nginx", "1.25", 60, base)
	if key1 == key4 {
		t.Error("different tags should not share a key")
	}
	key5 := GenerateIdempotencyKey("gcr.io", "nginx", "latest", 60, base)
	if key1 == key5 {
		t.Error("different registries should not share a key")
	}
}

func TestCreate_DuplicateKeyRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO vulnerability_scans")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "vulnerability_scans_idempotency_key_key"})

	repo := NewScanRepository(db)
	key := "abc123"
	scan := &models.VulnerabilityScan{
		IdempotencyKey: &key,
		ImageName:      "nginx",
		ImageTag:       "latest",
		Registry:       "docker.io",
		Status:         models.StatusPending,
	}

	if err := repo.Create(scan); err != ErrDuplicateKey {
		t.Errorf("Create on unique violation = %v, want ErrDuplicateKey", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestClaimByID_LostRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE vulnerability_scans")).
		WithArgs(id, "worker-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := NewScanRepository(db)
	scan, err := repo.ClaimByID(id, "worker-1")
	if err != nil {
		t.Fatalf("ClaimByID: %v", err)
	}
	if scan != nil {
		t.Error("lost claim race should return nil scan, nil error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestClaimNextPending_EmptyQueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	repo := NewScanRepository(db)
	scan, err := repo.ClaimNextPending("worker-1")
	if err != nil {
		t.Fatalf("ClaimNextPending: %v", err)
	}
	if scan != nil {
		t.Error("empty queue should return nil scan, nil error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkFailed_TruncatesMessage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	id := uuid.New()
	longMessage := strings.Repeat("x", 600)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE vulnerability_scans")).
		WithArgs(id, strings.Repeat("x", 500), "TRIVY_ERROR", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewScanRepository(db)
	if err := repo.MarkFailed(id, longMessage, "TRIVY_ERROR", true); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkFailed_TruncatesOnRuneBoundary(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	id := uuid.New()
	// Multibyte runes must not be split mid-sequence by the 500-char bound
	longMessage := strings.Repeat("п", 600)
	want := strings.Repeat("п", 500)
	if !utf8.ValidString(want) {
		t.Fatal("expected truncation target is not valid UTF-8")
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE vulnerability_scans")).
		WithArgs(id, want, "TRIVY_ERROR", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewScanRepository(db)
	if err := repo.MarkFailed(id, longMessage, "TRIVY_ERROR", true); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkFailed_TerminalScanRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	id := uuid.New()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE vulnerability_scans")).
		WithArgs(id, "boom", "TRIVY_ERROR", 0).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewScanRepository(db)
	if err := repo.MarkFailed(id, "boom", "TRIVY_ERROR", false); err == nil {
		t.Error("marking a terminal scan failed should error")
	}
}

func TestFindCachedScan_Miss(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM vulnerability_scans")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := NewScanRepository(db)
	scan, err := repo.FindCachedScan("docker.io", "nginx", "latest", 60)
	if err != nil {
		t.Fatalf("FindCachedScan: %v", err)
	}
	if scan != nil {
		t.Error("cache miss should return nil scan, nil error")
	}
}

func TestList_FilterArguments(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM vulnerability_scans")).
		WithArgs("completed", "%nginx%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC")).
		WithArgs("completed", "%nginx%", 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := NewScanRepository(db)
	scans, total, err := repo.List(ListFilter{
		Status:        models.StatusCompleted,
		ImageContains: "NGINX",
		Page:          1,
		PageSize:      20,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 0 || len(scans) != 0 {
		t.Errorf("List = %d scans, total %d, want empty", len(scans), total)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestList_PageSizeClamped(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC")).
		WithArgs(100, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := NewScanRepository(db)
	if _, _, err := repo.List(ListFilter{Page: 1, PageSize: 500}); err != nil {
		t.Fatalf("List: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
