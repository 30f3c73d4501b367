package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ScanStatus tracks the scan lifecycle state machine.
//
//	pending -> pulling -> scanning -> parsing -> completed
//	              |           |           |
//	              v           v           v
//	            failed      failed      failed
//
// Terminal states: completed, failed.
type ScanStatus string

const (
	StatusPending   ScanStatus = "pending"
	StatusPulling   ScanStatus = "pulling"
	StatusScanning  ScanStatus = "scanning"
	StatusParsing   ScanStatus = "parsing"
	StatusCompleted ScanStatus = "completed"
	StatusFailed    ScanStatus = "failed"
)

// InProgressStatuses are the non-terminal states used for deduplication.
var InProgressStatuses = []ScanStatus{StatusPending, StatusPulling, StatusScanning, StatusParsing}

// IsTerminal reports whether no further updates are expected for this status.
func (s ScanStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress maps a status to a percentage for polling clients.
func (s ScanStatus) Progress() int {
	switch s {
	case StatusPending:
		return 0
	case StatusPulling:
		return 20
	case StatusScanning:
		return 50
	case StatusParsing:
		return 80
	case StatusCompleted, StatusFailed:
		return 100
	}
	return 0
}

// ComplianceStatus classifies a completed scan.
//
// compliant: no critical and no high findings.
// non_compliant: at least one critical or high finding.
// pending_review: only medium/low findings, needs manual review.
type ComplianceStatus string

const (
	CompliancePass   ComplianceStatus = "compliant"
	ComplianceFail   ComplianceStatus = "non_compliant"
	ComplianceReview ComplianceStatus = "pending_review"
)

// Severity levels as reported by the scanner (NVD convention).
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"
	SeverityUnknown  = "UNKNOWN"
)

// VulnerabilityScan is the central scan entity. Scalar metric columns are
// indexed for queries; the full scanner report is retained in RawReport for
// audit and re-parsing.
type VulnerabilityScan struct {
	ID             uuid.UUID `json:"id"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`

	ImageName   string  `json:"image_name"`
	ImageTag    string  `json:"image_tag"`
	ImageDigest *string `json:"image_digest,omitempty"`
	Registry    string  `json:"registry"`

	Status       ScanStatus `json:"status"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	ErrorCode    *string    `json:"error_code,omitempty"`
	RetryCount   int        `json:"retry_count"`

	RawReport json.RawMessage `json:"raw_report,omitempty"`

	CriticalCount        int `json:"critical_count"`
	HighCount            int `json:"high_count"`
	MediumCount          int `json:"medium_count"`
	LowCount             int `json:"low_count"`
	UnknownCount         int `json:"unknown_count"`
	TotalVulnerabilities int `json:"total_vulnerabilities"`
	FixableCount         int `json:"fixable_count"`
	UnfixableCount       int `json:"unfixable_count"`

	RiskScore    int      `json:"risk_score"`
	MaxCVSSScore *float64 `json:"max_cvss_score,omitempty"`
	AvgCVSSScore *float64 `json:"avg_cvss_score,omitempty"`

	IsCompliant      bool             `json:"is_compliant"`
	ComplianceStatus ComplianceStatus `json:"compliance_status"`

	ScanDuration     *float64 `json:"scan_duration,omitempty"`
	PullDuration     *float64 `json:"pull_duration,omitempty"`
	AnalysisDuration *float64 `json:"analysis_duration,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	WorkerID     *string `json:"worker_id,omitempty"`
	TrivyVersion *string `json:"trivy_version,omitempty"`
}

// FullImageName returns the canonical image reference. The default registry
// is omitted, matching what gets passed to the scanner.
func (s *VulnerabilityScan) FullImageName() string {
	if s.Registry != "" && s.Registry != "docker.io" {
		return s.Registry + "/" + s.ImageName + ":" + s.ImageTag
	}
	return s.ImageName + ":" + s.ImageTag
}

// IsTerminal reports whether the scan reached completed or failed.
func (s *VulnerabilityScan) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// VulnerabilityDetail is one finding, denormalized out of the raw report so
// questions like "which images carry CVE-2024-XXXX" stay indexable.
type VulnerabilityDetail struct {
	ID              uuid.UUID  `json:"id"`
	ScanID          uuid.UUID  `json:"scan_id"`
	VulnerabilityID string     `json:"vulnerability_id"`
	PackageName     string     `json:"package_name"`
	PackageVersion  string     `json:"package_version"`
	FixedVersion    *string    `json:"fixed_version,omitempty"`
	Severity        string     `json:"severity"`
	CVSSScore       *float64   `json:"cvss_score,omitempty"`
	IsFixable       bool       `json:"is_fixable"`
	PublishedDate   *time.Time `json:"published_date,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// CVEOccurrence is one finding joined with the image it was found in, the
// answer shape for "which images are affected by CVE-2024-XXXX".
type CVEOccurrence struct {
	VulnerabilityDetail
	ImageName string `json:"image_name"`
	ImageTag  string `json:"image_tag"`
	Registry  string `json:"registry"`
}

// ScanAuditLog records one state transition. Rows are append-only.
type ScanAuditLog struct {
	ID             uuid.UUID       `json:"id"`
	ScanID         uuid.UUID       `json:"scan_id"`
	PreviousStatus *ScanStatus     `json:"previous_status,omitempty"`
	NewStatus      ScanStatus      `json:"new_status"`
	Message        *string         `json:"message,omitempty"`
	AuditData      json.RawMessage `json:"audit_data,omitempty"`
	TriggeredBy    *string         `json:"triggered_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
