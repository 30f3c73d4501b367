package models

import (
	"encoding/json"
	"time"
)

// VulnerabilityCounts groups the per-severity tallies in API responses.
type VulnerabilityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Unknown  int `json:"unknown"`
	Total    int `json:"total"`
	Fixable  int `json:"fixable"`
}

// RiskAssessment groups scoring and compliance in API responses.
type RiskAssessment struct {
	RiskScore        int              `json:"risk_score"`
	MaxCVSSScore     *float64         `json:"max_cvss_score,omitempty"`
	AvgCVSSScore     *float64         `json:"avg_cvss_score,omitempty"`
	IsCompliant      bool             `json:"is_compliant"`
	ComplianceStatus ComplianceStatus `json:"compliance_status"`
}

// ScanTiming groups phase durations in API responses.
type ScanTiming struct {
	ScanDuration     *float64 `json:"scan_duration,omitempty"`
	PullDuration     *float64 `json:"pull_duration,omitempty"`
	AnalysisDuration *float64 `json:"analysis_duration,omitempty"`
}

// ScanResponse is the nested API document projected from the flat scan row.
// RawReport is only populated when the caller opts in.
type ScanResponse struct {
	ID           string              `json:"id"`
	ImageName    string              `json:"image_name"`
	ImageTag     string              `json:"image_tag"`
	Registry     string              `json:"registry"`
	ImageDigest  *string             `json:"image_digest,omitempty"`
	FullImage    string              `json:"full_image"`
	Status       ScanStatus          `json:"status"`
	Counts       VulnerabilityCounts `json:"vulnerability_counts"`
	Risk         RiskAssessment      `json:"risk_assessment"`
	Timing       ScanTiming          `json:"timing"`
	ErrorMessage *string             `json:"error_message,omitempty"`
	ErrorCode    *string             `json:"error_code,omitempty"`
	RetryCount   int                 `json:"retry_count"`
	WorkerID     *string             `json:"worker_id,omitempty"`
	TrivyVersion *string             `json:"trivy_version,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
	RawReport    json.RawMessage     `json:"raw_report,omitempty"`
}

// ToResponse builds the API projection. Pass includeReport=true to attach
// the raw scanner document (large; excluded by default).
func (s *VulnerabilityScan) ToResponse(includeReport bool) *ScanResponse {
	resp := &ScanResponse{
		ID:          s.ID.String(),
		ImageName:   s.ImageName,
		ImageTag:    s.ImageTag,
		Registry:    s.Registry,
		ImageDigest: s.ImageDigest,
		FullImage:   s.FullImageName(),
		Status:      s.Status,
		Counts: VulnerabilityCounts{
			Critical: s.CriticalCount,
			High:     s.HighCount,
			Medium:   s.MediumCount,
			Low:      s.LowCount,
			Unknown:  s.UnknownCount,
			Total:    s.TotalVulnerabilities,
			Fixable:  s.FixableCount,
		},
		Risk: RiskAssessment{
			RiskScore:        s.RiskScore,
			MaxCVSSScore:     s.MaxCVSSScore,
			AvgCVSSScore:     s.AvgCVSSScore,
			IsCompliant:      s.IsCompliant,
			ComplianceStatus: s.ComplianceStatus,
		},
		Timing: ScanTiming{
			ScanDuration:     s.ScanDuration,
			PullDuration:     s.PullDuration,
			AnalysisDuration: s.AnalysisDuration,
		},
		ErrorMessage: s.ErrorMessage,
		ErrorCode:    s.ErrorCode,
		RetryCount:   s.RetryCount,
		WorkerID:     s.WorkerID,
		TrivyVersion: s.TrivyVersion,
		CreatedAt:    s.CreatedAt,
		StartedAt:    s.StartedAt,
		CompletedAt:  s.CompletedAt,
	}
	if includeReport {
		resp.RawReport = s.RawReport
	}
	return resp
}

// ScanStatusResponse is the lightweight polling document.
type ScanStatusResponse struct {
	ID           string     `json:"id"`
	Status       ScanStatus `json:"status"`
	IsTerminal   bool       `json:"is_terminal"`
	Progress     int        `json:"progress"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ToStatusResponse builds the polling projection.
func (s *VulnerabilityScan) ToStatusResponse() *ScanStatusResponse {
	return &ScanStatusResponse{
		ID:           s.ID.String(),
		Status:       s.Status,
		IsTerminal:   s.IsTerminal(),
		Progress:     s.Status.Progress(),
		ErrorMessage: s.ErrorMessage,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}
