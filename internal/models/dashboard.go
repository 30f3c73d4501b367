package models

import "time"

// DashboardStats is the fleet-wide aggregate view computed in SQL.
type DashboardStats struct {
	TotalScans     int `json:"total_scans"`
	CompletedScans int `json:"completed_scans"`
	FailedScans    int `json:"failed_scans"`
	ActiveScans    int `json:"active_scans"`

	TotalCritical int `json:"total_critical"`
	TotalHigh     int `json:"total_high"`
	TotalMedium   int `json:"total_medium"`
	TotalLow      int `json:"total_low"`

	CompliantImages    int `json:"compliant_images"`
	NonCompliantImages int `json:"non_compliant_images"`

	FixablePercentage float64 `json:"fixable_percentage"`
	AvgRiskScore      float64 `json:"avg_risk_score"`

	TopVulnerableImages []TopVulnerableImage `json:"top_vulnerable_images"`
}

// TopVulnerableImage is one row of the worst-offenders list, built from the
// latest completed scan per image.
type TopVulnerableImage struct {
	ImageName     string `json:"image_name"`
	ImageTag      string `json:"image_tag"`
	RiskScore     int    `json:"risk_score"`
	CriticalCount int    `json:"critical_count"`
	HighCount     int    `json:"high_count"`
}

// TrendPoint is one completed scan in an image's history, oldest first in
// the trend response.
type TrendPoint struct {
	ScanID        string    `json:"scan_id"`
	ImageTag      string    `json:"image_tag"`
	RiskScore     int       `json:"risk_score"`
	TotalCount    int       `json:"total_vulnerabilities"`
	CriticalCount int       `json:"critical_count"`
	HighCount     int       `json:"high_count"`
	IsCompliant   bool      `json:"is_compliant"`
	CompletedAt   time.Time `json:"completed_at"`
}
