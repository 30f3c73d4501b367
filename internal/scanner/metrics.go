package scanner

import (
	"math"
	"sort"
	"strings"

	"github.com/vulnscan/vulnscan/internal/models"
)

// Weights scale per-severity counts into the risk score. Unknown findings
// are tallied but never scored.
type Weights struct {
	Critical int
	High     int
	Medium   int
	Low      int
}

// DefaultWeights mirror the configuration defaults.
var DefaultWeights = Weights{Critical: 100, High: 50, Medium: 10, Low: 1}

// RiskMetrics is everything the terminal write derives from one report.
type RiskMetrics struct {
	CriticalCount int
	HighCount     int
	MediumCount   int
	LowCount      int
	UnknownCount  int
	Total         int
	FixableCount  int
	Unfixable     int

	RiskScore    int
	MaxCVSSScore *float64
	AvgCVSSScore *float64

	IsCompliant      bool
	ComplianceStatus models.ComplianceStatus
}

// CalculateRiskMetrics folds every finding across every result into severity
// tallies, CVSS aggregates and the compliance classification. A nil report
// or missing Results yields all zeros and a compliant verdict.
func CalculateRiskMetrics(report *Report, weights Weights) *RiskMetrics {
	m := &RiskMetrics{}
	var scores []float64

	if report != nil {
		for _, result := range report.Results {
			for _, vuln := range result.Vulnerabilities {
				m.Total++

				switch strings.ToUpper(vuln.Severity) {
				case models.SeverityCritical:
					m.CriticalCount++
				case models.SeverityHigh:
					m.HighCount++
				case models.SeverityMedium:
					m.MediumCount++
				case models.SeverityLow:
					m.LowCount++
				default:
					m.UnknownCount++
				}

				if IsFixable(vuln.FixedVersion) {
					m.FixableCount++
				}

				if score := ExtractCVSSScore(vuln.CVSS); score != nil {
					scores = append(scores, *score)
				}
			}
		}
	}

	m.Unfixable = m.Total - m.FixableCount
	m.RiskScore = m.CriticalCount*weights.Critical +
		m.HighCount*weights.High +
		m.MediumCount*weights.Medium +
		m.LowCount*weights.Low

	if len(scores) > 0 {
		maxScore := scores[0]
		sum := 0.0
		for _, s := range scores {
			if s > maxScore {
				maxScore = s
			}
			sum += s
		}
		avg := math.Round(sum/float64(len(scores))*100) / 100
		m.MaxCVSSScore = &maxScore
		m.AvgCVSSScore = &avg
	}

	switch {
	case m.CriticalCount > 0 || m.HighCount > 0:
		m.ComplianceStatus = models.ComplianceFail
	case m.MediumCount > 0 || m.LowCount > 0:
		m.ComplianceStatus = models.ComplianceReview
	default:
		m.ComplianceStatus = models.CompliancePass
		m.IsCompliant = true
	}
	return m
}

// IsFixable reports whether a finding has an actionable fixed version.
func IsFixable(fixedVersion string) bool {
	return strings.TrimSpace(fixedVersion) != ""
}

// ExtractCVSSScore picks one score per finding with fixed source priority:
// nvd V3, any V3, nvd V2, any V2. Fallback sources are visited in sorted
// key order so the result does not depend on map iteration.
func ExtractCVSSScore(cvss map[string]CVSS) *float64 {
	if len(cvss) == 0 {
		return nil
	}

	if nvd, ok := cvss["nvd"]; ok && nvd.V3Score != nil {
		return nvd.V3Score
	}

	sources := make([]string, 0, len(cvss))
	for source := range cvss {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	for _, source := range sources {
		if score := cvss[source].V3Score; score != nil {
			return score
		}
	}
	if nvd, ok := cvss["nvd"]; ok && nvd.V2Score != nil {
		return nvd.V2Score
	}
	for _, source := range sources {
		if score := cvss[source].V2Score; score != nil {
			return score
		}
	}
	return nil
}

// BuildDetails flattens the report into denormalized finding rows for the
// optional detail persistence path.
func BuildDetails(report *Report) []*models.VulnerabilityDetail {
	details := []*models.VulnerabilityDetail{}
	if report == nil {
		return details
	}
	for _, result := range report.Results {
		for _, vuln := range result.Vulnerabilities {
			d := &models.VulnerabilityDetail{
				VulnerabilityID: vuln.VulnerabilityID,
				PackageName:     vuln.PkgName,
				PackageVersion:  vuln.InstalledVersion,
				Severity:        strings.ToUpper(vuln.Severity),
				IsFixable:       IsFixable(vuln.FixedVersion),
				PublishedDate:   vuln.PublishedDate,
			}
			if d.Severity == "" {
				d.Severity = models.SeverityUnknown
			}
			if d.IsFixable {
				fixed := strings.TrimSpace(vuln.FixedVersion)
				d.FixedVersion = &fixed
			}
			d.CVSSScore = ExtractCVSSScore(vuln.CVSS)
			details = append(details, d)
		}
	}
	return details
}
