package scanner

import "time"

// Report is the scanner's JSON output document. Only the fields the metric
// extractor reads are declared; the raw bytes are stored verbatim anyway.
type Report struct {
	SchemaVersion int      `json:"SchemaVersion"`
	ArtifactName  string   `json:"ArtifactName"`
	Metadata      Metadata `json:"Metadata"`
	Results       []Result `json:"Results"`
}

type Metadata struct {
	ImageID     string   `json:"ImageID"`
	RepoDigests []string `json:"RepoDigests"`
}

// Result is one scan target (OS packages, a language lockfile, ...).
// Vulnerabilities may be null for a clean target.
type Result struct {
	Target          string          `json:"Target"`
	Type            string          `json:"Type"`
	Vulnerabilities []Vulnerability `json:"Vulnerabilities"`
}

type Vulnerability struct {
	VulnerabilityID  string          `json:"VulnerabilityID"`
	PkgName          string          `json:"PkgName"`
	InstalledVersion string          `json:"InstalledVersion"`
	FixedVersion     string          `json:"FixedVersion"`
	Severity         string          `json:"Severity"`
	CVSS             map[string]CVSS `json:"CVSS"`
	PublishedDate    *time.Time      `json:"PublishedDate"`
}

// CVSS scores per source. Pointers distinguish absent from zero.
type CVSS struct {
	V2Score *float64 `json:"V2Score"`
	V3Score *float64 `json:"V3Score"`
}

// Digest returns the first repo digest when the scanner reported one.
func (r *Report) Digest() *string {
	if len(r.Metadata.RepoDigests) > 0 {
		return &r.Metadata.RepoDigests[0]
	}
	return nil
}
