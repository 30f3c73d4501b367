package repository

import (
	"database/sql"
	"fmt"
	"math"

	"github.com/vulnscan/vulnscan/internal/models"
)

// DashboardRepository answers aggregate questions directly in SQL. Counts
// and averages come from one pass over the indexed metric columns instead
// of loading rows into memory.
type DashboardRepository struct {
	db *sql.DB
}

func NewDashboardRepository(db *sql.DB) *DashboardRepository {
	return &DashboardRepository{db: db}
}

// GetStats computes the fleet-wide dashboard aggregates.
func (r *DashboardRepository) GetStats() (*models.DashboardStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status IN ('pending', 'pulling', 'scanning', 'parsing')),
			COALESCE(SUM(critical_count) FILTER (WHERE status = 'completed'), 0),
			COALESCE(SUM(high_count) FILTER (WHERE status = 'completed'), 0),
			COALESCE(SUM(medium_count) FILTER (WHERE status = 'completed'), 0),
			COALESCE(SUM(low_count) FILTER (WHERE status = 'completed'), 0),
			COUNT(*) FILTER (WHERE status = 'completed' AND is_compliant),
			COUNT(*) FILTER (WHERE status = 'completed' AND NOT is_compliant),
			COALESCE(SUM(fixable_count) FILTER (WHERE status = 'completed'), 0),
			COALESCE(SUM(total_vulnerabilities) FILTER (WHERE status = 'completed'), 0),
			COALESCE(AVG(risk_score) FILTER (WHERE status = 'completed'), 0)
		FROM vulnerability_scans`

	stats := &models.DashboardStats{}
	var totalFixable, totalVulns int
	var avgRisk float64

	err := r.db.QueryRow(query).Scan(
		&stats.TotalScans,
		&stats.CompletedScans,
		&stats.FailedScans,
		&stats.ActiveScans,
		&stats.TotalCritical,
		&stats.TotalHigh,
		&stats.TotalMedium,
		&stats.TotalLow,
		&stats.CompliantImages,
		&stats.NonCompliantImages,
		&totalFixable,
		&totalVulns,
		&avgRisk,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute dashboard stats: %w", err)
	}

	if totalVulns > 0 {
		stats.FixablePercentage = math.Round(float64(totalFixable)/float64(totalVulns)*10000) / 100
	}
	stats.AvgRiskScore = math.Round(avgRisk*100) / 100

	top, err := r.topVulnerableImages(5)
	if err != nil {
		return nil, err
	}
	stats.TopVulnerableImages = top
	return stats, nil
}

// topVulnerableImages ranks images by the risk score of their most recent
// completed scan, so an image that was fixed since its bad scan drops off.
func (r *DashboardRepository) topVulnerableImages(limit int) ([]models.TopVulnerableImage, error) {
	query := `
		SELECT image_name, image_tag, risk_score, critical_count, high_count
		FROM (
			SELECT DISTINCT ON (image_name, image_tag)
				image_name, image_tag, risk_score, critical_count, high_count
			FROM vulnerability_scans
			WHERE status = 'completed'
			ORDER BY image_name, image_tag, completed_at DESC
		) latest
		ORDER BY risk_score DESC
		LIMIT $1`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top vulnerable images: %w", err)
	}
	defer rows.Close()

	images := []models.TopVulnerableImage{}
	for rows.Next() {
		var img models.TopVulnerableImage
		err := rows.Scan(&img.ImageName, &img.ImageTag, &img.RiskScore, &img.CriticalCount, &img.HighCount)
		if err != nil {
			return nil, fmt.Errorf("failed to scan top image row: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// GetImageTrend returns the completed scan history of one image oldest
// first, sized for charting.
func (r *DashboardRepository) GetImageTrend(imageName string, limit int) ([]models.TrendPoint, error) {
	if limit <= 0 {
		limit = 30
	}
	query := `
		SELECT id, image_tag, risk_score, total_vulnerabilities,
		       critical_count, high_count, is_compliant, completed_at
		FROM vulnerability_scans
		WHERE image_name = $1 AND status = 'completed'
		ORDER BY completed_at DESC
		LIMIT $2`

	rows, err := r.db.Query(query, imageName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query image trend: %w", err)
	}
	defer rows.Close()

	points := []models.TrendPoint{}
	for rows.Next() {
		var p models.TrendPoint
		err := rows.Scan(
			&p.ScanID,
			&p.ImageTag,
			&p.RiskScore,
			&p.TotalCount,
			&p.CriticalCount,
			&p.HighCount,
			&p.IsCompliant,
			&p.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trend row: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Chart consumers want chronological order
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points, nil
}
