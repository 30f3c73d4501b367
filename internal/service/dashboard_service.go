package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vulnscan/vulnscan/internal/apperrors"
	"github.com/vulnscan/vulnscan/internal/cache"
	"github.com/vulnscan/vulnscan/internal/models"
)

// statsCacheTTL keeps dashboard reads cheap under polling UIs without
// letting the numbers go meaningfully stale.
const statsCacheTTL = 30 * time.Second

// StatsStore answers the aggregate queries, computed inside the database.
type StatsStore interface {
	GetStats() (*models.DashboardStats, error)
	GetImageTrend(imageName string, limit int) ([]models.TrendPoint, error)
}

type DashboardService struct {
	store StatsStore
	cache *cache.Cache
	log   logrus.FieldLogger
}

// NewDashboardService builds the dashboard read path. cache may be nil,
// which disables the redis layer entirely.
func NewDashboardService(store StatsStore, c *cache.Cache, log logrus.FieldLogger) *DashboardService {
	return &DashboardService{store: store, cache: c, log: log}
}

// Stats returns the fleet aggregates, served from redis when fresh.
func (s *DashboardService) Stats(ctx context.Context) (*models.DashboardStats, error) {
	if s.cache != nil {
		stats := &models.DashboardStats{}
		err := s.cache.Get(ctx, cache.DashboardStatsKey, stats)
		if err == nil {
			return stats, nil
		}
		if err != cache.ErrMiss {
			s.log.WithError(err).Warn("stats cache read failed")
		}
	}

	stats, err := s.store.GetStats()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "dashboard stats query failed", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cache.DashboardStatsKey, stats, statsCacheTTL); err != nil {
			s.log.WithError(err).Warn("stats cache write failed")
		}
	}
	return stats, nil
}

// Trend returns the completed scan history for one image, oldest first.
func (s *DashboardService) Trend(imageName string, limit int) ([]models.TrendPoint, error) {
	points, err := s.store.GetImageTrend(imageName, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "image trend query failed", err)
	}
	return points, nil
}
