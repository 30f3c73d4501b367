package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/vulnscan/vulnscan/internal/apperrors"
	"github.com/vulnscan/vulnscan/internal/models"
)

// DashboardAPI is the aggregate read surface.
type DashboardAPI interface {
	Stats(ctx context.Context) (*models.DashboardStats, error)
	Trend(imageName string, limit int) ([]models.TrendPoint, error)
}

type DashboardHandler struct {
	dashboard DashboardAPI
	log       logrus.FieldLogger
}

func NewDashboardHandler(dashboard DashboardAPI, log logrus.FieldLogger) *DashboardHandler {
	return &DashboardHandler{dashboard: dashboard, log: log}
}

// Stats handles GET /api/v1/dashboard/stats.
func (h *DashboardHandler) Stats(c *gin.Context) {
	stats, err := h.dashboard.Stats(c.Request.Context())
	if err != nil {
		WriteError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Trend handles GET /api/v1/dashboard/trend/*image. The wildcard keeps
// registry-style names with slashes routable.
func (h *DashboardHandler) Trend(c *gin.Context) {
	image := strings.Trim(c.Param("image"), "/")
	if image == "" {
		WriteError(c, apperrors.Validation("image name is required"), h.log)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "30"))
	points, err := h.dashboard.Trend(image, limit)
	if err != nil {
		WriteError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"image_name": image, "points": points})
}
