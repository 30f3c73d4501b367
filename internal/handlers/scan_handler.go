package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vulnscan/vulnscan/internal/apperrors"
	"github.com/vulnscan/vulnscan/internal/models"
	"github.com/vulnscan/vulnscan/internal/repository"
	"github.com/vulnscan/vulnscan/internal/service"
)

// ScanAPI is the service surface the scan endpoints consume.
type ScanAPI interface {
	Submit(req service.SubmitRequest) (*service.SubmitResult, error)
	Get(id uuid.UUID) (*models.VulnerabilityScan, error)
	Status(ctx context.Context, id uuid.UUID) (*models.ScanStatusResponse, error)
	List(filter repository.ListFilter) ([]*models.VulnerabilityScan, int, error)
	Delete(id uuid.UUID) error
	AuditTimeline(id uuid.UUID) ([]*models.ScanAuditLog, error)
	Vulnerabilities(id uuid.UUID) ([]*models.VulnerabilityDetail, error)
	FindCVE(cveID string, limit int) ([]*models.CVEOccurrence, error)
}

type ScanHandler struct {
	scans ScanAPI
	log   logrus.FieldLogger
}

func NewScanHandler(scans ScanAPI, log logrus.FieldLogger) *ScanHandler {
	return &ScanHandler{scans: scans, log: log}
}

type submitBody struct {
	ImageName   string `json:"image_name" binding:"required"`
	ImageTag    string `json:"image_tag"`
	Registry    string `json:"registry"`
	ForceRescan bool   `json:"force_rescan"`
}

type submitResponse struct {
	*models.ScanResponse
	CacheHit     bool `json:"cache_hit"`
	NewlyCreated bool `json:"newly_created"`
}

// Submit handles POST /api/v1/scan. Cache hits return 200; newly queued
// and joined scans return 202. X-Cache reports HIT, MISS or BYPASS.
func (h *ScanHandler) Submit(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.writeError(c, apperrors.Validation("image_name is required"))
		return
	}

	result, err := h.scans.Submit(service.SubmitRequest{
		ImageName:   body.ImageName,
		ImageTag:    body.ImageTag,
		Registry:    body.Registry,
		ForceRescan: body.ForceRescan,
		Actor:       c.GetString("request_id"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	cacheHeader := "MISS"
	status := http.StatusAccepted
	switch {
	case body.ForceRescan:
		cacheHeader = "BYPASS"
	case result.CacheHit:
		cacheHeader = "HIT"
		status = http.StatusOK
	}
	c.Header("X-Cache", cacheHeader)

	c.JSON(status, submitResponse{
		ScanResponse: result.Scan.ToResponse(false),
		CacheHit:     result.CacheHit,
		NewlyCreated: result.NewlyCreated,
	})
}

// Get handles GET /api/v1/scan/:id. The raw report is attached only when
// include_report=true is passed.
func (h *ScanHandler) Get(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	scan, err := h.scans.Get(id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, scan.ToResponse(c.Query("include_report") == "true"))
}

// Status handles GET /api/v1/scan/:id/status, the lightweight poll.
func (h *ScanHandler) Status(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	status, err := h.scans.Status(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Vulnerabilities handles GET /api/v1/scan/:id/vulnerabilities, the
// persisted findings of one scan ordered worst first.
func (h *ScanHandler) Vulnerabilities(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	details, err := h.scans.Vulnerabilities(id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scan_id":         id.String(),
		"vulnerabilities": details,
		"total":           len(details),
	})
}

// CVE handles GET /api/v1/vulnerability/:cve_id, the cross-image impact
// view of one CVE.
func (h *ScanHandler) CVE(c *gin.Context) {
	cveID := c.Param("cve_id")

	var query struct {
		Limit int `form:"limit,default=100"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		h.writeError(c, apperrors.Validation("invalid limit"))
		return
	}

	occurrences, err := h.scans.FindCVE(cveID, query.Limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cve_id":      cveID,
		"occurrences": occurrences,
		"total":       len(occurrences),
	})
}

// List handles GET /api/v1/scans with pagination and filters.
func (h *ScanHandler) List(c *gin.Context) {
	var query struct {
		Page          int    `form:"page,default=1"`
		PageSize      int    `form:"page_size,default=20"`
		Status        string `form:"status"`
		Image         string `form:"image"`
		CompliantOnly bool   `form:"compliant_only"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		h.writeError(c, apperrors.Validation("invalid list parameters"))
		return
	}

	scans, total, err := h.scans.List(repository.ListFilter{
		Status:        models.ScanStatus(query.Status),
		ImageContains: query.Image,
		CompliantOnly: query.CompliantOnly,
		Page:          query.Page,
		PageSize:      query.PageSize,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]*models.ScanResponse, len(scans))
	for i, scan := range scans {
		items[i] = scan.ToResponse(false)
	}
	c.JSON(http.StatusOK, gin.H{
		"scans":     items,
		"total":     total,
		"page":      query.Page,
		"page_size": query.PageSize,
	})
}

// Delete handles DELETE /api/v1/scan/:id; details and audit rows cascade.
func (h *ScanHandler) Delete(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	if err := h.scans.Delete(id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id.String()})
}

// Audit handles GET /api/v1/scan/:id/audit, the transition timeline.
func (h *ScanHandler) Audit(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	entries, err := h.scans.AuditTimeline(id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scan_id": id.String(), "events": entries})
}

func (h *ScanHandler) parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.writeError(c, apperrors.Validation("invalid scan id"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *ScanHandler) writeError(c *gin.Context, err error) {
	WriteError(c, err, h.log)
}

// WriteError maps a domain error to its HTTP status. This is the single
// mapping table for the whole API surface.
func WriteError(c *gin.Context, err error, log logrus.FieldLogger) {
	code := apperrors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case apperrors.CodeValidation, apperrors.CodeInvalidImage:
		status = http.StatusUnprocessableEntity
	case apperrors.CodeScanNotFound:
		status = http.StatusNotFound
	case apperrors.CodeDuplicate:
		status = http.StatusConflict
	case apperrors.CodeDatabase, apperrors.CodeDatabaseTx:
		status = http.StatusServiceUnavailable
	case apperrors.CodeRateLimited:
		status = http.StatusTooManyRequests
	}

	if status >= 500 {
		log.WithError(err).Error("request failed")
	}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		c.JSON(status, gin.H{"error": appErr})
		return
	}
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": "internal error"}})
}
