package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/thorbis/audit-core/internal/export"
	"github.com/thorbis/audit-core/internal/models"
)

// downloadURLTTL bounds how long a freshly minted download link stays valid.
const downloadURLTTL = 15 * time.Minute

// ExportHandler serves export job endpoints.
type ExportHandler struct {
	exports ExportService
	files   FileStore
	log     *logrus.Logger
}

// NewExportHandler creates an ExportHandler.
func NewExportHandler(exports ExportService, files FileStore, log *logrus.Logger) *ExportHandler {
	return &ExportHandler{exports: exports, files: files, log: log}
}

// createExportRequest is the body of POST /api/audit/exports.
type createExportRequest struct {
	Format       models.ExportFormatKind `json:"format"`
	PeriodStart  time.Time               `json:"period_start"`
	PeriodEnd    time.Time               `json:"period_end"`
	Action       string                  `json:"action"`
	ResourceType string                  `json:"resource_type"`
	UserID       string                  `json:"user_id"`
}

// Create handles POST /api/audit/exports.
func (h *ExportHandler) Create(c *gin.Context) {
	var req createExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.ErrCodeValidation, "invalid request body")

		return
	}

	cfg := models.ExportConfig{
		Format:       req.Format,
		PeriodStart:  req.PeriodStart,
		PeriodEnd:    req.PeriodEnd,
		Action:       req.Action,
		ResourceType: req.ResourceType,
		UserID:       req.UserID,
	}
	if err := cfg.Validate(); err != nil {
		respondError(c, models.ErrCodeValidation, err.Error())

		return
	}

	tenantID := getTenantID(c)
	if tenantID == "" {
		return
	}

	job, err := h.exports.Submit(c.Request.Context(), tenantID, c.GetString("user_id"), cfg)
	if err != nil {
		h.log.WithError(err).Error("creating export job")
		respondError(c, models.ErrCodeExport, "internal server error")

		return
	}

	h.log.WithFields(logrus.Fields{
		"action": "export.create", "tenant_id": tenantID,
		"job_id": job.ID, "format": job.Config.Format,
	}).Info("audit")

	c.JSON(http.StatusAccepted, gin.H{
		"id":           job.ID,
		"status":       job.Status,
		"status_url":   "/api/audit/exports/" + job.ID + "/status",
		"download_url": "/api/audit/exports/" + job.ID + "/download",
	})
}

// Status handles GET /api/audit/exports/:id/status.
func (h *ExportHandler) Status(c *gin.Context) {
	jobID := c.Param("id")
	if err := validatePathID(jobID); err != nil {
		respondError(c, models.ErrCodeValidation, err.Error())

		return
	}

	tenantID := getTenantID(c)
	if tenantID == "" {
		return
	}

	job, err := h.exports.Status(c.Request.Context(), tenantID, jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			respondError(c, models.ErrCodeNotFound, "export job not found")

			return
		}

		h.log.WithError(err).Error("reading export job")
		respondError(c, models.ErrCodeExport, "internal server error")

		return
	}

	c.JSON(http.StatusOK, job)
}

// Download handles GET /api/audit/exports/:id/download. It answers with a
// 303 to a freshly signed, time-limited file URL; only completed jobs are
// downloadable.
func (h *ExportHandler) Download(c *gin.Context) {
	jobID := c.Param("id")
	if err := validatePathID(jobID); err != nil {
		respondError(c, models.ErrCodeValidation, err.Error())

		return
	}

	tenantID := getTenantID(c)
	if tenantID == "" {
		return
	}

	job, err := h.exports.Status(c.Request.Context(), tenantID, jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			respondError(c, models.ErrCodeNotFound, "export job not found")

			return
		}

		h.log.WithError(err).Error("reading export job")
		respondError(c, models.ErrCodeExport, "internal server error")

		return
	}

	if job.Status != models.ExportStatusCompleted || job.Result == nil {
		respondError(c, models.ErrCodeConflict, "export is not completed")

		return
	}
	if job.Result.ExpiresAt != nil && time.Now().After(*job.Result.ExpiresAt) {
		respondError(c, models.ErrCodeNotFound, "export file has expired")

		return
	}

	signed, err := h.files.SignedURL(export.ObjectKey(job.ID, job.Config.Format), job.Result.FileName, downloadURLTTL)
	if err != nil {
		h.log.WithError(err).Error("signing download URL")
		respondError(c, models.ErrCodeDependencyDown, "export file unavailable")

		return
	}

	h.log.WithFields(logrus.Fields{
		"action": "export.download", "tenant_id": tenantID, "job_id": jobID,
	}).Info("audit")

	c.Redirect(http.StatusSeeOther, signed)
}
