package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/thorbis/audit-core/internal/models"
)

// EventHandler serves the audit event endpoints.
type EventHandler struct {
	recorder EventRecorder
	repo     EventRepository
	log      *logrus.Logger
}

// NewEventHandler creates an EventHandler with the given recorder, repository, and logger.
func NewEventHandler(recorder EventRecorder, repo EventRepository, log *logrus.Logger) *EventHandler {
	return &EventHandler{recorder: recorder, repo: repo, log: log}
}

// Append handles POST /api/audit/events.
func (h *EventHandler) Append(c *gin.Context) {
	var draft models.EventDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		respondError(c, models.ErrCodeValidation, "invalid request body")

		return
	}

	if err := draft.Validate(); err != nil {
		respondError(c, models.ErrCodeValidation, err.Error())

		return
	}

	tenantID := getTenantID(c)
	if tenantID == "" {
		return
	}

	ev, err := h.recorder.Append(c.Request.Context(), tenantID, draft)
	if err != nil {
		if errors.Is(err, models.ErrChainConflict) {
			respondError(c, models.ErrCodeConflict, "chain head contention, retry the request")

			return
		}

		h.log.WithError(err).Error("appending audit event")
		respondError(c, models.ErrCodeExport, "internal server error")

		return
	}

	h.log.WithFields(logrus.Fields{
		"action": "event.append", "tenant_id": tenantID,
		"event_id": ev.ID, "sequence": ev.Sequence,
	}).Info("audit")

	c.JSON(http.StatusCreated, ev)
}

// List handles GET /api/audit/events.
func (h *EventHandler) List(c *gin.Context) {
	tenantID := getTenantID(c)
	if tenantID == "" {
		return
	}

	opts := models.EventQueryOpts{
		Action:       c.Query("action"),
		ResourceType: c.Query("resource_type"),
		ResourceID:   c.Query("resource_id"),
		UserID:       c.Query("user_id"),
		Limit:        parseInt(c.DefaultQuery("limit", "100"), 100),
		Offset:       parseOffset(c.DefaultQuery("offset", "0")),
	}

	var ok bool
	if opts.From, ok = parseTimeParam(c, "from"); !ok {
		return
	}
	if opts.To, ok = parseTimeParam(c, "to"); !ok {
		return
	}

	events, hasMore, err := h.repo.QueryEvents(c.Request.Context(), tenantID, opts)
	if err != nil {
		h.log.WithError(err).Error("querying audit events")
		respondError(c, models.ErrCodeExport, "internal server error")

		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "has_more": hasMore})
}

// parseTimeParam reads an optional RFC 3339 query parameter, responding with
// a validation error when present but malformed.
func parseTimeParam(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		respondError(c, models.ErrCodeValidation, name+" must be RFC 3339")

		return nil, false
	}

	return &t, true
}
