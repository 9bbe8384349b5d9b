package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/thorbis/audit-core/internal/models"
)

// FileHandler serves stored export files to holders of a signed URL. The URL
// signature is the only credential: download links are meant to be handed to
// downstream consumers who hold no API key.
type FileHandler struct {
	files FileStore
	log   *logrus.Logger
}

// NewFileHandler creates a FileHandler.
func NewFileHandler(files FileStore, log *logrus.Logger) *FileHandler {
	return &FileHandler{files: files, log: log}
}

// Serve handles GET /api/audit/files/:name.
func (h *FileHandler) Serve(c *gin.Context) {
	name := c.Param("name")
	if err := validatePathID(name); err != nil {
		respondError(c, models.ErrCodeValidation, err.Error())

		return
	}

	// dl is the name the browser saves the file as; the object key stays a
	// job-scoped internal detail. Both are covered by the URL signature.
	downloadName := c.Query("dl")
	if err := h.files.VerifyURL(name, downloadName, c.Query("exp"), c.Query("sig")); err != nil {
		respondError(c, models.ErrCodeAuth, "invalid or expired download link")

		return
	}

	data, err := h.files.GetObject(c.Request.Context(), name)
	if err != nil {
		h.log.WithError(err).WithField("file", name).Warn("reading export file")
		respondError(c, models.ErrCodeNotFound, "export file not found")

		return
	}

	if downloadName == "" {
		downloadName = name
	}

	contentType := "application/json"
	if strings.HasSuffix(downloadName, ".csv") {
		contentType = "text/csv"
	}

	c.Header("Content-Disposition", `attachment; filename="`+downloadName+`"`)
	c.Data(http.StatusOK, contentType, data)
}
