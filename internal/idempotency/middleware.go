package idempotency

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thorbis/audit-core/internal/httputil"
	"github.com/thorbis/audit-core/internal/models"
)

// Request/response headers for idempotent routes.
const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotency-Replayed"
)

// bodyCapture buffers the response so the guard can store it for replays.
type bodyCapture struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyCapture) Write(b []byte) (int, error) {
	w.buf.Write(b)

	return w.ResponseWriter.Write(b)
}

func (w *bodyCapture) WriteString(s string) (int, error) {
	w.buf.WriteString(s)

	return w.ResponseWriter.WriteString(s)
}

// Middleware makes a JSON write route idempotent. An exact replay returns
// the stored response with Idempotency-Replayed: true and never re-executes
// the handler; a conflicting replay gets 409 with a field diff. Successful
// responses are stored, failures release the reservation so retries run.
//
// Requires an upstream auth middleware to have set tenant_id.
func Middleware(guard *Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetString("tenant_id")
		if tenantID == "" {
			httputil.RespondError(c, http.StatusUnauthorized, models.ErrCodeAuth, "missing tenant")

			return
		}

		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			httputil.RespondError(c, http.StatusBadRequest, models.ErrCodeValidation, "reading request body")

			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))

		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			// Not an object body; let the handler's own validation reject it.
			c.Next()

			return
		}

		adm, err := guard.Admit(c.Request.Context(), tenantID, c.FullPath(), body, c.GetHeader(HeaderKey))
		if err != nil {
			httputil.RespondError(c, http.StatusServiceUnavailable, models.ErrCodeDependencyDown, "idempotency check failed")

			return
		}

		switch adm.Outcome {
		case models.AdmissionReplay:
			if adm.Pending {
				httputil.RespondError(c, http.StatusConflict, models.ErrCodeConflict, "identical request still in progress")

				return
			}

			c.Header(HeaderReplayed, "true")
			c.Data(adm.Record.StatusCode, "application/json", adm.Record.Response)
			c.Abort()

			return

		case models.AdmissionConflict:
			httputil.RespondErrorDetails(c, http.StatusConflict, models.ErrCodeConflict,
				"request conflicts with a previous request under the same idempotency key",
				gin.H{"diff": adm.Diff})

			return
		}

		capture := &bodyCapture{ResponseWriter: c.Writer}
		c.Writer = capture

		c.Next()

		ctx := c.Request.Context()
		status := c.Writer.Status()

		if status >= http.StatusOK && status < http.StatusMultipleChoices {
			if err := guard.Complete(ctx, tenantID, adm.Key, status, capture.buf.Bytes()); err != nil {
				guard.log.WithError(err).Warn("storing idempotent response failed")
			}

			return
		}

		if err := guard.Release(ctx, tenantID, adm.Key); err != nil {
			guard.log.WithError(err).Warn("releasing idempotency key failed")
		}
	}
}
