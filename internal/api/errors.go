package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thorbis/audit-core/internal/httputil"
	"github.com/thorbis/audit-core/internal/metrics"
	"github.com/thorbis/audit-core/internal/models"
)

// statusForCode maps API error codes to HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case models.ErrCodeValidation:
		return http.StatusBadRequest
	case models.ErrCodeAuth:
		return http.StatusUnauthorized
	case models.ErrCodeNotFound:
		return http.StatusNotFound
	case models.ErrCodeConflict:
		return http.StatusConflict
	case models.ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case models.ErrCodeDependencyDown:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes a standardized JSON error response, pulling the request
// ID from the Gin context (set by the request ID middleware).
func respondError(c *gin.Context, code, message string) {
	metrics.ErrorsTotal.WithLabelValues(code).Inc()
	httputil.RespondError(c, statusForCode(code), code, message)
}

// respondErrorDetails is respondError with a structured details payload.
func respondErrorDetails(c *gin.Context, code, message string, details any) {
	metrics.ErrorsTotal.WithLabelValues(code).Inc()
	httputil.RespondErrorDetails(c, statusForCode(code), code, message, details)
}
