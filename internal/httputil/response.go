// Package httputil provides shared HTTP response helpers.
package httputil

import "github.com/gin-gonic/gin"

// RespondError writes a standardized JSON error response and aborts the request.
func RespondError(c *gin.Context, status int, code, message string) {
	RespondErrorDetails(c, status, code, message, nil)
}

// RespondErrorDetails is RespondError with a structured details payload,
// for errors that carry diagnostics (conflict diffs, verifier output).
func RespondErrorDetails(c *gin.Context, status int, code, message string, details any) {
	var requestID string
	if rid, exists := c.Get("request_id"); exists {
		if s, ok := rid.(string); ok {
			requestID = s
		}
	}

	resp := map[string]any{
		"code":    code,
		"message": message,
	}

	if requestID != "" {
		resp["request_id"] = requestID
	}
	if details != nil {
		resp["details"] = details
	}

	c.AbortWithStatusJSON(status, resp)
}
