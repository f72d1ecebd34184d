// Package handlers provides the REST API handlers of the desktop server.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/logging"
)

// statusOf maps an error code to the HTTP status returned to clients.
func statusOf(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrConfigInvalid:
		return http.StatusConflict
	case apperrors.ErrQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as {code, error}. Server-side failures are logged.
func respondError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	status := statusOf(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		})
	}
	c.AbortWithStatusJSON(status, gin.H{
		"code":  code,
		"error": err.Error(),
	})
}

// bindJSON decodes the request body into v, answering 400 on failure.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		respondError(c, apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err))
		return false
	}
	return true
}
