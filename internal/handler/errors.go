package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"academy/internal/scan"
)

var statusByCode = map[string]int{
	"FORGED":               http.StatusUnauthorized,
	"TOKEN_NOT_FOUND":      http.StatusNotFound,
	"EXPIRED":              http.StatusGone,
	"ALREADY_USED":         http.StatusConflict,
	"WRONG_CONTEXT":        http.StatusUnprocessableEntity,
	"INVALID_SUBJECT":      http.StatusForbidden,
	"INVALID_PURPOSE":      http.StatusBadRequest,
	"DUPLICATE_ATTENDANCE": http.StatusConflict,
	"SESSION_CLOSED":       http.StatusConflict,
	"SESSION_NOT_FOUND":    http.StatusNotFound,
	"NOT_CLASS_TEACHER":    http.StatusForbidden,
	"CLASS_NOT_FOUND":      http.StatusNotFound,
	"NOT_ENROLLED":         http.StatusForbidden,
	"NO_ACTIVE_SESSION":    http.StatusNotFound,
	"INVALID_MODE":         http.StatusBadRequest,
	"ALLOWANCE_NOT_FOUND":  http.StatusNotFound,
	"UNKNOWN_STUDENT":      http.StatusNotFound,
	"INVALID_AMOUNT":       http.StatusBadRequest,
	"INSUFFICIENT_BALANCE": http.StatusPaymentRequired,
	"ROLE_MISMATCH":        http.StatusForbidden,
	"UNKNOWN_USER":         http.StatusForbidden,
	"INACTIVE_USER":        http.StatusForbidden,
	"UNAVAILABLE":          http.StatusServiceUnavailable,
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := scan.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		h.log.WithError(err).WithField("path", c.FullPath()).Error("unhandled error")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": scan.CodeInternal})
		return
	}
	if scan.Retryable(err) {
		h.log.WithError(err).WithField("path", c.FullPath()).Warn("storage unavailable")
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(status, gin.H{"error": "service temporarily unavailable", "code": code})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "code": code})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "code": "BAD_REQUEST"})
}
