// Package httperr maps domain errors onto HTTP responses.
//
// Bodies are {"error": code, "message": text}. Messages come from a fixed
// table per error class so internal identifiers and wrapped driver errors
// never reach the client; the full error is logged instead.
package httperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/logging"
)

type mapping struct {
	target  error
	status  int
	code    string
	message string
}

// Order matters: ErrDatesUnavailable wraps ErrConflict.
var mappings = []mapping{
	{domain.ErrForbidden, http.StatusForbidden, "forbidden", "You are not allowed to perform this action."},
	{domain.ErrNotFound, http.StatusNotFound, "not_found", "The requested resource does not exist."},
	{domain.ErrDatesUnavailable, http.StatusConflict, "dates_unavailable", "Those dates are no longer available."},
	{domain.ErrStaleState, http.StatusConflict, "stale_state", "The resource changed state; reload and retry."},
	{domain.ErrConflict, http.StatusConflict, "conflict", "The request conflicts with existing state."},
	{domain.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds", "Insufficient balance."},
	{domain.ErrConcurrencyExhausted, http.StatusServiceUnavailable, "concurrency_exhausted", "Too much concurrent activity on this balance. Try again shortly."},
	{domain.ErrBusy, http.StatusServiceUnavailable, "busy", "The resource is busy. Try again shortly."},
	{domain.ErrProvider, http.StatusBadGateway, "provider_unavailable", "The payment provider is unavailable. Try again shortly."},
}

// Status returns the HTTP status and error code for err.
func Status(err error) (int, string) {
	var ve *domain.ValidationError
	if errors.As(err, &ve) || errors.Is(err, domain.ErrValidation) {
		return http.StatusBadRequest, "validation_error"
	}
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// Retryable reports whether a client may retry the same request.
func Retryable(err error) bool {
	return errors.Is(err, domain.ErrBusy) || errors.Is(err, domain.ErrConcurrencyExhausted) || errors.Is(err, domain.ErrProvider)
}

// Write aborts the request with the response for err.
func Write(c *gin.Context, err error) {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"field":   ve.Field,
			"message": ve.Message,
		})
		return
	}

	for _, m := range mappings {
		if errors.Is(err, m.target) {
			if m.status >= 500 {
				logging.L(c.Request.Context()).Warn("request failed", "status", m.status, "error", err)
			}
			if Retryable(err) {
				c.Header("Retry-After", "1")
			}
			c.AbortWithStatusJSON(m.status, gin.H{"error": m.code, "message": m.message})
			return
		}
	}

	if errors.Is(err, domain.ErrValidation) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "The request is invalid."})
		return
	}

	logging.L(c.Request.Context()).Error("unhandled error", "error", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Something went wrong.",
	})
}

// BadRequest aborts with a 400 for malformed input that never reached the
// domain layer (unparseable JSON, bad query values).
func BadRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": message})
}
