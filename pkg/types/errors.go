package types

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ──────────────────────────────────────────────────────────────────────────────
// Validation error (returned during request parsing)
// ──────────────────────────────────────────────────────────────────────────────

type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// ──────────────────────────────────────────────────────────────────────────────
// APIError — structured error returned to callers
// ──────────────────────────────────────────────────────────────────────────────

type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	// RetryAfterSec is set on rate-limit rejections so callers can schedule
	// a retry precisely.
	RetryAfterSec int `json:"retry_after_sec,omitempty"`
	Details       any `json:"details,omitempty"`
	HTTPCode      int `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// WriteJSON writes the error as JSON to the response writer.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfterSec > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", e.RetryAfterSec))
	}
	w.WriteHeader(e.HTTPCode)
	_ = json.NewEncoder(w).Encode(e)
}

// ──────────────────────────────────────────────────────────────────────────────
// Common error constructors
// ──────────────────────────────────────────────────────────────────────────────

func ErrBadRequest(msg string) *APIError {
	return &APIError{Code: "BAD_REQUEST", Message: msg, HTTPCode: http.StatusBadRequest}
}

func ErrValidation(err error) *APIError {
	return &APIError{Code: "VALIDATION_ERROR", Message: err.Error(), HTTPCode: http.StatusUnprocessableEntity}
}

func ErrUnauthorized(msg string) *APIError {
	return &APIError{Code: "UNAUTHORIZED", Message: msg, HTTPCode: http.StatusUnauthorized}
}

func ErrForbidden(msg string) *APIError {
	return &APIError{Code: "FORBIDDEN", Message: msg, HTTPCode: http.StatusForbidden}
}

// ErrNotFound deliberately carries a generic message. Unknown webhook
// identities and paused automations must be indistinguishable to callers so
// identities cannot be enumerated.
func ErrNotFound(msg string) *APIError {
	return &APIError{Code: "NOT_FOUND", Message: msg, HTTPCode: http.StatusNotFound}
}

func ErrConflict(msg string) *APIError {
	return &APIError{Code: "CONFLICT", Message: msg, HTTPCode: http.StatusConflict}
}

// ErrInvalidState signals an illegal state-machine transition, e.g. deciding
// an approval request that already reached a terminal status.
func ErrInvalidState(msg string) *APIError {
	return &APIError{Code: "INVALID_STATE", Message: msg, HTTPCode: http.StatusConflict}
}

func ErrRateLimited(retryAfterSec int) *APIError {
	return &APIError{
		Code:          "RATE_LIMITED",
		Message:       "too many requests",
		Retryable:     true,
		RetryAfterSec: retryAfterSec,
		HTTPCode:      http.StatusTooManyRequests,
	}
}

// ErrSignatureInvalid is an authentication failure and is never retryable
// with the same payload.
func ErrSignatureInvalid() *APIError {
	return &APIError{Code: "SIGNATURE_INVALID", Message: "webhook signature verification failed", HTTPCode: http.StatusUnauthorized}
}

func ErrUpstreamUnavailable(msg string) *APIError {
	return &APIError{Code: "UPSTREAM_UNAVAILABLE", Message: msg, Retryable: true, HTTPCode: http.StatusBadGateway}
}

func ErrInternal(msg string) *APIError {
	return &APIError{Code: "INTERNAL_ERROR", Message: msg, Retryable: true, HTTPCode: http.StatusInternalServerError}
}
