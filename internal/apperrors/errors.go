// Package apperrors provides the error taxonomy used across the agent
// and kernel control planes.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeQuotaExceeded   = "QUOTA_EXCEEDED"
	ErrCodeModelInUse      = "MODEL_IN_USE"
	ErrCodeModelDisallowed = "MODEL_DISALLOWED"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// AppError is a domain error carrying an HTTP-mappable code, used for every
// failure kind in §7 of the control-plane contract except AgentStartupError.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func NotFound(resource, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s with id %q not found", resource, id), HTTPStatus: http.StatusNotFound}
}

func Validation(message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, HTTPStatus: http.StatusBadRequest}
}

func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

func QuotaExceeded(message string) *AppError {
	return &AppError{Code: ErrCodeQuotaExceeded, Message: message, HTTPStatus: http.StatusTooManyRequests}
}

func ModelInUse(message string) *AppError {
	return &AppError{Code: ErrCodeModelInUse, Message: message, HTTPStatus: http.StatusConflict}
}

func ModelDisallowed(message string) *AppError {
	return &AppError{Code: ErrCodeModelDisallowed, Message: message, HTTPStatus: http.StatusBadRequest}
}

func Internal(message string, err error) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// StartupError represents a failure raised by an agent's startup script
// during kernel auto-attach. It is distinct from AppError so callers can
// errors.As it apart and decide whether to roll back agent creation.
type StartupError struct {
	AgentID string
	Reason  string
	Err     error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent %s startup script failed: %s: %v", e.AgentID, e.Reason, e.Err)
	}
	return fmt.Sprintf("agent %s startup script failed: %s", e.AgentID, e.Reason)
}

func (e *StartupError) Unwrap() error { return e.Err }

func NewStartupError(agentID, reason string, err error) *StartupError {
	return &StartupError{AgentID: agentID, Reason: reason, Err: err}
}

// IsStartupError reports whether err is (or wraps) a *StartupError.
func IsStartupError(err error) bool {
	var se *StartupError
	return errors.As(err, &se)
}

func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// GetHTTPStatus returns the HTTP status for an error, defaulting to 500.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	var se *StartupError
	if errors.As(err, &se) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
