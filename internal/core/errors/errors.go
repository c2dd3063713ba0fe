package errors

import (
	"errors"
	"fmt"
)

// Domain errors - these represent sync engine failure kinds
var (
	// Authentication
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("action forbidden")

	// Writes
	ErrValidation      = errors.New("validation failed")
	ErrVersionConflict = errors.New("version conflict")
	ErrConflict        = errors.New("resource conflict")
	ErrLogUnavailable  = errors.New("event log unavailable")

	// Reads
	ErrWatermarkExpired = errors.New("watermark is older than the retention window")

	// Fan-out
	ErrBridgeUnavailable = errors.New("distribution bridge unavailable")
	ErrSlowConsumer      = errors.New("slow consumer")

	// Connections
	ErrInvalidTransition = errors.New("invalid connection state transition")

	// Generic
	ErrNotFound    = errors.New("resource not found")
	ErrBadRequest  = errors.New("bad request")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// VersionConflictError is returned when an expected version is stale.
// Current is the latest version the server knows for the entity.
type VersionConflictError struct {
	Expected int64
	Current  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, current %d", e.Expected, e.Current)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrVersionConflict
}

// NewVersionConflictError creates a conflict carrying the current server version.
func NewVersionConflictError(expected, current int64) *VersionConflictError {
	return &VersionConflictError{Expected: expected, Current: current}
}

// AppError wraps errors with additional context for HTTP responses
type AppError struct {
	Err        error  // The underlying error
	Message    string // User-friendly message
	Code       string // Machine-readable error code
	StatusCode int    // HTTP status code
	Details    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewBadRequestError marks a malformed request body or query.
func NewBadRequestError(err error, message string) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "BAD_REQUEST",
		StatusCode: 400,
	}
}

// ValidationErrors holds multiple field validation errors
type ValidationErrors struct {
	Errors map[string][]string `json:"errors"`
}

func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Errors: make(map[string][]string),
	}
}

func (v *ValidationErrors) Add(field, message string) {
	v.Errors[field] = append(v.Errors[field], message)
}

func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationErrors) Error() string {
	return fmt.Sprintf("validation failed: %d field(s) have errors", len(v.Errors))
}

// Unwrap lets callers match any validation failure with errors.Is(err, ErrValidation).
func (v *ValidationErrors) Unwrap() error {
	return ErrValidation
}
