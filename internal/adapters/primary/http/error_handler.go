package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	mw "github.com/lorrc/sync-engine/internal/adapters/primary/http/middleware"
	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
)

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	return mw.GetRequestID(ctx)
}

// ErrorResponse is the standard JSON error response format
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ValidationErrorResponse includes field-level validation errors
type ValidationErrorResponse struct {
	Error  string              `json:"error"`
	Code   string              `json:"code"`
	Fields map[string][]string `json:"fields,omitempty"`
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// Checked in order; the first sentinel matched with errors.Is wins.
var errorMappings = []errorMapping{
	{apperrors.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required"},
	{apperrors.ErrForbidden, http.StatusForbidden, "FORBIDDEN", "You do not have permission to perform this action"},
	{apperrors.ErrValidation, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ""},
	{apperrors.ErrBadRequest, http.StatusBadRequest, "BAD_REQUEST", ""},
	{apperrors.ErrVersionConflict, http.StatusConflict, "VERSION_CONFLICT", "Entity was modified by another writer"},
	{apperrors.ErrConflict, http.StatusConflict, "VERSION_CONFLICT", "Entity was modified by another writer"},
	{apperrors.ErrWatermarkExpired, http.StatusGone, "WATERMARK_EXPIRED", "Watermark is older than the retention window, re-bootstrap required"},
	{apperrors.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "Resource not found"},
	{apperrors.ErrLogUnavailable, http.StatusServiceUnavailable, "LOG_UNAVAILABLE", "Event log temporarily unavailable"},
	{apperrors.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please try again later."},
}

// ErrorHandler turns service errors into JSON responses and logs them at a
// level matching the status.
type ErrorHandler struct {
	logger *slog.Logger
}

func NewErrorHandler(logger *slog.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle writes the response for err. Unknown errors become a 500 whose body
// never includes the underlying message.
func (h *ErrorHandler) Handle(w http.ResponseWriter, r *http.Request, err error) {
	status, body := h.resolve(err)
	h.log(r, status, err)

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	WriteJSON(w, status, body)
}

func (h *ErrorHandler) resolve(err error) (int, any) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode, ErrorResponse{
			Error:   appErr.Message,
			Code:    appErr.Code,
			Details: appErr.Details,
		}
	}

	var fields *apperrors.ValidationErrors
	if errors.As(err, &fields) {
		return http.StatusUnprocessableEntity, ValidationErrorResponse{
			Error:  "Validation failed",
			Code:   "VALIDATION_ERROR",
			Fields: fields.Errors,
		}
	}

	var conflict *apperrors.VersionConflictError
	if errors.As(err, &conflict) {
		return http.StatusConflict, ErrorResponse{
			Error: "Entity was modified by another writer",
			Code:  "VERSION_CONFLICT",
			Details: map[string]any{
				"expectedVersion": conflict.Expected,
				"currentVersion":  conflict.Current,
			},
		}
	}

	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		msg := m.message
		if msg == "" {
			msg = err.Error()
		}
		return m.status, ErrorResponse{Error: msg, Code: m.code}
	}

	return http.StatusInternalServerError, ErrorResponse{
		Error: "An unexpected error occurred",
		Code:  "INTERNAL_ERROR",
	}
}

func (h *ErrorHandler) log(r *http.Request, status int, err error) {
	level := slog.LevelInfo
	msg := "request error"
	switch {
	case status >= 500:
		level, msg = slog.LevelError, "server error"
	case status >= 400:
		level, msg = slog.LevelWarn, "client error"
	}

	// Request, tenant and user ids come from the context handler
	h.logger.Log(r.Context(), level, msg,
		"method", r.Method,
		"path", r.URL.Path,
		"status_code", status,
		"error", err.Error(),
	)
}

// HandleError writes err and reports whether there was one.
//
//	if HandleError(w, r, err, h.errorHandler) { return }
func HandleError(w http.ResponseWriter, r *http.Request, err error, handler *ErrorHandler) bool {
	if err == nil {
		return false
	}
	handler.Handle(w, r, err)
	return true
}
