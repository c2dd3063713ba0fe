package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
)

func TestErrorHandler_MapsDomainErrors(t *testing.T) {
	handler := NewErrorHandler(slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unauthorized", apperrors.ErrUnauthorized, stdhttp.StatusUnauthorized, "UNAUTHORIZED"},
		{"forbidden", apperrors.ErrForbidden, stdhttp.StatusForbidden, "FORBIDDEN"},
		{"validation sentinel", fmt.Errorf("%w: bad", apperrors.ErrValidation), stdhttp.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"version conflict sentinel", apperrors.ErrVersionConflict, stdhttp.StatusConflict, "VERSION_CONFLICT"},
		{"append conflict", apperrors.ErrConflict, stdhttp.StatusConflict, "VERSION_CONFLICT"},
		{"watermark expired", apperrors.ErrWatermarkExpired, stdhttp.StatusGone, "WATERMARK_EXPIRED"},
		{"not found", apperrors.ErrNotFound, stdhttp.StatusNotFound, "NOT_FOUND"},
		{"log unavailable", fmt.Errorf("append: %w", apperrors.ErrLogUnavailable), stdhttp.StatusServiceUnavailable, "LOG_UNAVAILABLE"},
		{"rate limited", apperrors.ErrRateLimited, stdhttp.StatusTooManyRequests, "RATE_LIMITED"},
		{"app error", apperrors.NewBadRequestError(errors.New("eof"), "Invalid request body"), stdhttp.StatusBadRequest, "BAD_REQUEST"},
		{"unknown", errors.New("boom"), stdhttp.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(stdhttp.MethodGet, "/api/v1/sync/events", nil)
			recorder := httptest.NewRecorder()

			handler.Handle(recorder, req, tt.err)

			assert.Equal(t, tt.wantStatus, recorder.Code)
			var body ErrorResponse
			require.NoError(t, json.NewDecoder(recorder.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body.Code)
		})
	}
}

func TestErrorHandler_InternalErrorHidesDetails(t *testing.T) {
	handler := NewErrorHandler(slog.New(slog.NewTextHandler(io.Discard, nil)))
	req := httptest.NewRequest(stdhttp.MethodPost, "/api/v1/sync/events", nil)
	recorder := httptest.NewRecorder()

	handler.Handle(recorder, req, errors.New("pq: relation sync_events does not exist"))

	assert.NotContains(t, recorder.Body.String(), "sync_events")
}

func TestErrorHandler_ValidationFields(t *testing.T) {
	handler := NewErrorHandler(slog.New(slog.NewTextHandler(io.Discard, nil)))
	errs := apperrors.NewValidationErrors()
	errs.Add("entityType", "This field is required")

	req := httptest.NewRequest(stdhttp.MethodPost, "/api/v1/sync/events", nil)
	recorder := httptest.NewRecorder()
	handler.Handle(recorder, req, fmt.Errorf("record: %w", errs))

	require.Equal(t, stdhttp.StatusUnprocessableEntity, recorder.Code)
	var body ValidationErrorResponse
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&body))
	assert.Equal(t, []string{"This field is required"}, body.Fields["entityType"])
}
