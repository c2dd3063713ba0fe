package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleRequest struct {
	Operation  string `json:"operation" validate:"required,oneof=create update delete"`
	EntityType string `json:"entityType" validate:"required,max=10"`
	EntityID   string `json:"entityId" validate:"required,uuid"`
	Version    *int64 `json:"version,omitempty" validate:"omitempty,gte=0"`
}

func TestValidateStruct(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		err := ValidateStruct(&sampleRequest{
			Operation:  "create",
			EntityType: "project",
			EntityID:   "8c1c2f4e-8d53-4c57-9a77-4a0a3fdc2a10",
		})
		assert.NoError(t, err)
	})

	t.Run("reports json field names", func(t *testing.T) {
		negative := int64(-1)
		err := ValidateStruct(&sampleRequest{
			Operation:  "upsert",
			EntityType: "a-very-long-type",
			EntityID:   "nope",
			Version:    &negative,
		})

		var errs *apperrors.ValidationErrors
		require.ErrorAs(t, err, &errs)
		assert.ErrorIs(t, err, apperrors.ErrValidation)
		assert.Equal(t, []string{"Must be one of: create, update, delete"}, errs.Errors["operation"])
		assert.Equal(t, []string{"Must be at most 10 characters"}, errs.Errors["entityType"])
		assert.Equal(t, []string{"Must be a valid UUID"}, errs.Errors["entityId"])
		assert.Equal(t, []string{"Must be greater than or equal to 0"}, errs.Errors["version"])
	})
}

func TestDecodeAndValidate(t *testing.T) {
	t.Run("malformed body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
		_, err := DecodeAndValidate[sampleRequest](r)

		var appErr *apperrors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, http.StatusBadRequest, appErr.StatusCode)
	})

	t.Run("unknown field", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"operation":"create","bogus":1}`))
		_, err := DecodeAndValidate[sampleRequest](r)

		var appErr *apperrors.AppError
		assert.ErrorAs(t, err, &appErr)
	})

	t.Run("missing required", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"operation":"create"}`))
		_, err := DecodeAndValidate[sampleRequest](r)
		assert.ErrorIs(t, err, apperrors.ErrValidation)
	})
}

func TestParseQueryParams(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=25&afterId=-3&since=2026-01-02T03:04:05.123456789Z&bad=yesterday", nil)

	limit, err := ParseIntQueryParam(r, "limit", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(25), limit)

	def, err := ParseIntQueryParam(r, "missing", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), def)

	_, err = ParseIntQueryParam(r, "afterId", 0)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	since, err := ParseTimeQueryParam(r, "since")
	require.NoError(t, err)
	require.NotNil(t, since)
	assert.Equal(t, 123456789, since.Nanosecond())

	absent, err := ParseTimeQueryParam(r, "until")
	require.NoError(t, err)
	assert.Nil(t, absent)

	_, err = ParseTimeQueryParam(r, "bad")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
