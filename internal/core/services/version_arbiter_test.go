package services_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/lorrc/sync-engine/internal/core/domain"
	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
	"github.com/lorrc/sync-engine/internal/core/mocks"
	"github.com/lorrc/sync-engine/internal/core/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionArbiter_Resolve(t *testing.T) {
	ctx := context.Background()
	key := domain.EntityKey{TenantID: uuid.New(), EntityType: "project", EntityID: uuid.New()}

	tests := []struct {
		name     string
		current  int64
		expected *int64
		want     int64
		conflict bool
	}{
		{name: "create with expected zero", current: 0, expected: int64Ptr(0), want: 1},
		{name: "update with matching expected", current: 1, expected: int64Ptr(1), want: 2},
		{name: "stale expected on existing entity", current: 1, expected: int64Ptr(0), conflict: true},
		{name: "expected ahead of server", current: 1, expected: int64Ptr(3), conflict: true},
		{name: "auto assign on new entity", current: 0, expected: nil, want: 1},
		{name: "auto assign on existing entity", current: 4, expected: nil, want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockLog := mocks.NewMockEventLog()
			mockLog.On("LatestVersion", ctx, key).Return(tt.current, nil)

			arbiter := services.NewVersionArbiter(mockLog)
			got, err := arbiter.Resolve(ctx, key, tt.expected)

			if tt.conflict {
				var conflict *apperrors.VersionConflictError
				require.True(t, errors.As(err, &conflict))
				assert.Equal(t, tt.current, conflict.Current)
				assert.Equal(t, *tt.expected, conflict.Expected)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("negative expected is a validation error", func(t *testing.T) {
		mockLog := mocks.NewMockEventLog()
		arbiter := services.NewVersionArbiter(mockLog)

		_, err := arbiter.Resolve(ctx, key, int64Ptr(-1))

		assert.ErrorIs(t, err, apperrors.ErrValidation)
		mockLog.AssertNotCalled(t, "LatestVersion")
	})

	t.Run("log failure is propagated", func(t *testing.T) {
		mockLog := mocks.NewMockEventLog()
		mockLog.On("LatestVersion", ctx, key).Return(int64(0), apperrors.ErrLogUnavailable)

		arbiter := services.NewVersionArbiter(mockLog)
		_, err := arbiter.Resolve(ctx, key, nil)

		assert.ErrorIs(t, err, apperrors.ErrLogUnavailable)
	})
}

func TestVersionArbiter_SequentialWrites(t *testing.T) {
	ctx := context.Background()
	log := &memEventLog{}
	arbiter := services.NewVersionArbiter(log)
	key := domain.EntityKey{TenantID: uuid.New(), EntityType: "project", EntityID: uuid.New()}

	// First create succeeds at version 1
	v, err := arbiter.Resolve(ctx, key, int64Ptr(0))
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
	_, err = log.Append(ctx, &domain.SyncEvent{TenantID: key.TenantID, EntityType: key.EntityType, EntityID: key.EntityID, Version: v})
	require.NoError(t, err)

	// A second writer that also saw nothing loses
	_, err = arbiter.Resolve(ctx, key, int64Ptr(0))
	var conflict *apperrors.VersionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(1), conflict.Current)

	// Retrying with the reported version wins
	v, err = arbiter.Resolve(ctx, key, int64Ptr(conflict.Current))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	current, err := arbiter.Current(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current)
}
