package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/sync-engine/internal/core/domain"
	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
	"github.com/lorrc/sync-engine/internal/core/mocks"
	"github.com/lorrc/sync-engine/internal/core/ports"
	"github.com/lorrc/sync-engine/internal/core/services"
	"github.com/lorrc/sync-engine/internal/infrastructure/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newParams(tenantID uuid.UUID) ports.RecordEventParams {
	return ports.RecordEventParams{
		Operation:  domain.OperationCreate,
		EntityType: "project",
		EntityID:   uuid.New(),
		Data:       json.RawMessage(`{"name":"alpha"}`),
		UserID:     uuid.New(),
		TenantID:   tenantID,
	}
}

func int64Ptr(v int64) *int64 { return &v }

// memEventLog enforces the append-only version rules in memory.
type memEventLog struct {
	mu     sync.Mutex
	nextID int64
	events []*domain.SyncEvent
}

func (l *memEventLog) Append(_ context.Context, event *domain.SyncEvent) (*domain.SyncEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var latest int64
	for _, e := range l.events {
		if e.Key() == event.Key() && e.Version > latest {
			latest = e.Version
		}
	}
	if event.Version != latest+1 {
		return nil, apperrors.ErrConflict
	}

	l.nextID++
	stored := *event
	stored.ID = l.nextID
	stored.CreatedAt = time.Now()
	l.events = append(l.events, &stored)
	return &stored, nil
}

func (l *memEventLog) QuerySince(_ context.Context, _ uuid.UUID, _ domain.Watermark, _ int) ([]*domain.SyncEvent, error) {
	return nil, nil
}

func (l *memEventLog) LatestVersion(_ context.Context, key domain.EntityKey) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var latest int64
	for _, e := range l.events {
		if e.Key() == key && e.Version > latest {
			latest = e.Version
		}
	}
	return latest, nil
}

func (l *memEventLog) Ping(context.Context) error { return nil }

type failureRecorder struct {
	mu      sync.Mutex
	tenants []uuid.UUID
	errs    []error
}

func (r *failureRecorder) PublishFailed(tenantID uuid.UUID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants = append(r.tenants, tenantID)
	r.errs = append(r.errs, err)
}

func (r *failureRecorder) calls() ([]uuid.UUID, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tenants, r.errs
}

func TestSyncService_RecordEvent(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	t.Run("success appends and publishes", func(t *testing.T) {
		mockLog := mocks.NewMockEventLog()
		mockArbiter := mocks.NewMockVersionArbiter()
		mockBridge := mocks.NewMockDistributionBridge()
		m := metrics.New()

		svc := services.NewSyncService(mockLog, mockArbiter, mockBridge, m, testLogger(), services.DefaultSyncServiceConfig())

		params := newParams(tenantID)
		persisted := &domain.SyncEvent{
			ID:         42,
			TenantID:   tenantID,
			Operation:  domain.OperationCreate,
			EntityType: params.EntityType,
			EntityID:   params.EntityID,
			Version:    1,
			Data:       params.Data,
			UserID:     params.UserID,
			CreatedAt:  time.Now(),
		}

		mockArbiter.On("Resolve", ctx, mock.AnythingOfType("domain.EntityKey"), (*int64)(nil)).Return(int64(1), nil)
		mockLog.On("Append", ctx, mock.MatchedBy(func(e *domain.SyncEvent) bool {
			return e.Version == 1 && e.TenantID == tenantID
		})).Return(persisted, nil)
		mockBridge.On("Publish", mock.Anything, tenantID, persisted).Return(nil)

		event, err := svc.RecordEvent(ctx, params)

		require.NoError(t, err)
		assert.Equal(t, int64(42), event.ID)
		assert.Equal(t, int64(1), event.Version)

		require.NoError(t, svc.Shutdown(ctx))

		mockArbiter.AssertExpectations(t)
		mockLog.AssertExpectations(t)
		mockBridge.AssertExpectations(t)
		assert.Equal(t, int64(1), m.Snapshot().EventsAppended)
	})

	t.Run("validation error touches nothing", func(t *testing.T) {
		mockLog := mocks.NewMockEventLog()
		mockArbiter := mocks.NewMockVersionArbiter()
		mockBridge := mocks.NewMockDistributionBridge()

		svc := services.NewSyncService(mockLog, mockArbiter, mockBridge, nil, testLogger(), services.DefaultSyncServiceConfig())
		defer svc.Shutdown(ctx)

		params := newParams(tenantID)
		params.EntityType = "9bad type"
		params.Data = json.RawMessage(`{not json`)

		event, err := svc.RecordEvent(ctx, params)

		assert.Nil(t, event)
		assert.ErrorIs(t, err, apperrors.ErrValidation)

		var valErr *apperrors.ValidationErrors
		require.True(t, errors.As(err, &valErr))
		assert.Contains(t, valErr.Errors, "entityType")
		assert.Contains(t, valErr.Errors, "data")

		mockArbiter.AssertNotCalled(t, "Resolve")
		mockLog.AssertNotCalled(t, "Append")
	})

	t.Run("stale expected version is rejected before append", func(t *testing.T) {
		mockLog := mocks.NewMockEventLog()
		mockArbiter := mocks.NewMockVersionArbiter()
		mockBridge := mocks.NewMockDistributionBridge()
		m := metrics.New()

		svc := services.NewSyncService(mockLog, mockArbiter, mockBridge, m, testLogger(), services.DefaultSyncServiceConfig())
		defer svc.Shutdown(ctx)

		params := newParams(tenantID)
		params.ExpectedVersion = int64Ptr(0)

		mockArbiter.On("Resolve", ctx, mock.Anything, params.ExpectedVersion).
			Return(int64(0), apperrors.NewVersionConflictError(0, 1))

		event, err := svc.RecordEvent(ctx, params)

		assert.Nil(t, event)
		assert.ErrorIs(t, err, apperrors.ErrVersionConflict)

		var conflict *apperrors.VersionConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, int64(1), conflict.Current)

		mockLog.AssertNotCalled(t, "Append")
		assert.Equal(t, int64(1), m.Snapshot().VersionConflicts)
	})

	t.Run("auto version retries after losing append race", func(t *testing.T) {
		mockLog := mocks.NewMockEventLog()
		mockArbiter := mocks.NewMockVersionArbiter()
		mockBridge := mocks.NewMockDistributionBridge()

		svc := services.NewSyncService(mockLog, mockArbiter, mockBridge, nil, testLogger(), services.DefaultSyncServiceConfig())

		params := newParams(tenantID)
		persisted := &domain.SyncEvent{ID: 7, TenantID: tenantID, Version: 2}

		mockArbiter.On("Resolve", ctx, mock.Anything, (*int64)(nil)).Return(int64(1), nil).Once()
		mockArbiter.On("Resolve", ctx, mock.Anything, (*int64)(nil)).Return(int64(2), nil).Once()
		mockLog.On("Append", ctx, mock.MatchedBy(func(e *domain.SyncEvent) bool { return e.Version == 1 })).
			Return(nil, apperrors.ErrConflict)
		mockLog.On("Append", ctx, mock.MatchedBy(func(e *domain.SyncEvent) bool { return e.Version == 2 })).
			Return(persisted, nil)
		mockBridge.On("Publish", mock.Anything, tenantID, persisted).Return(nil)

		event, err := svc.RecordEvent(ctx, params)

		require.NoError(t, err)
		assert.Equal(t, int64(2), event.Version)
		require.NoError(t, svc.Shutdown(ctx))

		mockArbiter.AssertNumberOfCalls(t, "Resolve", 2)
		mockLog.AssertNumberOfCalls(t, "Append", 2)
	})

	t.Run("explicit version is not retried after losing append race", func(t *testing.T) {
		mockLog := mocks.NewMockEventLog()
		mockArbiter := mocks.NewMockVersionArbiter()
		mockBridge := mocks.NewMockDistributionBridge()

		svc := services.NewSyncService(mockLog, mockArbiter, mockBridge, nil, testLogger(), services.DefaultSyncServiceConfig())
		defer svc.Shutdown(ctx)

		params := newParams(tenantID)
		params.ExpectedVersion = int64Ptr(1)

		mockArbiter.On("Resolve", ctx, mock.Anything, params.ExpectedVersion).Return(int64(2), nil)
		mockLog.On("Append", ctx, mock.Anything).Return(nil, apperrors.ErrConflict)
		mockArbiter.On("Current", ctx, mock.Anything).Return(int64(2), nil)

		event, err := svc.RecordEvent(ctx, params)

		assert.Nil(t, event)
		var conflict *apperrors.VersionConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, int64(1), conflict.Expected)
		assert.Equal(t, int64(2), conflict.Current)

		mockLog.AssertNumberOfCalls(t, "Append", 1)
		mockBridge.AssertNotCalled(t, "Publish")
	})

	t.Run("auto version gives up after configured retries", func(t *testing.T) {
		mockLog := mocks.NewMockEventLog()
		mockArbiter := mocks.NewMockVersionArbiter()
		mockBridge := mocks.NewMockDistributionBridge()

		cfg := services.DefaultSyncServiceConfig()
		cfg.AutoVersionRetries = 2
		svc := services.NewSyncService(mockLog, mockArbiter, mockBridge, nil, testLogger(), cfg)
		defer svc.Shutdown(ctx)

		mockArbiter.On("Resolve", ctx, mock.Anything, (*int64)(nil)).Return(int64(5), nil)
		mockLog.On("Append", ctx, mock.Anything).Return(nil, apperrors.ErrConflict)
		mockArbiter.On("Current", ctx, mock.Anything).Return(int64(5), nil)

		_, err := svc.RecordEvent(ctx, newParams(tenantID))

		var conflict *apperrors.VersionConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, int64(5), conflict.Current)
		mockArbiter.AssertNumberOfCalls(t, "Resolve", 3)
		mockLog.AssertNumberOfCalls(t, "Append", 3)
	})

	t.Run("log unavailable is returned and nothing is published", func(t *testing.T) {
		mockLog := mocks.NewMockEventLog()
		mockArbiter := mocks.NewMockVersionArbiter()
		mockBridge := mocks.NewMockDistributionBridge()

		svc := services.NewSyncService(mockLog, mockArbiter, mockBridge, nil, testLogger(), services.DefaultSyncServiceConfig())

		mockArbiter.On("Resolve", ctx, mock.Anything, (*int64)(nil)).Return(int64(1), nil)
		mockLog.On("Append", ctx, mock.Anything).Return(nil, apperrors.ErrLogUnavailable)

		_, err := svc.RecordEvent(ctx, newParams(tenantID))

		assert.ErrorIs(t, err, apperrors.ErrLogUnavailable)
		require.NoError(t, svc.Shutdown(ctx))
		mockBridge.AssertNotCalled(t, "Publish")
	})

	t.Run("publish failure does not fail the write", func(t *testing.T) {
		mockLog := mocks.NewMockEventLog()
		mockArbiter := mocks.NewMockVersionArbiter()
		mockBridge := mocks.NewMockDistributionBridge()
		m := metrics.New()

		svc := services.NewSyncService(mockLog, mockArbiter, mockBridge, m, testLogger(), services.DefaultSyncServiceConfig())

		persisted := &domain.SyncEvent{ID: 1, TenantID: tenantID, Version: 1}
		mockArbiter.On("Resolve", ctx, mock.Anything, (*int64)(nil)).Return(int64(1), nil)
		mockLog.On("Append", ctx, mock.Anything).Return(persisted, nil)
		mockBridge.On("Publish", mock.Anything, tenantID, persisted).Return(errors.New("connection refused"))

		event, err := svc.RecordEvent(ctx, newParams(tenantID))

		require.NoError(t, err)
		assert.Equal(t, persisted, event)

		require.NoError(t, svc.Shutdown(ctx))
		mockBridge.AssertExpectations(t)
		assert.Equal(t, int64(1), m.Snapshot().PublishFailures)
	})

	t.Run("publish failure is reported to the listener", func(t *testing.T) {
		mockLog := mocks.NewMockEventLog()
		mockArbiter := mocks.NewMockVersionArbiter()
		mockBridge := mocks.NewMockDistributionBridge()
		listener := &failureRecorder{}

		cfg := services.DefaultSyncServiceConfig()
		cfg.FailureListener = listener
		svc := services.NewSyncService(mockLog, mockArbiter, mockBridge, nil, testLogger(), cfg)

		persisted := &domain.SyncEvent{ID: 3, TenantID: tenantID, Version: 1}
		mockArbiter.On("Resolve", ctx, mock.Anything, (*int64)(nil)).Return(int64(1), nil)
		mockLog.On("Append", ctx, mock.Anything).Return(persisted, nil)
		mockBridge.On("Publish", mock.Anything, tenantID, persisted).Return(errors.New("connection refused"))

		_, err := svc.RecordEvent(ctx, newParams(tenantID))
		require.NoError(t, err)
		require.NoError(t, svc.Shutdown(ctx))

		tenants, errs := listener.calls()
		require.Equal(t, []uuid.UUID{tenantID}, tenants)
		assert.ErrorIs(t, errs[0], apperrors.ErrBridgeUnavailable)
	})

	t.Run("event refused after shutdown is reported to the listener", func(t *testing.T) {
		mockLog := mocks.NewMockEventLog()
		mockArbiter := mocks.NewMockVersionArbiter()
		mockBridge := mocks.NewMockDistributionBridge()
		listener := &failureRecorder{}

		cfg := services.DefaultSyncServiceConfig()
		cfg.FailureListener = listener
		svc := services.NewSyncService(mockLog, mockArbiter, mockBridge, nil, testLogger(), cfg)
		require.NoError(t, svc.Shutdown(ctx))

		persisted := &domain.SyncEvent{ID: 4, TenantID: tenantID, Version: 1}
		mockArbiter.On("Resolve", ctx, mock.Anything, (*int64)(nil)).Return(int64(1), nil)
		mockLog.On("Append", ctx, mock.Anything).Return(persisted, nil)

		_, err := svc.RecordEvent(ctx, newParams(tenantID))
		require.NoError(t, err)

		tenants, _ := listener.calls()
		assert.Equal(t, []uuid.UUID{tenantID}, tenants)
	})

	t.Run("after shutdown events are stored but not published", func(t *testing.T) {
		mockLog := mocks.NewMockEventLog()
		mockArbiter := mocks.NewMockVersionArbiter()
		mockBridge := mocks.NewMockDistributionBridge()

		svc := services.NewSyncService(mockLog, mockArbiter, mockBridge, nil, testLogger(), services.DefaultSyncServiceConfig())
		require.NoError(t, svc.Shutdown(ctx))
		require.NoError(t, svc.Shutdown(ctx))

		persisted := &domain.SyncEvent{ID: 1, TenantID: tenantID, Version: 1}
		mockArbiter.On("Resolve", ctx, mock.Anything, (*int64)(nil)).Return(int64(1), nil)
		mockLog.On("Append", ctx, mock.Anything).Return(persisted, nil)

		event, err := svc.RecordEvent(ctx, newParams(tenantID))

		require.NoError(t, err)
		assert.Equal(t, int64(1), event.ID)
		mockBridge.AssertNotCalled(t, "Publish")
	})
}

func TestSyncService_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	const writers = 8

	newService := func(retries int) (*services.SyncService, *memEventLog) {
		log := &memEventLog{}
		bridge := mocks.NewMockDistributionBridge()
		bridge.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		cfg := services.DefaultSyncServiceConfig()
		cfg.AutoVersionRetries = retries
		svc := services.NewSyncService(log, services.NewVersionArbiter(log), bridge, nil, testLogger(), cfg)
		return svc, log
	}

	t.Run("same expected version has exactly one winner", func(t *testing.T) {
		svc, log := newService(0)
		defer svc.Shutdown(ctx)

		params := newParams(tenantID)
		params.ExpectedVersion = int64Ptr(0)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.RecordEvent(ctx, params)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, apperrors.ErrVersionConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, writers-1, conflicts)
		assert.Len(t, log.events, 1)
	})

	t.Run("auto versioned writers get consecutive versions", func(t *testing.T) {
		svc, log := newService(writers)
		defer svc.Shutdown(ctx)

		params := newParams(tenantID)

		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.RecordEvent(ctx, params)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		versions := make(map[int64]bool)
		for _, e := range log.events {
			versions[e.Version] = true
		}
		require.Len(t, versions, writers)
		for v := int64(1); v <= writers; v++ {
			assert.True(t, versions[v], "missing version %d", v)
		}
	})
}
