package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/lorrc/sync-engine/internal/core/domain"
	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
	"github.com/lorrc/sync-engine/internal/core/ports"
	"github.com/lorrc/sync-engine/internal/infrastructure/metrics"
)

// SyncServiceConfig holds tuning knobs for the sync service.
type SyncServiceConfig struct {
	AutoVersionRetries int
	PublishQueueSize   int
	PublishWorkers     int
	PublishTimeout     time.Duration

	// FailureListener, when set, hears about every event that missed the
	// bridge so local subscribers can be told to poll.
	FailureListener ports.PublishFailureListener
}

// DefaultSyncServiceConfig returns sensible defaults
func DefaultSyncServiceConfig() SyncServiceConfig {
	return SyncServiceConfig{
		AutoVersionRetries: 3,
		PublishQueueSize:   1024,
		PublishWorkers:     2,
		PublishTimeout:     5 * time.Second,
	}
}

// SyncService records mutations in the event log and hands them to the
// distribution bridge. The log append is synchronous; fan-out is not.
// Each publish worker owns one queue and an entity key always hashes to the
// same queue, so versions of one entity are published in order.
type SyncService struct {
	eventLog ports.EventLog
	arbiter  ports.VersionArbiter
	bridge   ports.DistributionBridge
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      SyncServiceConfig

	publishQueues []chan *domain.SyncEvent
	wg            sync.WaitGroup
	closeOnce     sync.Once
	mu            sync.RWMutex
	closed        bool
}

var _ ports.SyncService = (*SyncService)(nil)

// NewSyncService creates a new sync service and starts its publish workers.
func NewSyncService(
	eventLog ports.EventLog,
	arbiter ports.VersionArbiter,
	bridge ports.DistributionBridge,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg SyncServiceConfig,
) *SyncService {
	defaults := DefaultSyncServiceConfig()
	if cfg.PublishQueueSize <= 0 {
		cfg.PublishQueueSize = defaults.PublishQueueSize
	}
	if cfg.PublishWorkers <= 0 {
		cfg.PublishWorkers = defaults.PublishWorkers
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}
	if cfg.AutoVersionRetries < 0 {
		cfg.AutoVersionRetries = 0
	}

	s := &SyncService{
		eventLog:      eventLog,
		arbiter:       arbiter,
		bridge:        bridge,
		metrics:       m,
		logger:        logger.With("component", "sync_service"),
		cfg:           cfg,
		publishQueues: make([]chan *domain.SyncEvent, cfg.PublishWorkers),
	}

	perWorker := max(cfg.PublishQueueSize/cfg.PublishWorkers, 1)
	for i := range s.publishQueues {
		s.publishQueues[i] = make(chan *domain.SyncEvent, perWorker)
		s.wg.Add(1)
		go s.publishWorker(s.publishQueues[i])
	}

	return s
}

// RecordEvent validates, versions and durably appends a mutation, then
// schedules it for distribution. Publication failures are never returned.
func (s *SyncService) RecordEvent(ctx context.Context, params ports.RecordEventParams) (*domain.SyncEvent, error) {
	// 1. Validate
	event, err := domain.NewSyncEvent(domain.SyncEventParams{
		TenantID:   params.TenantID,
		UserID:     params.UserID,
		Operation:  params.Operation,
		EntityType: params.EntityType,
		EntityID:   params.EntityID,
		Data:       params.Data,
		Metadata:   params.Metadata,
	})
	if err != nil {
		return nil, err
	}

	key := event.Key()
	attempts := 1
	if params.ExpectedVersion == nil {
		attempts += s.cfg.AutoVersionRetries
	}

	var persisted *domain.SyncEvent
	for attempt := 1; ; attempt++ {
		// 2. Arbitrate version
		version, err := s.arbiter.Resolve(ctx, key, params.ExpectedVersion)
		if err != nil {
			if errors.Is(err, apperrors.ErrVersionConflict) {
				s.metrics.RecordVersionConflict()
			}
			return nil, err
		}

		// 3. Append (the log is the lock)
		candidate := *event
		candidate.Version = version
		persisted, err = s.eventLog.Append(ctx, &candidate)
		if err == nil {
			break
		}
		if !errors.Is(err, apperrors.ErrConflict) {
			return nil, err
		}

		if attempt >= attempts {
			s.metrics.RecordVersionConflict()
			return nil, s.conflictFromLog(ctx, key, params.ExpectedVersion, version-1)
		}

		s.logger.DebugContext(ctx, "append lost race, retrying with fresh version",
			"entity", key.String(),
			"attempt", attempt,
		)
	}

	s.metrics.RecordAppend()

	// 4. Fan-out (async, best-effort)
	s.enqueuePublish(persisted)

	return persisted, nil
}

// conflictFromLog re-reads the current version after a lost append race.
func (s *SyncService) conflictFromLog(ctx context.Context, key domain.EntityKey, expected *int64, fallback int64) error {
	exp := fallback
	if expected != nil {
		exp = *expected
	}

	current, err := s.arbiter.Current(ctx, key)
	if err != nil {
		return fmt.Errorf("read current version after conflict: %w", err)
	}

	return apperrors.NewVersionConflictError(exp, current)
}

func (s *SyncService) enqueuePublish(event *domain.SyncEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.logger.Warn("sync service shutting down, event not published",
			"event_id", event.ID,
			"tenant_id", event.TenantID,
		)
		s.publishFailed(event, errServiceClosed)
		return
	}

	select {
	case s.queueFor(event.Key()) <- event:
	default:
		s.logger.Warn("publish queue full, event left to catch-up",
			"event_id", event.ID,
			"tenant_id", event.TenantID,
		)
		s.publishFailed(event, errQueueFull)
	}
}

var (
	errServiceClosed = errors.New("sync service closed")
	errQueueFull     = errors.New("publish queue full")
)

// publishFailed counts a missed publication and reports it to the listener.
func (s *SyncService) publishFailed(event *domain.SyncEvent, err error) {
	if s.cfg.FailureListener != nil {
		s.cfg.FailureListener.PublishFailed(event.TenantID, err)
	}
	s.metrics.RecordPublishFailure()
}

func (s *SyncService) queueFor(key domain.EntityKey) chan *domain.SyncEvent {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return s.publishQueues[h.Sum32()%uint32(len(s.publishQueues))]
}

func (s *SyncService) publishWorker(queue <-chan *domain.SyncEvent) {
	defer s.wg.Done()

	for event := range queue {
		// Use a fresh context since the producer's request may be done
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
		err := s.bridge.Publish(ctx, event.TenantID, event)
		cancel()

		if err != nil {
			err = fmt.Errorf("%w: %v", apperrors.ErrBridgeUnavailable, err)
			s.logger.Error("failed to publish sync event",
				"event_id", event.ID,
				"tenant_id", event.TenantID,
				"error", err,
			)
			s.publishFailed(event, err)
		}
	}
}

// Shutdown stops accepting publications and waits for queued ones to drain.
func (s *SyncService) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for _, q := range s.publishQueues {
			close(q)
		}
		s.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
