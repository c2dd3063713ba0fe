package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/sync-engine/internal/core/domain"
	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
	"github.com/lorrc/sync-engine/internal/core/ports"
	"github.com/lorrc/sync-engine/internal/infrastructure/metrics"
)

const (
	DefaultCatchUpLimit = 100
	MaxCatchUpLimit     = 1000
)

// CatchUpConfig controls the queryable window and page sizes.
// A zero Retention keeps the whole log queryable.
type CatchUpConfig struct {
	Retention    time.Duration
	DefaultLimit int
	MaxLimit     int
}

// CatchUpService serves ordered pages of a tenant's event log to clients
// recovering from a disconnect.
type CatchUpService struct {
	eventLog ports.EventLog
	cfg      CatchUpConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

var _ ports.CatchUpService = (*CatchUpService)(nil)

// NewCatchUpService creates a new catch-up service
func NewCatchUpService(eventLog ports.EventLog, cfg CatchUpConfig, m *metrics.Metrics, logger *slog.Logger) *CatchUpService {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultCatchUpLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = MaxCatchUpLimit
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = cfg.MaxLimit
	}

	return &CatchUpService{
		eventLog: eventLog,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "catchup_service"),
		now:      time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (s *CatchUpService) WithClock(now func() time.Time) *CatchUpService {
	s.now = now
	return s
}

// CatchUp returns events strictly after the watermark in (createdAt, id) order.
func (s *CatchUpService) CatchUp(ctx context.Context, params ports.CatchUpParams) (*ports.CatchUpPage, error) {
	if params.TenantID == uuid.Nil {
		errs := apperrors.NewValidationErrors()
		errs.Add("tenantId", "This field is required")
		return nil, errs
	}

	limit := s.normalizeLimit(params.Limit)
	windowStart := s.windowStart()

	since := domain.Watermark{CreatedAt: windowStart}
	if params.Since != nil && !params.Since.IsZero() {
		if !windowStart.IsZero() && params.Since.CreatedAt.Before(windowStart) {
			s.logger.DebugContext(ctx, "catch-up watermark outside retention window",
				"tenant_id", params.TenantID,
				"since", params.Since.CreatedAt,
				"window_start", windowStart,
			)
			return nil, apperrors.ErrWatermarkExpired
		}
		since = *params.Since
	}

	s.metrics.RecordCatchUp()

	// Fetch one extra row to know whether another page exists
	events, err := s.eventLog.QuerySince(ctx, params.TenantID, since, limit+1)
	if err != nil {
		return nil, err
	}

	page := &ports.CatchUpPage{
		Events:        events,
		NextWatermark: since,
		WindowStart:   windowStart,
	}
	if len(events) > limit {
		page.Events = events[:limit]
		page.HasMore = true
	}
	if n := len(page.Events); n > 0 {
		page.NextWatermark = page.Events[n-1].Watermark()
	}

	return page, nil
}

func (s *CatchUpService) windowStart() time.Time {
	if s.cfg.Retention <= 0 {
		return time.Time{}
	}
	return s.now().Add(-s.cfg.Retention)
}

func (s *CatchUpService) normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return s.cfg.DefaultLimit
	case limit > s.cfg.MaxLimit:
		return s.cfg.MaxLimit
	default:
		return limit
	}
}
