package services

import (
	"context"

	"github.com/lorrc/sync-engine/internal/core/domain"
	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
	"github.com/lorrc/sync-engine/internal/core/ports"
)

// VersionArbiter assigns per-entity versions using optimistic concurrency.
// The current version is always read from the event log.
type VersionArbiter struct {
	eventLog ports.EventLog
}

var _ ports.VersionArbiter = (*VersionArbiter)(nil)

// NewVersionArbiter creates a new version arbiter
func NewVersionArbiter(eventLog ports.EventLog) *VersionArbiter {
	return &VersionArbiter{eventLog: eventLog}
}

// Current returns the latest persisted version for the key, 0 if none.
func (a *VersionArbiter) Current(ctx context.Context, key domain.EntityKey) (int64, error) {
	return a.eventLog.LatestVersion(ctx, key)
}

// Resolve returns the version the next event for key must carry.
// expected is the pre-increment version the caller last observed;
// nil means the caller does not track versions.
func (a *VersionArbiter) Resolve(ctx context.Context, key domain.EntityKey, expected *int64) (int64, error) {
	if expected != nil && *expected < 0 {
		errs := apperrors.NewValidationErrors()
		errs.Add("version", "Must be at least 0")
		return 0, errs
	}

	current, err := a.eventLog.LatestVersion(ctx, key)
	if err != nil {
		return 0, err
	}

	if expected != nil && *expected != current {
		return 0, apperrors.NewVersionConflictError(*expected, current)
	}

	return current + 1, nil
}
