package ports

import (
	"context"

	"github.com/google/uuid"
	"github.com/lorrc/sync-engine/internal/core/domain"
)

// EventLog is the append-only, tenant-partitioned store of sync events.
// It is the durability boundary and the only concurrency-control point:
// Append fails with apperrors.ErrConflict when the version for the entity
// key is already taken or would leave a gap.
type EventLog interface {
	Append(ctx context.Context, event *domain.SyncEvent) (*domain.SyncEvent, error)
	QuerySince(ctx context.Context, tenantID uuid.UUID, since domain.Watermark, limit int) ([]*domain.SyncEvent, error)
	LatestVersion(ctx context.Context, key domain.EntityKey) (int64, error)
	Ping(ctx context.Context) error
}
