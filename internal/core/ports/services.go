package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/sync-engine/internal/core/domain"
)

// RecordEventParams defines the input for recording a mutation.
type RecordEventParams struct {
	Operation       domain.Operation
	EntityType      string
	EntityID        uuid.UUID
	Data            json.RawMessage
	Metadata        json.RawMessage
	UserID          uuid.UUID
	TenantID        uuid.UUID
	ExpectedVersion *int64
}

// CatchUpParams defines the input for a catch-up query.
type CatchUpParams struct {
	TenantID uuid.UUID
	Since    *domain.Watermark
	Limit    int
}

// CatchUpPage is one ordered page of historical events.
type CatchUpPage struct {
	Events        []*domain.SyncEvent
	NextWatermark domain.Watermark
	HasMore       bool
	WindowStart   time.Time
}

// SyncService is the single entry point for producers.
type SyncService interface {
	RecordEvent(ctx context.Context, params RecordEventParams) (*domain.SyncEvent, error)
	Shutdown(ctx context.Context) error
}

// VersionArbiter resolves the version assigned to an incoming mutation.
type VersionArbiter interface {
	Resolve(ctx context.Context, key domain.EntityKey, expected *int64) (int64, error)
	Current(ctx context.Context, key domain.EntityKey) (int64, error)
}

// CatchUpService serves historical events to reconnecting clients.
type CatchUpService interface {
	CatchUp(ctx context.Context, params CatchUpParams) (*CatchUpPage, error)
}

// BridgeHandler receives events delivered by the distribution bridge.
// Deliveries are at-least-once and unordered across entity keys.
type BridgeHandler func(event *domain.SyncEvent)

// BridgeSubscription is a handle to a tenant subscription on the bridge.
type BridgeSubscription interface {
	Unsubscribe() error
}

// PublishFailureListener is told when an appended event could not be
// handed to the distribution bridge. Implementations must not block.
type PublishFailureListener interface {
	PublishFailed(tenantID uuid.UUID, err error)
}

// DistributionBridge relays published events to every server instance
// that subscribed the tenant.
type DistributionBridge interface {
	Init(ctx context.Context) error
	Publish(ctx context.Context, tenantID uuid.UUID, event *domain.SyncEvent) error
	Subscribe(ctx context.Context, tenantID uuid.UUID, handler BridgeHandler) (BridgeSubscription, error)
	Ping(ctx context.Context) error
	Shutdown() error
}

// Authenticator validates a credential and returns the principal it carries.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (domain.Principal, error)
}
