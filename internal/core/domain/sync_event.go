package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
)

const (
	MaxEntityTypeLength = 100
	MaxDataBytes        = 1 << 20
	MaxMetadataBytes    = 16 << 10
)

var entityTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.:-]*$`)

// TombstoneData is stored as the payload of a delete that carries no snapshot.
var TombstoneData = json.RawMessage("null")

// Operation is the kind of mutation a sync event records.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// IsValid returns true if the operation is one of the known operations.
func (o Operation) IsValid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Operations lists every valid operation.
func Operations() []string {
	return []string{string(OperationCreate), string(OperationUpdate), string(OperationDelete)}
}

// EntityKey identifies the logical object whose versions are ordered.
type EntityKey struct {
	TenantID   uuid.UUID
	EntityType string
	EntityID   uuid.UUID
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.EntityType, k.EntityID)
}

// SyncEvent is one immutable entry of the tenant event log.
type SyncEvent struct {
	ID         int64
	TenantID   uuid.UUID
	Operation  Operation
	EntityType string
	EntityID   uuid.UUID
	Version    int64
	Data       json.RawMessage
	UserID     uuid.UUID
	Metadata   json.RawMessage
	CreatedAt  time.Time
}

// Key returns the entity key the event belongs to.
func (e *SyncEvent) Key() EntityKey {
	return EntityKey{TenantID: e.TenantID, EntityType: e.EntityType, EntityID: e.EntityID}
}

// Watermark returns the stream position of a persisted event.
func (e *SyncEvent) Watermark() Watermark {
	return Watermark{CreatedAt: e.CreatedAt, ID: e.ID}
}

// SyncEventParams is the unvalidated input for a new event.
type SyncEventParams struct {
	TenantID   uuid.UUID
	UserID     uuid.UUID
	Operation  Operation
	EntityType string
	EntityID   uuid.UUID
	Data       json.RawMessage
	Metadata   json.RawMessage
}

// NewSyncEvent validates params and builds an unpersisted event.
// ID, Version and CreatedAt are assigned later by the arbiter and the log.
func NewSyncEvent(p SyncEventParams) (*SyncEvent, error) {
	errs := apperrors.NewValidationErrors()

	if p.TenantID == uuid.Nil {
		errs.Add("tenantId", "This field is required")
	}
	if p.UserID == uuid.Nil {
		errs.Add("userId", "This field is required")
	}
	if !p.Operation.IsValid() {
		errs.Add("operation", "Must be one of: create, update, delete")
	}

	switch {
	case p.EntityType == "":
		errs.Add("entityType", "This field is required")
	case len(p.EntityType) > MaxEntityTypeLength:
		errs.Add("entityType", fmt.Sprintf("Must be at most %d characters", MaxEntityTypeLength))
	case !entityTypePattern.MatchString(p.EntityType):
		errs.Add("entityType", "Must start with a letter and contain only letters, digits, '_', '.', ':' or '-'")
	}

	if p.EntityID == uuid.Nil {
		errs.Add("entityId", "This field is required")
	}

	data := p.Data
	switch {
	case len(data) == 0 && p.Operation == OperationDelete:
		data = TombstoneData
	case len(data) == 0:
		errs.Add("data", "This field is required")
	case len(data) > MaxDataBytes:
		errs.Add("data", fmt.Sprintf("Must be at most %d bytes", MaxDataBytes))
	case !json.Valid(data):
		errs.Add("data", "Must be valid JSON")
	}

	if len(p.Metadata) > 0 {
		if len(p.Metadata) > MaxMetadataBytes {
			errs.Add("metadata", fmt.Sprintf("Must be at most %d bytes", MaxMetadataBytes))
		} else if !json.Valid(p.Metadata) {
			errs.Add("metadata", "Must be valid JSON")
		}
	}

	if errs.HasErrors() {
		return nil, errs
	}

	return &SyncEvent{
		TenantID:   p.TenantID,
		Operation:  p.Operation,
		EntityType: p.EntityType,
		EntityID:   p.EntityID,
		Data:       data,
		UserID:     p.UserID,
		Metadata:   p.Metadata,
	}, nil
}

// Watermark is a (createdAt, id) position in a tenant's event stream.
// The zero value is the beginning of the stream.
type Watermark struct {
	CreatedAt time.Time
	ID        int64
}

// IsZero reports whether the watermark points at the beginning of the stream.
func (w Watermark) IsZero() bool {
	return w.CreatedAt.IsZero() && w.ID == 0
}

// Before reports whether w sorts strictly before other.
func (w Watermark) Before(other Watermark) bool {
	if w.CreatedAt.Equal(other.CreatedAt) {
		return w.ID < other.ID
	}
	return w.CreatedAt.Before(other.CreatedAt)
}

// Principal is an already-authenticated caller.
type Principal struct {
	UserID   uuid.UUID
	TenantID uuid.UUID
}
