package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncEventSnapshot matches the API and websocket shape of a sync event.
type SyncEventSnapshot struct {
	ID         int64           `json:"id"`
	TenantID   string          `json:"tenantId"`
	Operation  string          `json:"operation"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Version    int64           `json:"version"`
	Data       json.RawMessage `json:"data"`
	UserID     string          `json:"userId"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  string          `json:"createdAt"`
}

// WatermarkSnapshot is the wire form of a watermark.
type WatermarkSnapshot struct {
	Since   string `json:"since"`
	AfterID int64  `json:"afterId"`
}

// NewSyncEventSnapshot builds a snapshot from a persisted event.
func NewSyncEventSnapshot(event *SyncEvent) SyncEventSnapshot {
	return SyncEventSnapshot{
		ID:         event.ID,
		TenantID:   event.TenantID.String(),
		Operation:  string(event.Operation),
		EntityType: event.EntityType,
		EntityID:   event.EntityID.String(),
		Version:    event.Version,
		Data:       event.Data,
		UserID:     event.UserID.String(),
		Metadata:   event.Metadata,
		CreatedAt:  event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// NewWatermarkSnapshot builds the wire form of a watermark.
func NewWatermarkSnapshot(w Watermark) WatermarkSnapshot {
	if w.IsZero() {
		return WatermarkSnapshot{}
	}
	return WatermarkSnapshot{
		Since:   w.CreatedAt.UTC().Format(time.RFC3339Nano),
		AfterID: w.ID,
	}
}

// ToSyncEvent parses a snapshot received from another process.
func (s SyncEventSnapshot) ToSyncEvent() (*SyncEvent, error) {
	tenantID, err := uuid.Parse(s.TenantID)
	if err != nil {
		return nil, fmt.Errorf("invalid tenantId: %w", err)
	}
	entityID, err := uuid.Parse(s.EntityID)
	if err != nil {
		return nil, fmt.Errorf("invalid entityId: %w", err)
	}
	userID, err := uuid.Parse(s.UserID)
	if err != nil {
		return nil, fmt.Errorf("invalid userId: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid createdAt: %w", err)
	}

	return &SyncEvent{
		ID:         s.ID,
		TenantID:   tenantID,
		Operation:  Operation(s.Operation),
		EntityType: s.EntityType,
		EntityID:   entityID,
		Version:    s.Version,
		Data:       s.Data,
		UserID:     userID,
		Metadata:   s.Metadata,
		CreatedAt:  createdAt,
	}, nil
}
