// Package bridge relays sync events between server instances.
package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lorrc/sync-engine/internal/core/domain"
)

// envelope is the wire form of a published event.
type envelope struct {
	Source string                   `json:"source"`
	Event  domain.SyncEventSnapshot `json:"event"`
}

func encodeEnvelope(source string, event *domain.SyncEvent) ([]byte, error) {
	payload, err := json.Marshal(envelope{Source: source, Event: domain.NewSyncEventSnapshot(event)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return payload, nil
}

func decodeEnvelope(payload []byte) (string, *domain.SyncEvent, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	event, err := env.Event.ToSyncEvent()
	if err != nil {
		return "", nil, err
	}
	return env.Source, event, nil
}

// ChannelName returns the pub/sub channel carrying a tenant's events.
func ChannelName(prefix string, tenantID uuid.UUID) string {
	return fmt.Sprintf("%s:tenant:%s", prefix, tenantID)
}
