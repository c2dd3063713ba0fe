package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/lorrc/sync-engine/internal/core/domain"
	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
	"github.com/lorrc/sync-engine/internal/core/ports"
)

// MemoryBridge delivers events to subscribers in the same process.
// It serves single-node deployments and tests.
type MemoryBridge struct {
	mu         sync.RWMutex
	handlers   map[uuid.UUID]map[uint64]ports.BridgeHandler
	nextID     uint64
	duplicates int
	failure    error
}

var _ ports.DistributionBridge = (*MemoryBridge)(nil)

// NewMemoryBridge creates an empty in-process bridge.
func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{handlers: make(map[uuid.UUID]map[uint64]ports.BridgeHandler)}
}

// SetDuplicates makes every publish deliver n extra copies of the event.
func (b *MemoryBridge) SetDuplicates(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.duplicates = n
}

// SetFailure makes Publish, Subscribe and Ping fail with err until it is
// cleared with nil.
func (b *MemoryBridge) SetFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failure = err
}

func (b *MemoryBridge) Init(context.Context) error {
	return nil
}

// Publish synchronously invokes every handler subscribed to the tenant.
func (b *MemoryBridge) Publish(_ context.Context, tenantID uuid.UUID, event *domain.SyncEvent) error {
	b.mu.RLock()
	if b.failure != nil {
		err := b.failure
		b.mu.RUnlock()
		return fmt.Errorf("%w: %v", apperrors.ErrBridgeUnavailable, err)
	}
	handlers := make([]ports.BridgeHandler, 0, len(b.handlers[tenantID]))
	for _, h := range b.handlers[tenantID] {
		handlers = append(handlers, h)
	}
	copies := 1 + b.duplicates
	b.mu.RUnlock()

	for i := 0; i < copies; i++ {
		for _, h := range handlers {
			h(event)
		}
	}
	return nil
}

func (b *MemoryBridge) Subscribe(_ context.Context, tenantID uuid.UUID, handler ports.BridgeHandler) (ports.BridgeSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failure != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBridgeUnavailable, b.failure)
	}

	b.nextID++
	id := b.nextID
	if b.handlers[tenantID] == nil {
		b.handlers[tenantID] = make(map[uint64]ports.BridgeHandler)
	}
	b.handlers[tenantID][id] = handler

	return &memorySubscription{bridge: b, tenantID: tenantID, id: id}, nil
}

// Subscribers returns the number of handlers subscribed to the tenant.
func (b *MemoryBridge) Subscribers(tenantID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[tenantID])
}

func (b *MemoryBridge) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.failure != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrBridgeUnavailable, b.failure)
	}
	return nil
}

func (b *MemoryBridge) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[uuid.UUID]map[uint64]ports.BridgeHandler)
	return nil
}

type memorySubscription struct {
	bridge   *MemoryBridge
	tenantID uuid.UUID
	id       uint64
	once     sync.Once
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bridge.mu.Lock()
		defer s.bridge.mu.Unlock()
		delete(s.bridge.handlers[s.tenantID], s.id)
		if len(s.bridge.handlers[s.tenantID]) == 0 {
			delete(s.bridge.handlers, s.tenantID)
		}
	})
	return nil
}
