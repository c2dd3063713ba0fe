package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/lorrc/sync-engine/internal/core/domain"
	"github.com/lorrc/sync-engine/internal/core/ports"
	"github.com/stretchr/testify/mock"
)

// MockEventLog is a mock implementation of ports.EventLog
type MockEventLog struct {
	mock.Mock
}

func NewMockEventLog() *MockEventLog {
	return &MockEventLog{}
}

func (m *MockEventLog) Append(ctx context.Context, event *domain.SyncEvent) (*domain.SyncEvent, error) {
	args := m.Called(ctx, event)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SyncEvent), args.Error(1)
}

func (m *MockEventLog) QuerySince(ctx context.Context, tenantID uuid.UUID, since domain.Watermark, limit int) ([]*domain.SyncEvent, error) {
	args := m.Called(ctx, tenantID, since, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.SyncEvent), args.Error(1)
}

func (m *MockEventLog) LatestVersion(ctx context.Context, key domain.EntityKey) (int64, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockEventLog) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockVersionArbiter is a mock implementation of ports.VersionArbiter
type MockVersionArbiter struct {
	mock.Mock
}

func NewMockVersionArbiter() *MockVersionArbiter {
	return &MockVersionArbiter{}
}

func (m *MockVersionArbiter) Resolve(ctx context.Context, key domain.EntityKey, expected *int64) (int64, error) {
	args := m.Called(ctx, key, expected)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockVersionArbiter) Current(ctx context.Context, key domain.EntityKey) (int64, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(int64), args.Error(1)
}

// MockDistributionBridge is a mock implementation of ports.DistributionBridge
type MockDistributionBridge struct {
	mock.Mock
}

func NewMockDistributionBridge() *MockDistributionBridge {
	return &MockDistributionBridge{}
}

func (m *MockDistributionBridge) Init(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDistributionBridge) Publish(ctx context.Context, tenantID uuid.UUID, event *domain.SyncEvent) error {
	args := m.Called(ctx, tenantID, event)
	return args.Error(0)
}

func (m *MockDistributionBridge) Subscribe(ctx context.Context, tenantID uuid.UUID, handler ports.BridgeHandler) (ports.BridgeSubscription, error) {
	args := m.Called(ctx, tenantID, handler)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.BridgeSubscription), args.Error(1)
}

func (m *MockDistributionBridge) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDistributionBridge) Shutdown() error {
	args := m.Called()
	return args.Error(0)
}

// MockBridgeSubscription is a mock implementation of ports.BridgeSubscription
type MockBridgeSubscription struct {
	mock.Mock
}

func NewMockBridgeSubscription() *MockBridgeSubscription {
	return &MockBridgeSubscription{}
}

func (m *MockBridgeSubscription) Unsubscribe() error {
	args := m.Called()
	return args.Error(0)
}

// MockSyncService is a mock implementation of ports.SyncService
type MockSyncService struct {
	mock.Mock
}

func NewMockSyncService() *MockSyncService {
	return &MockSyncService{}
}

func (m *MockSyncService) RecordEvent(ctx context.Context, params ports.RecordEventParams) (*domain.SyncEvent, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SyncEvent), args.Error(1)
}

func (m *MockSyncService) Shutdown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockCatchUpService is a mock implementation of ports.CatchUpService
type MockCatchUpService struct {
	mock.Mock
}

func NewMockCatchUpService() *MockCatchUpService {
	return &MockCatchUpService{}
}

func (m *MockCatchUpService) CatchUp(ctx context.Context, params ports.CatchUpParams) (*ports.CatchUpPage, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.CatchUpPage), args.Error(1)
}

// MockAuthenticator is a mock implementation of ports.Authenticator
type MockAuthenticator struct {
	mock.Mock
}

func NewMockAuthenticator() *MockAuthenticator {
	return &MockAuthenticator{}
}

func (m *MockAuthenticator) Authenticate(ctx context.Context, credential string) (domain.Principal, error) {
	args := m.Called(ctx, credential)
	return args.Get(0).(domain.Principal), args.Error(1)
}
