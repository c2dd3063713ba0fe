package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory sync engine counters using atomics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	startTime           time.Time
	eventsAppended      atomic.Int64
	versionConflicts    atomic.Int64
	publishFailures     atomic.Int64
	bridgeDeliveries    atomic.Int64
	pushes              atomic.Int64
	duplicatesDropped   atomic.Int64
	slowConsumers       atomic.Int64
	activeConnections   atomic.Int64
	catchUpRequests     atomic.Int64
	authFailures        atomic.Int64
	degradedTenantCount atomic.Int64
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	UptimeSeconds     float64 `json:"uptime_seconds"`
	EventsAppended    int64   `json:"events_appended"`
	VersionConflicts  int64   `json:"version_conflicts"`
	PublishFailures   int64   `json:"publish_failures"`
	BridgeDeliveries  int64   `json:"bridge_deliveries"`
	Pushes            int64   `json:"pushes"`
	DuplicatesDropped int64   `json:"duplicates_dropped"`
	SlowConsumers     int64   `json:"slow_consumers"`
	ActiveConnections int64   `json:"active_connections"`
	CatchUpRequests   int64   `json:"catch_up_requests"`
	AuthFailures      int64   `json:"auth_failures"`
	DegradedTenants   int64   `json:"degraded_tenants"`
}

// New creates a Metrics instance with the current time as start.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) RecordAppend() {
	if m != nil {
		m.eventsAppended.Add(1)
	}
}

func (m *Metrics) RecordVersionConflict() {
	if m != nil {
		m.versionConflicts.Add(1)
	}
}

func (m *Metrics) RecordPublishFailure() {
	if m != nil {
		m.publishFailures.Add(1)
	}
}

func (m *Metrics) RecordBridgeDelivery() {
	if m != nil {
		m.bridgeDeliveries.Add(1)
	}
}

func (m *Metrics) RecordPush() {
	if m != nil {
		m.pushes.Add(1)
	}
}

func (m *Metrics) RecordDuplicateDropped() {
	if m != nil {
		m.duplicatesDropped.Add(1)
	}
}

func (m *Metrics) RecordSlowConsumer() {
	if m != nil {
		m.slowConsumers.Add(1)
	}
}

func (m *Metrics) RecordCatchUp() {
	if m != nil {
		m.catchUpRequests.Add(1)
	}
}

func (m *Metrics) RecordAuthFailure() {
	if m != nil {
		m.authFailures.Add(1)
	}
}

// ConnectionOpened and ConnectionClosed track the live connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.activeConnections.Add(1)
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.activeConnections.Add(-1)
	}
}

// SetDegradedTenants sets the gauge of tenants in poll-only mode.
func (m *Metrics) SetDegradedTenants(n int) {
	if m != nil {
		m.degradedTenantCount.Store(int64(n))
	}
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		UptimeSeconds:     time.Since(m.startTime).Seconds(),
		EventsAppended:    m.eventsAppended.Load(),
		VersionConflicts:  m.versionConflicts.Load(),
		PublishFailures:   m.publishFailures.Load(),
		BridgeDeliveries:  m.bridgeDeliveries.Load(),
		Pushes:            m.pushes.Load(),
		DuplicatesDropped: m.duplicatesDropped.Load(),
		SlowConsumers:     m.slowConsumers.Load(),
		ActiveConnections: m.activeConnections.Load(),
		CatchUpRequests:   m.catchUpRequests.Load(),
		AuthFailures:      m.authFailures.Load(),
		DegradedTenants:   m.degradedTenantCount.Load(),
	}
}
