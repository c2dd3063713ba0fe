package websocket

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lorrc/sync-engine/internal/core/domain"
	"github.com/lorrc/sync-engine/internal/core/ports"
	"github.com/lorrc/sync-engine/internal/infrastructure/metrics"
)

// HubConfig holds connection and fan-out tuning.
type HubConfig struct {
	PingPeriod      time.Duration
	PongWait        time.Duration
	AuthTimeout     time.Duration
	SendBuffer      int
	DedupeWindow    int
	MessageRPS      float64
	MessageBurst    int
	MaxMessageSize  int64
	CatchUpPageSize int
	RetryInterval   time.Duration
	BridgeTimeout   time.Duration
}

// DefaultHubConfig returns sensible defaults
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingPeriod:      54 * time.Second,
		PongWait:        60 * time.Second,
		AuthTimeout:     10 * time.Second,
		SendBuffer:      256,
		DedupeWindow:    1024,
		MessageRPS:      20,
		MessageBurst:    40,
		MaxMessageSize:  4096,
		CatchUpPageSize: 100,
		RetryInterval:   5 * time.Second,
		BridgeTimeout:   5 * time.Second,
	}
}

func (c HubConfig) withDefaults() HubConfig {
	d := DefaultHubConfig()
	if c.PingPeriod <= 0 {
		c.PingPeriod = d.PingPeriod
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = d.DedupeWindow
	}
	if c.MessageRPS <= 0 {
		c.MessageRPS = d.MessageRPS
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = d.MessageBurst
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.CatchUpPageSize <= 0 {
		c.CatchUpPageSize = d.CatchUpPageSize
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.BridgeTimeout <= 0 {
		c.BridgeTimeout = d.BridgeTimeout
	}
	return c
}

// tenantState tracks the bridge subscription shared by a tenant's
// subscribed connections on this instance. Connections that subscribe while
// the first bridge call is in flight wait in waiting until it resolves.
type tenantState struct {
	sub      ports.BridgeSubscription
	clients  map[*Client]bool
	waiting  map[*Client]chan bool
	ready    bool
	pending  bool
	degraded bool
}

// subscribeResult carries a bridge Subscribe call back to the event loop.
type subscribeResult struct {
	tenantID uuid.UUID
	ts       *tenantState
	sub      ports.BridgeSubscription
	err      error
}

type hubRequest struct {
	client *Client
	reply  chan bool
}

// Hub is the connection registry of this instance. It owns the client
// maps and the tenant bridge subscriptions; all of them are touched only by
// the Run goroutine. Bridge calls run on their own goroutines and report
// back through channels, so a slow bridge never stalls fan-out.
type Hub struct {
	cfg     HubConfig
	bridge  ports.DistributionBridge
	auth    ports.Authenticator
	catchUp ports.CatchUpService
	metrics *metrics.Metrics
	logger  *slog.Logger

	// clients maps tenant IDs to their authenticated connections
	clients map[uuid.UUID]map[*Client]bool

	// tenants maps tenant IDs to subscribed connections and bridge state
	tenants map[uuid.UUID]*tenantState

	registerCh    chan *Client
	unregisterCh  chan *Client
	evictCh       chan *Client
	subscribeCh   chan hubRequest
	unsubscribeCh chan hubRequest
	deliver       chan *domain.SyncEvent
	subscribed    chan subscribeResult
	pinged        chan error
	failed        chan uuid.UUID
	done          chan struct{}

	// pinging is owned by the Run goroutine
	pinging bool

	clientCount atomic.Int64
	tenantCount atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(
	bridge ports.DistributionBridge,
	auth ports.Authenticator,
	catchUp ports.CatchUpService,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg HubConfig,
) *Hub {
	return &Hub{
		cfg:           cfg.withDefaults(),
		bridge:        bridge,
		auth:          auth,
		catchUp:       catchUp,
		metrics:       m,
		logger:        logger.With("component", "websocket_hub"),
		clients:       make(map[uuid.UUID]map[*Client]bool),
		tenants:       make(map[uuid.UUID]*tenantState),
		registerCh:    make(chan *Client),
		unregisterCh:  make(chan *Client),
		evictCh:       make(chan *Client),
		subscribeCh:   make(chan hubRequest),
		unsubscribeCh: make(chan hubRequest),
		deliver:       make(chan *domain.SyncEvent, 1024),
		subscribed:    make(chan subscribeResult),
		pinged:        make(chan error),
		failed:        make(chan uuid.UUID, 256),
		done:          make(chan struct{}),
	}
}

// Run starts the hub's event loop and blocks until ctx is cancelled.
// Remaining connections are then closed with CloseGoingAway.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.RetryInterval)
	defer ticker.Stop()
	defer h.shutdown()

	h.logger.Info("websocket hub started")

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.registerCh:
			h.registerClient(client)

		case client := <-h.unregisterCh:
			h.removeClient(client, websocket.CloseNormalClosure, "")

		case client := <-h.evictCh:
			h.evictSlowConsumer(client)

		case req := <-h.subscribeCh:
			h.subscribeClient(ctx, req)

		case res := <-h.subscribed:
			h.finishSubscribe(res)

		case tenantID := <-h.failed:
			h.markDegraded(tenantID)

		case err := <-h.pinged:
			h.finishPing(err)

		case req := <-h.unsubscribeCh:
			h.leaveTenant(req.client)
			req.reply <- true

		case event := <-h.deliver:
			h.fanOut(event)

		case <-ticker.C:
			h.checkBridge(ctx)
		}
	}
}

// Done is closed when the hub stops.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// ClientCount returns the number of authenticated connections.
func (h *Hub) ClientCount() int {
	return int(h.clientCount.Load())
}

// TenantCount returns the number of tenants with subscribed connections.
func (h *Hub) TenantCount() int {
	return int(h.tenantCount.Load())
}

// --- Requests from clients ---

func (h *Hub) register(c *Client) bool {
	select {
	case h.registerCh <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.unregisterCh <- c:
	case <-h.done:
	}
}

func (h *Hub) evict(c *Client) {
	select {
	case h.evictCh <- c:
	case <-h.done:
	}
}

func (h *Hub) subscribe(c *Client) bool {
	return h.request(h.subscribeCh, c)
}

func (h *Hub) unsubscribe(c *Client) bool {
	return h.request(h.unsubscribeCh, c)
}

func (h *Hub) request(ch chan hubRequest, c *Client) bool {
	req := hubRequest{client: c, reply: make(chan bool, 1)}
	select {
	case ch <- req:
	case <-h.done:
		return false
	}
	select {
	case ok := <-req.reply:
		return ok
	case <-h.done:
		return false
	}
}

// PublishFailed marks the tenant degraded after an event of this instance
// missed the bridge. It never blocks; when the queue is full the next
// bridge health check catches the outage instead.
func (h *Hub) PublishFailed(tenantID uuid.UUID, err error) {
	select {
	case h.failed <- tenantID:
	default:
		h.logger.Warn("publish failure not reported, queue full", "tenant_id", tenantID, "error", err)
	}
}

var _ ports.PublishFailureListener = (*Hub)(nil)

// handlerFor returns the bridge handler for a tenant subscription. It
// blocks the bridge dispatcher until the hub accepts the event.
func (h *Hub) handlerFor(tenantID uuid.UUID) ports.BridgeHandler {
	return func(event *domain.SyncEvent) {
		if event.TenantID != tenantID {
			h.logger.Warn("dropping bridge event for foreign tenant",
				"subscribed_tenant", tenantID,
				"event_tenant", event.TenantID,
				"event_id", event.ID,
			)
			return
		}
		select {
		case h.deliver <- event:
		case <-h.done:
		}
	}
}

// --- Event loop internals ---

func (h *Hub) registerClient(c *Client) {
	tenantID := c.principal.TenantID
	if h.clients[tenantID] == nil {
		h.clients[tenantID] = make(map[*Client]bool)
	}
	h.clients[tenantID][c] = true
	h.clientCount.Add(1)

	h.logger.Debug("client registered",
		"connection_id", c.ID,
		"tenant_id", tenantID,
		"total_clients", h.clientCount.Load(),
	)
}

func (h *Hub) removeClient(c *Client, code int, reason string) {
	tenantID := c.principal.TenantID
	if set, ok := h.clients[tenantID]; ok && set[c] {
		h.leaveTenant(c)
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, tenantID)
		}
		h.clientCount.Add(-1)

		h.logger.Debug("client unregistered",
			"connection_id", c.ID,
			"tenant_id", tenantID,
			"total_clients", h.clientCount.Load(),
		)
	}
	c.Close(code, reason)
}

func (h *Hub) evictSlowConsumer(c *Client) {
	h.metrics.RecordSlowConsumer()
	h.logger.Warn("slow consumer disconnected",
		"connection_id", c.ID,
		"tenant_id", c.principal.TenantID,
	)
	h.removeClient(c, CloseSlowConsumer, "slow consumer")
}

func (h *Hub) subscribeClient(ctx context.Context, req hubRequest) {
	c := req.client
	tenantID := c.principal.TenantID
	if !h.clients[tenantID][c] {
		req.reply <- false
		return
	}

	ts := h.tenants[tenantID]
	if ts == nil {
		ts = &tenantState{
			clients: make(map[*Client]bool),
			waiting: make(map[*Client]chan bool),
		}
		h.tenants[tenantID] = ts
		h.tenantCount.Add(1)
		h.startSubscribe(ctx, tenantID, ts)
	}

	if !ts.ready {
		ts.waiting[c] = req.reply
		return
	}
	h.admit(ts, c, req.reply)
}

// admit adds a client to a resolved tenant. SUBSCRIBED is queued before the
// client can see any fan-out.
func (h *Hub) admit(ts *tenantState, c *Client, reply chan bool) {
	ts.clients[c] = true
	c.enqueue(encode(TypeSubscribed, subscribedPayload{EntityTypes: c.subscribedFilter()}))
	if ts.degraded {
		c.enqueue(encode(TypeDegraded, nil))
	}
	reply <- true
}

// startSubscribe opens the tenant's bridge subscription off the event loop.
func (h *Hub) startSubscribe(ctx context.Context, tenantID uuid.UUID, ts *tenantState) {
	ts.pending = true
	handler := h.handlerFor(tenantID)

	go func() {
		subCtx, cancel := context.WithTimeout(ctx, h.cfg.BridgeTimeout)
		defer cancel()

		sub, err := h.bridge.Subscribe(subCtx, tenantID, handler)
		select {
		case h.subscribed <- subscribeResult{tenantID: tenantID, ts: ts, sub: sub, err: err}:
		case <-h.done:
			if sub != nil {
				_ = sub.Unsubscribe()
			}
		}
	}()
}

// finishSubscribe applies a Subscribe outcome. On failure the tenant is
// degraded and retried from the ticker.
func (h *Hub) finishSubscribe(res subscribeResult) {
	ts := h.tenants[res.tenantID]
	if ts != res.ts {
		// Every subscriber left while the call was in flight
		if res.sub != nil {
			if err := res.sub.Unsubscribe(); err != nil {
				h.logger.Warn("failed to release bridge subscription", "tenant_id", res.tenantID, "error", err)
			}
		}
		return
	}

	ts.pending = false
	wasDegraded := ts.degraded
	if res.err != nil {
		if !wasDegraded {
			h.logger.Warn("bridge subscription failed, tenant degraded to polling",
				"tenant_id", res.tenantID,
				"error", res.err,
			)
		}
		ts.degraded = true
	} else {
		ts.sub = res.sub
		ts.degraded = false
		h.logger.Debug("tenant subscribed on bridge", "tenant_id", res.tenantID)
	}
	h.updateDegraded()

	if ts.ready && wasDegraded && !ts.degraded {
		h.logger.Info("bridge subscription recovered", "tenant_id", res.tenantID)
		h.broadcast(ts, TypeRecovered)
	}

	ts.ready = true
	for c, reply := range ts.waiting {
		delete(ts.waiting, c)
		h.admit(ts, c, reply)
	}
}

// markDegraded tells a tenant's clients that live delivery has a gap.
func (h *Hub) markDegraded(tenantID uuid.UUID) {
	ts := h.tenants[tenantID]
	if ts == nil || !ts.ready || ts.degraded {
		return
	}

	h.logger.Warn("bridge publish failed, tenant degraded to polling", "tenant_id", tenantID)
	ts.degraded = true
	h.updateDegraded()
	h.broadcast(ts, TypeDegraded)
}

// leaveTenant drops a subscribed client and releases the bridge
// subscription with the tenant's last local subscriber.
func (h *Hub) leaveTenant(c *Client) {
	tenantID := c.principal.TenantID
	ts := h.tenants[tenantID]
	if ts == nil {
		return
	}

	if reply, ok := ts.waiting[c]; ok {
		delete(ts.waiting, c)
		reply <- false
	} else if ts.clients[c] {
		delete(ts.clients, c)
	} else {
		return
	}
	if len(ts.clients) > 0 || len(ts.waiting) > 0 {
		return
	}

	if ts.sub != nil {
		if err := ts.sub.Unsubscribe(); err != nil {
			h.logger.Warn("failed to release bridge subscription", "tenant_id", tenantID, "error", err)
		}
	}
	delete(h.tenants, tenantID)
	h.tenantCount.Add(-1)
	if ts.degraded {
		h.updateDegraded()
	}
	h.logger.Debug("tenant unsubscribed from bridge", "tenant_id", tenantID)
}

// fanOut pushes a bridge event to the tenant's subscribed connections.
// Connections that cannot keep up are disconnected; others are unaffected.
func (h *Hub) fanOut(event *domain.SyncEvent) {
	h.metrics.RecordBridgeDelivery()

	ts := h.tenants[event.TenantID]
	if ts == nil {
		return
	}

	for c := range ts.clients {
		if _, err := c.offer(event); err != nil {
			h.evictSlowConsumer(c)
		}
	}
}

func (h *Hub) broadcast(ts *tenantState, msgType string) {
	msg := encode(msgType, nil)
	for c := range ts.clients {
		if !c.enqueue(msg) {
			h.evictSlowConsumer(c)
		}
	}
}

// checkBridge runs on every retry tick. Tenants without a subscription get
// a new Subscribe attempt; tenants holding one are covered by a single
// bridge Ping, since the bridge re-establishes its own channels.
func (h *Hub) checkBridge(ctx context.Context) {
	held := false
	for tenantID, ts := range h.tenants {
		if ts.sub != nil {
			held = true
			continue
		}
		if ts.degraded && !ts.pending {
			h.startSubscribe(ctx, tenantID, ts)
		}
	}

	if !held || h.pinging {
		return
	}
	h.pinging = true

	go func() {
		pingCtx, cancel := context.WithTimeout(ctx, h.cfg.BridgeTimeout)
		defer cancel()

		err := h.bridge.Ping(pingCtx)
		select {
		case h.pinged <- err:
		case <-h.done:
		}
	}()
}

// finishPing moves every tenant holding a subscription to the state the
// ping reports, notifying clients on each change.
func (h *Hub) finishPing(err error) {
	h.pinging = false

	var changed []*tenantState
	for _, ts := range h.tenants {
		if ts.sub != nil && ts.degraded != (err != nil) {
			ts.degraded = err != nil
			changed = append(changed, ts)
		}
	}
	if len(changed) == 0 {
		return
	}
	h.updateDegraded()

	msgType := TypeRecovered
	if err != nil {
		msgType = TypeDegraded
		h.logger.Warn("bridge ping failed, tenants degraded to polling", "tenants", len(changed), "error", err)
	} else {
		h.logger.Info("bridge delivery recovered", "tenants", len(changed))
	}
	for _, ts := range changed {
		h.broadcast(ts, msgType)
	}
}

func (h *Hub) updateDegraded() {
	n := 0
	for _, ts := range h.tenants {
		if ts.degraded {
			n++
		}
	}
	h.metrics.SetDegradedTenants(n)
}

func (h *Hub) shutdown() {
	close(h.done)

	for tenantID, ts := range h.tenants {
		if ts.sub != nil {
			if err := ts.sub.Unsubscribe(); err != nil {
				h.logger.Warn("failed to release bridge subscription", "tenant_id", tenantID, "error", err)
			}
		}
	}
	h.tenants = make(map[uuid.UUID]*tenantState)
	h.tenantCount.Store(0)
	h.metrics.SetDegradedTenants(0)

	for _, set := range h.clients {
		for c := range set {
			c.Close(websocket.CloseGoingAway, "server shutting down")
		}
	}
	h.clients = make(map[uuid.UUID]map[*Client]bool)
	h.clientCount.Store(0)

	h.logger.Info("websocket hub stopped")
}
