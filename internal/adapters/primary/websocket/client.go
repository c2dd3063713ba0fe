package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lorrc/sync-engine/internal/core/domain"
	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
	"github.com/lorrc/sync-engine/internal/core/ports"
	"github.com/lorrc/sync-engine/internal/infrastructure/logging"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
)

// Client is a middleman between the websocket connection and the hub.
// Only WritePump writes to the connection.
type Client struct {
	ID  uuid.UUID
	Hub *Hub

	// The websocket connection. Nil for clients driven directly by the hub in tests.
	Conn *websocket.Conn

	// Buffered channel of pre-encoded outbound frames.
	Send chan []byte

	principal domain.Principal
	state     stateMachine
	limiter   *rate.Limiter
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu protects the subscription filter, the dedupe window and replay state
	mu         sync.Mutex
	allTypes   bool
	types      map[string]struct{}
	dedupe     *dedupeWindow
	replaying  bool
	pending    []*domain.SyncEvent
	maxPending int

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string
	writerDone  chan struct{}
}

// NewClient creates a client in the Connecting state.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	id := uuid.New()
	ctx, cancel := context.WithCancel(logging.WithConnectionID(context.Background(), id.String()))
	cfg := hub.cfg

	return &Client{
		ID:         id,
		Hub:        hub,
		Conn:       conn,
		Send:       make(chan []byte, cfg.SendBuffer),
		limiter:    rate.NewLimiter(rate.Limit(cfg.MessageRPS), cfg.MessageBurst),
		logger:     hub.logger.With("connection_id", id.String()),
		ctx:        ctx,
		cancel:     cancel,
		types:      make(map[string]struct{}),
		dedupe:     newDedupeWindow(cfg.DedupeWindow),
		maxPending: cfg.DedupeWindow,
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() ConnState {
	return c.state.Current()
}

// Principal returns the authenticated caller. It is the zero value before
// the handshake completes.
func (c *Client) Principal() domain.Principal {
	return c.principal
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close marks the client disconnected and records the close frame WritePump
// sends. Only the first call has an effect.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		if _, err := c.state.Transition(StateDisconnected); err != nil {
			c.logger.Debug("close transition rejected", "error", err)
		}
		c.closeCode = code
		c.closeReason = reason
		c.cancel()
		close(c.done)
	})
}

// enqueue hands a frame to the write pump without blocking. It reports
// false when the buffer is full.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

// write hands a frame to the write pump, waiting for room in the buffer.
// Only the read pump calls it.
func (c *Client) write(msg []byte) bool {
	select {
	case c.Send <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) sendError(code, message string) {
	c.write(encodeError(code, message))
}

// matches reports whether the filter selects the entity type. Caller holds mu.
func (c *Client) matches(entityType string) bool {
	if c.allTypes {
		return true
	}
	_, ok := c.types[entityType]
	return ok
}

// offer is called by the hub for every live event of the client's tenant.
// It returns apperrors.ErrSlowConsumer when the client cannot keep up.
func (c *Client) offer(event *domain.SyncEvent) (bool, error) {
	if event.TenantID != c.principal.TenantID {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.matches(event.EntityType) {
		return false, nil
	}

	if c.replaying {
		if len(c.pending) >= c.maxPending {
			return false, apperrors.ErrSlowConsumer
		}
		c.pending = append(c.pending, event)
		return false, nil
	}

	return c.pushLocked(event)
}

// pushLocked de-duplicates and enqueues an event. Caller holds mu.
func (c *Client) pushLocked(event *domain.SyncEvent) (bool, error) {
	if c.dedupe.Seen(event.ID) {
		c.Hub.metrics.RecordDuplicateDropped()
		return false, nil
	}
	if !c.enqueue(encodeEvent(event)) {
		return false, apperrors.ErrSlowConsumer
	}
	c.Hub.metrics.RecordPush()
	return true, nil
}

// ReadPump pumps messages from the websocket connection to the hub.
// token is the credential from the upgrade request, if any.
// This method runs in its own goroutine.
func (c *Client) ReadPump(token string) {
	c.Hub.metrics.ConnectionOpened()
	defer func() {
		if c.State() == StateConnecting {
			c.Close(CloseUnauthorized, "authentication required")
		} else {
			c.Close(websocket.CloseNormalClosure, "")
		}
		c.Hub.unregister(c)

		// Give the write pump a chance to send the close frame
		select {
		case <-c.writerDone:
		case <-time.After(writeWait):
		}
		_ = c.Conn.Close()
		c.Hub.metrics.ConnectionClosed()
	}()

	c.Conn.SetReadLimit(c.Hub.cfg.MaxMessageSize)
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.Hub.cfg.AuthTimeout)); err != nil {
		c.logger.Error("failed to set read deadline", "error", err)
		return
	}

	if token != "" {
		if err := c.authenticate(token); err != nil {
			c.stop(err)
			return
		}
	}

	c.Conn.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		c.extendDeadline()

		if !c.limiter.Allow() {
			c.sendError("RATE_LIMITED", "Too many messages")
			continue
		}

		if err := c.handleIncomingMessage(message); err != nil {
			c.stop(err)
			return
		}
	}
}

// extendDeadline resets the heartbeat. Before authentication the handshake
// deadline stays in force.
func (c *Client) extendDeadline() {
	if c.Conn == nil || c.State() == StateConnecting {
		return
	}
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.Hub.cfg.PongWait)); err != nil {
		c.logger.Debug("failed to extend read deadline", "error", err)
	}
}

func (c *Client) stop(err error) {
	var ce *closeError
	if errors.As(err, &ce) {
		c.Close(ce.code, ce.reason)
		return
	}
	c.Close(websocket.CloseInternalServerErr, "internal error")
}

// WritePump pumps messages from the hub to the websocket connection.
// This method runs in its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
		_ = c.Conn.Close()
	}()

	for {
		select {
		case msg := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline", "error", err)
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("failed to write message", "error", err)
				return
			}

		case <-c.done:
			c.drain()
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			frame := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			if err := c.Conn.WriteMessage(websocket.CloseMessage, frame); err != nil {
				c.logger.Debug("failed to send close message", "error", err)
			}
			return

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline for ping", "error", err)
				return
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

// drain flushes frames queued before a graceful close. A slow consumer is
// closed without flushing.
func (c *Client) drain() {
	if c.closeCode == CloseSlowConsumer {
		return
	}
	for {
		select {
		case msg := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// --- Incoming Message Handling ---

// handleIncomingMessage processes messages received from the client. A
// returned error closes the connection.
func (c *Client) handleIncomingMessage(message []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		if c.State() == StateConnecting {
			return &closeError{code: CloseUnauthorized, reason: "authentication required"}
		}
		c.sendError("BAD_MESSAGE", "Message must be a JSON object with a type")
		return nil
	}

	if c.State() == StateConnecting && msg.Type != TypeAuth {
		return &closeError{code: CloseUnauthorized, reason: "authentication required"}
	}

	switch msg.Type {
	case TypeAuth:
		return c.handleAuth(msg.Payload)

	case TypeSubscribe:
		c.handleSubscribe(msg.Payload)

	case TypeUnsubscribe:
		c.handleUnsubscribe(msg.Payload)

	case TypePing:
		c.write(encode(TypePong, nil))

	default:
		c.logger.Debug("received unknown message type", "type", msg.Type)
		c.sendError("UNKNOWN_TYPE", "Unknown message type")
	}
	return nil
}

func (c *Client) handleAuth(payload json.RawMessage) error {
	if c.State() != StateConnecting {
		c.sendError("ALREADY_AUTHENTICATED", "Connection is already authenticated")
		return nil
	}

	var p AuthPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Token == "" {
		c.Hub.metrics.RecordAuthFailure()
		return &closeError{code: CloseUnauthorized, reason: "token required"}
	}
	return c.authenticate(p.Token)
}

func (c *Client) authenticate(token string) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.Hub.cfg.AuthTimeout)
	defer cancel()

	principal, err := c.Hub.auth.Authenticate(ctx, token)
	if err != nil {
		c.Hub.metrics.RecordAuthFailure()
		c.logger.Info("websocket authentication failed", "error", err)
		return &closeError{code: CloseUnauthorized, reason: "invalid token"}
	}

	if _, err := c.state.Transition(StateAuthenticated); err != nil {
		return &closeError{code: CloseUnauthorized, reason: "connection closed"}
	}
	c.principal = principal
	c.extendDeadline()

	if !c.Hub.register(c) {
		return &closeError{code: websocket.CloseGoingAway, reason: "server shutting down"}
	}

	c.write(encode(TypeAuthenticated, authenticatedPayload{
		ConnectionID: c.ID.String(),
		TenantID:     principal.TenantID.String(),
		UserID:       principal.UserID.String(),
	}))
	c.logger.Debug("websocket client authenticated",
		"tenant_id", principal.TenantID.String(),
		"user_id", principal.UserID.String(),
	)
	return nil
}

func (c *Client) handleSubscribe(payload json.RawMessage) {
	var p SubscribePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			c.sendError("BAD_MESSAGE", "Invalid subscribe payload")
			return
		}
	}

	var from domain.Watermark
	if p.CatchUp != nil {
		w, err := parseWatermark(*p.CatchUp)
		if err != nil {
			c.sendError("VALIDATION_ERROR", err.Error())
			return
		}
		from = w
	}

	if _, err := c.state.Transition(StateSubscribed); err != nil {
		code, message := errorCode(err)
		c.sendError(code, message)
		return
	}

	c.mu.Lock()
	if len(p.EntityTypes) == 0 {
		c.allTypes = true
	}
	for _, t := range p.EntityTypes {
		c.types[t] = struct{}{}
	}
	switch {
	case p.LastEventID != nil:
		c.dedupe.Advance(*p.LastEventID)
	case p.CatchUp != nil:
		c.dedupe.Advance(from.ID)
	}
	replay := p.CatchUp != nil && !c.replaying
	if replay {
		c.replaying = true
	}
	c.mu.Unlock()

	// The hub acknowledges so SUBSCRIBED precedes any pushed event
	if !c.Hub.subscribe(c) {
		return
	}

	if replay {
		c.replay(from)
	}
}

// replay streams the log from the watermark, then releases live events
// that arrived meanwhile. The bridge subscription is already active, so
// every event is either in the log pages or in pending.
func (c *Client) replay(from domain.Watermark) {
	since := from
	for {
		page, err := c.Hub.catchUp.CatchUp(c.ctx, ports.CatchUpParams{
			TenantID: c.principal.TenantID,
			Since:    &since,
			Limit:    c.Hub.cfg.CatchUpPageSize,
		})
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("websocket catch-up failed", "error", err)
			c.abortReplay(err)
			return
		}

		for _, event := range page.Events {
			if !c.pushReplayed(event) {
				return
			}
		}
		c.extendDeadline()
		since = page.NextWatermark
		if !page.HasMore {
			break
		}
	}

	if err := c.finishReplay(); err != nil {
		c.Hub.evict(c)
		return
	}
	c.write(encode(TypeCaughtUp, caughtUpPayload{NextWatermark: domain.NewWatermarkSnapshot(since)}))
}

// pushReplayed sends a historical event, waiting for buffer space. It
// returns false once the client is closed.
func (c *Client) pushReplayed(event *domain.SyncEvent) bool {
	c.mu.Lock()
	deliver := c.matches(event.EntityType) && !c.dedupe.Seen(event.ID)
	c.mu.Unlock()

	if !deliver {
		return true
	}
	if !c.write(encodeEvent(event)) {
		return false
	}
	c.Hub.metrics.RecordPush()
	return true
}

func (c *Client) finishReplay() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := c.pending
	c.pending = nil
	c.replaying = false

	for _, event := range pending {
		if !c.matches(event.EntityType) {
			continue
		}
		if _, err := c.pushLocked(event); err != nil {
			return err
		}
	}
	return nil
}

// abortReplay drops a subscription whose replay could not complete. Held
// live events are discarded and the connection goes back to Authenticated,
// so the client either re-bootstraps or retries SUBSCRIBE with its
// watermark. CAUGHT_UP is never sent for a gapped stream.
func (c *Client) abortReplay(cause error) {
	c.mu.Lock()
	c.pending = nil
	c.replaying = false
	c.allTypes = false
	clear(c.types)
	c.mu.Unlock()

	if _, err := c.state.Transition(StateAuthenticated); err != nil {
		return
	}
	c.Hub.unsubscribe(c)

	code, message := errorCode(cause)
	c.sendError(code, message)
}

func (c *Client) handleUnsubscribe(payload json.RawMessage) {
	var p UnsubscribePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			c.sendError("BAD_MESSAGE", "Invalid unsubscribe payload")
			return
		}
	}

	if c.State() != StateSubscribed {
		c.sendError("INVALID_STATE", "Connection is not subscribed")
		return
	}

	c.mu.Lock()
	if len(p.EntityTypes) == 0 {
		c.allTypes = false
		clear(c.types)
	} else if c.allTypes {
		c.mu.Unlock()
		c.sendError("INVALID_FILTER", "Cannot remove types from an all-types subscription")
		return
	}
	for _, t := range p.EntityTypes {
		delete(c.types, t)
	}
	remaining := c.filterLocked()
	c.mu.Unlock()

	if len(remaining) > 0 {
		c.write(encode(TypeSubscribed, subscribedPayload{EntityTypes: remaining}))
		return
	}

	if _, err := c.state.Transition(StateAuthenticated); err != nil {
		return
	}
	if c.Hub.unsubscribe(c) {
		c.write(encode(TypeUnsubscribed, nil))
	}
}

// filterLocked returns the subscribed types in a stable order. An
// all-types subscription returns an empty slice. Caller holds mu.
func (c *Client) filterLocked() []string {
	types := make([]string, 0, len(c.types))
	for t := range c.types {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

func (c *Client) subscribedFilter() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filterLocked()
}

// parseWatermark reads a client watermark. An empty one replays from the
// start of the retained window.
func parseWatermark(w domain.WatermarkSnapshot) (domain.Watermark, error) {
	errs := apperrors.NewValidationErrors()
	if w.AfterID < 0 {
		errs.Add("afterId", "Must not be negative")
	}
	if w.Since == "" {
		if w.AfterID > 0 {
			errs.Add("since", "This field is required with afterId")
		}
		if errs.HasErrors() {
			return domain.Watermark{}, errs
		}
		return domain.Watermark{}, nil
	}

	since, err := time.Parse(time.RFC3339Nano, w.Since)
	if err != nil {
		errs.Add("since", "Must be an RFC3339 timestamp")
	}
	if errs.HasErrors() {
		return domain.Watermark{}, errs
	}
	return domain.Watermark{CreatedAt: since, ID: w.AfterID}, nil
}
