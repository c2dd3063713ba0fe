package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wsAdapter "github.com/lorrc/sync-engine/internal/adapters/primary/websocket"
	"github.com/lorrc/sync-engine/internal/adapters/secondary/bridge"
	"github.com/lorrc/sync-engine/internal/adapters/secondary/sqlite"
	"github.com/lorrc/sync-engine/internal/auth"
	"github.com/lorrc/sync-engine/internal/config"
	"github.com/lorrc/sync-engine/internal/core/domain"
	"github.com/lorrc/sync-engine/internal/core/services"
	"github.com/lorrc/sync-engine/internal/infrastructure/metrics"
)

// testServer runs the full HTTP surface against a SQLite log and the
// in-process bridge.
type testServer struct {
	server  *httptest.Server
	tokens  *auth.TokenManager
	metrics *metrics.Metrics
	bridge  *bridge.MemoryBridge
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	eventLog, err := sqlite.Open(filepath.Join(t.TempDir(), "events.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eventLog.Close() })

	memBridge := bridge.NewMemoryBridge()
	require.NoError(t, memBridge.Init(context.Background()))

	catchUpService := services.NewCatchUpService(eventLog, services.CatchUpConfig{}, m, logger)
	tokens := auth.NewTokenManager(testSecret, time.Hour)

	hub := wsAdapter.NewHub(memBridge, tokens, catchUpService, m, logger, wsAdapter.HubConfig{
		CatchUpPageSize: 2,
		RetryInterval:   50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	cfg := services.DefaultSyncServiceConfig()
	cfg.FailureListener = hub
	syncService := services.NewSyncService(
		eventLog,
		services.NewVersionArbiter(eventLog),
		memBridge,
		m,
		logger,
		cfg,
	)
	t.Cleanup(func() { _ = syncService.Shutdown(context.Background()) })

	router := NewRouter(RouterDeps{
		Sync:          NewSyncHandler(syncService, catchUpService, NewErrorHandler(logger), logger),
		Health:        NewHealthHandler(eventLog, memBridge, "test"),
		Metrics:       NewMetricsHandler(m, hub),
		WebSocket:     NewWebSocketHandler(hub, &config.Config{}, logger),
		Authenticator: tokens,
		Logger:        logger,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{server: server, tokens: tokens, metrics: m, bridge: memBridge}
}

func (s *testServer) token(t *testing.T, tenantID uuid.UUID) string {
	t.Helper()
	token, err := s.tokens.GenerateToken(uuid.New(), tenantID)
	require.NoError(t, err)
	return token
}

func (s *testServer) record(t *testing.T, token, entityType string, entityID uuid.UUID, data string) domain.SyncEventSnapshot {
	t.Helper()

	body := `{"operation":"update","entityType":"` + entityType + `","entityId":"` + entityID.String() + `","data":` + data + `}`
	req, err := stdhttp.NewRequest(stdhttp.MethodPost, s.server.URL+"/api/v1/sync/events", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, stdhttp.StatusCreated, resp.StatusCode)

	var snapshot domain.SyncEventSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
	return snapshot
}

func (s *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/v1/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wireFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f wireFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.SyncEventSnapshot {
	t.Helper()

	f := readFrame(t, conn)
	require.Equal(t, wsAdapter.TypeSyncEvent, f.Type, string(f.Payload))
	var p struct {
		Event domain.SyncEventSnapshot `json:"event"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	return p.Event
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(wsAdapter.ClientMessage{Type: msgType, Payload: raw}))
}

func subscribeAll(t *testing.T, conn *websocket.Conn, payload wsAdapter.SubscribePayload) {
	t.Helper()

	send(t, conn, wsAdapter.TypeSubscribe, payload)
	assert.Equal(t, wsAdapter.TypeSubscribed, readFrame(t, conn).Type)
}

func TestWebSocket_TenantIsolation(t *testing.T) {
	s := newTestServer(t)
	tenantA, tenantB := uuid.New(), uuid.New()
	tokenA, tokenB := s.token(t, tenantA), s.token(t, tenantB)

	connA := s.dial(t, "?token="+tokenA)
	assert.Equal(t, wsAdapter.TypeAuthenticated, readFrame(t, connA).Type)
	subscribeAll(t, connA, wsAdapter.SubscribePayload{})

	connB := s.dial(t, "?token="+tokenB)
	assert.Equal(t, wsAdapter.TypeAuthenticated, readFrame(t, connB).Type)
	subscribeAll(t, connB, wsAdapter.SubscribePayload{})

	written := s.record(t, tokenA, "task", uuid.New(), `{"title":"only for A"}`)

	got := readEvent(t, connA)
	assert.Equal(t, written.ID, got.ID)
	assert.Equal(t, tenantA.String(), got.TenantID)

	require.NoError(t, connB.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := connB.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestWebSocket_AuthFrameFlow(t *testing.T) {
	s := newTestServer(t)
	tenantID := uuid.New()

	conn := s.dial(t, "")
	send(t, conn, wsAdapter.TypeAuth, wsAdapter.AuthPayload{Token: s.token(t, tenantID)})

	f := readFrame(t, conn)
	require.Equal(t, wsAdapter.TypeAuthenticated, f.Type)
	var p struct {
		TenantID string `json:"tenantId"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, tenantID.String(), p.TenantID)

	send(t, conn, wsAdapter.TypePing, nil)
	assert.Equal(t, wsAdapter.TypePong, readFrame(t, conn).Type)
}

func TestWebSocket_InvalidTokenClosesWith4401(t *testing.T) {
	s := newTestServer(t)

	conn := s.dial(t, "?token=not-a-jwt")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, wsAdapter.CloseUnauthorized), "got %v", err)
	assert.EqualValues(t, 1, s.metrics.Snapshot().AuthFailures)
}

func TestWebSocket_FrameBeforeAuthClosesWith4401(t *testing.T) {
	s := newTestServer(t)

	conn := s.dial(t, "")
	send(t, conn, wsAdapter.TypeSubscribe, wsAdapter.SubscribePayload{})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, wsAdapter.CloseUnauthorized), "got %v", err)
}

func TestWebSocket_ReconnectCatchUp(t *testing.T) {
	s := newTestServer(t)
	tenantID := uuid.New()
	token := s.token(t, tenantID)
	entityID := uuid.New()

	// First session sees version 1 live
	first := s.dial(t, "?token="+token)
	assert.Equal(t, wsAdapter.TypeAuthenticated, readFrame(t, first).Type)
	subscribeAll(t, first, wsAdapter.SubscribePayload{})

	e1 := s.record(t, token, "task", entityID, `{"v":1}`)
	seen := readEvent(t, first)
	require.Equal(t, e1.ID, seen.ID)
	require.NoError(t, first.Close())

	// Writes while disconnected
	missed := []domain.SyncEventSnapshot{
		s.record(t, token, "task", entityID, `{"v":2}`),
		s.record(t, token, "task", entityID, `{"v":3}`),
		s.record(t, token, "note", uuid.New(), `{"v":1}`),
	}

	// HTTP catch-up from the last seen event returns exactly the missed ones
	req, err := stdhttp.NewRequest(stdhttp.MethodGet,
		s.server.URL+"/api/v1/sync/events?since="+url.QueryEscape(seen.CreatedAt)+"&afterId="+strconv.FormatInt(seen.ID, 10), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := s.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)

	var page SyncEventsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.Len(t, page.Data, len(missed))
	for i, want := range missed {
		assert.Equal(t, want.ID, page.Data[i].ID)
	}
	assert.Equal(t, []int64{2, 3}, []int64{page.Data[0].Version, page.Data[1].Version})

	// Server-side replay across two pages, then live events resume
	second := s.dial(t, "?token="+token)
	assert.Equal(t, wsAdapter.TypeAuthenticated, readFrame(t, second).Type)
	subscribeAll(t, second, wsAdapter.SubscribePayload{
		CatchUp: &domain.WatermarkSnapshot{Since: seen.CreatedAt, AfterID: seen.ID},
	})

	for _, want := range missed {
		assert.Equal(t, want.ID, readEvent(t, second).ID)
	}
	caughtUp := readFrame(t, second)
	require.Equal(t, wsAdapter.TypeCaughtUp, caughtUp.Type)
	var cp struct {
		NextWatermark domain.WatermarkSnapshot `json:"nextWatermark"`
	}
	require.NoError(t, json.Unmarshal(caughtUp.Payload, &cp))
	assert.Equal(t, missed[len(missed)-1].ID, cp.NextWatermark.AfterID)

	live := s.record(t, token, "task", entityID, `{"v":4}`)
	got := readEvent(t, second)
	assert.Equal(t, live.ID, got.ID)
	assert.Equal(t, int64(4), got.Version)
}

func TestWebSocket_EntityTypeFilter(t *testing.T) {
	s := newTestServer(t)
	tenantID := uuid.New()
	token := s.token(t, tenantID)

	conn := s.dial(t, "?token="+token)
	assert.Equal(t, wsAdapter.TypeAuthenticated, readFrame(t, conn).Type)
	subscribeAll(t, conn, wsAdapter.SubscribePayload{EntityTypes: []string{"note"}})

	s.record(t, token, "task", uuid.New(), `{}`)
	note := s.record(t, token, "note", uuid.New(), `{}`)

	assert.Equal(t, note.ID, readEvent(t, conn).ID)
}

func TestWebSocket_PublishFailureDegradesSubscribers(t *testing.T) {
	s := newTestServer(t)
	tenantID := uuid.New()
	token := s.token(t, tenantID)

	conn := s.dial(t, "?token="+token)
	assert.Equal(t, wsAdapter.TypeAuthenticated, readFrame(t, conn).Type)
	subscribeAll(t, conn, wsAdapter.SubscribePayload{})

	// The write still succeeds; only live delivery is lost
	s.bridge.SetFailure(errors.New("redis down"))
	missed := s.record(t, token, "task", uuid.New(), `{"v":1}`)

	assert.Equal(t, wsAdapter.TypeDegraded, readFrame(t, conn).Type)
	assert.EqualValues(t, 1, s.metrics.Snapshot().DegradedTenants)
	require.Eventually(t, func() bool {
		return s.metrics.Snapshot().PublishFailures == 1
	}, time.Second, 10*time.Millisecond)

	s.bridge.SetFailure(nil)
	assert.Equal(t, wsAdapter.TypeRecovered, readFrame(t, conn).Type)
	assert.EqualValues(t, 0, s.metrics.Snapshot().DegradedTenants)

	// A fresh subscription with catch-up picks up the missed event
	send(t, conn, wsAdapter.TypeUnsubscribe, wsAdapter.UnsubscribePayload{})
	assert.Equal(t, wsAdapter.TypeUnsubscribed, readFrame(t, conn).Type)
	subscribeAll(t, conn, wsAdapter.SubscribePayload{CatchUp: &domain.WatermarkSnapshot{}})
	assert.Equal(t, missed.ID, readEvent(t, conn).ID)
	assert.Equal(t, wsAdapter.TypeCaughtUp, readFrame(t, conn).Type)
}
