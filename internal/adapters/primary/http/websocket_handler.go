package http

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	wsAdapter "github.com/lorrc/sync-engine/internal/adapters/primary/websocket"
	"github.com/lorrc/sync-engine/internal/config"
)

// WebSocketHandler upgrades /api/v1/ws requests and hands the socket to the hub.
type WebSocketHandler struct {
	hub      *wsAdapter.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger

	origins   []string
	anyOrigin bool
}

func NewWebSocketHandler(hub *wsAdapter.Hub, cfg *config.Config, logger *slog.Logger) *WebSocketHandler {
	h := &WebSocketHandler{
		hub:       hub,
		logger:    logger.With("handler", "websocket"),
		origins:   cfg.WebSocket.AllowedOrigins,
		anyOrigin: cfg.IsDevelopment(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if h.anyOrigin || originAllowed(origin, h.origins) {
		return true
	}

	h.logger.Warn("websocket origin rejected",
		"origin", origin,
		"remote_addr", r.RemoteAddr,
	)
	return false
}

// originAllowed matches the Origin header host against the allow list.
// Entries may be exact hosts or "*.example.com", which also admits the apex.
// Requests without an Origin come from non-browser clients and pass.
func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Host)

	for _, entry := range allowed {
		entry = strings.ToLower(entry)
		if apex, ok := strings.CutPrefix(entry, "*."); ok {
			if host == apex || strings.HasSuffix(host, "."+apex) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the connection. Authentication happens afterwards, from
// the token query parameter or the first AUTH frame, so failures surface as
// close code 4401 rather than an HTTP status.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	token := r.URL.Query().Get("token")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Warn("websocket upgrade failed",
			"request_id", requestID,
			"remote_addr", r.RemoteAddr,
			"error", err,
		)
		return
	}

	client := wsAdapter.NewClient(h.hub, conn)
	h.logger.Debug("websocket connected",
		"request_id", requestID,
		"connection_id", client.ID,
		"token_in_query", token != "",
	)

	go client.WritePump()
	go client.ReadPump(token)
}
