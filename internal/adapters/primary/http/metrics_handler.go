package http

import (
	"net/http"

	"github.com/lorrc/sync-engine/internal/infrastructure/metrics"
)

// ConnectionStats reports live gateway counts.
type ConnectionStats interface {
	ClientCount() int
	TenantCount() int
}

// MetricsHandler serves the in-memory counters as JSON.
type MetricsHandler struct {
	metrics *metrics.Metrics
	hub     ConnectionStats
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(m *metrics.Metrics, hub ConnectionStats) *MetricsHandler {
	return &MetricsHandler{metrics: m, hub: hub}
}

type metricsResponse struct {
	metrics.Snapshot
	RegisteredClients int `json:"registered_clients"`
	SubscribedTenants int `json:"subscribed_tenants"`
}

// ServeHTTP handles GET /metrics
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := metricsResponse{Snapshot: h.metrics.Snapshot()}
	if h.hub != nil {
		resp.RegisteredClients = h.hub.ClientCount()
		resp.SubscribedTenants = h.hub.TenantCount()
	}
	WriteJSON(w, http.StatusOK, resp)
}
