package http

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusDegraded  = "degraded"
)

// HealthChecker defines the interface for health check dependencies
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type dependency struct {
	name    string
	checker HealthChecker
	// Readiness fails only when a required dependency is down. Without the
	// bridge, clients still converge through catch-up.
	required bool
}

// HealthHandler serves the liveness, readiness and detailed health probes.
type HealthHandler struct {
	deps      []dependency
	startTime time.Time
	version   string
}

func NewHealthHandler(eventLog, bridge HealthChecker, version string) *HealthHandler {
	return &HealthHandler{
		deps: []dependency{
			{name: "event_log", checker: eventLog, required: true},
			{name: "bridge", checker: bridge},
		},
		startTime: time.Now(),
		version:   version,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Version   string           `json:"version,omitempty"`
	Uptime    string           `json:"uptime,omitempty"`
	Checks    map[string]Check `json:"checks,omitempty"`
}

// Check represents an individual health check result
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

type memoryStats struct {
	Alloc      uint64 `json:"alloc_bytes"`
	TotalAlloc uint64 `json:"total_alloc_bytes"`
	Sys        uint64 `json:"sys_bytes"`
	NumGC      uint32 `json:"num_gc"`
}

type detailedHealthResponse struct {
	HealthResponse
	Memory     memoryStats `json:"memory"`
	Goroutines int         `json:"goroutines"`
}

// HandleLiveness reports that the process is up. It never touches dependencies.
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, HealthResponse{
		Status:    statusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadiness fails when a required dependency is down.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks, requiredDown, _ := h.evaluate(r.Context())

	resp := h.response(statusHealthy, checks)
	code := http.StatusOK
	if requiredDown {
		resp.Status = statusUnhealthy
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, resp)
}

// HandleHealth reports every dependency plus runtime stats. Any failing
// dependency marks the instance degraded.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks, _, anyDown := h.evaluate(r.Context())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := detailedHealthResponse{
		HealthResponse: h.response(statusHealthy, checks),
		Memory: memoryStats{
			Alloc:      mem.Alloc,
			TotalAlloc: mem.TotalAlloc,
			Sys:        mem.Sys,
			NumGC:      mem.NumGC,
		},
		Goroutines: runtime.NumGoroutine(),
	}

	code := http.StatusOK
	if anyDown {
		resp.Status = statusDegraded
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, resp)
}

func (h *HealthHandler) evaluate(ctx context.Context) (checks map[string]Check, requiredDown, anyDown bool) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	checks = make(map[string]Check, len(h.deps))
	for _, d := range h.deps {
		c := ping(ctx, d.checker)
		checks[d.name] = c
		if c.Status != statusHealthy {
			anyDown = true
			requiredDown = requiredDown || d.required
		}
	}
	return checks, requiredDown, anyDown
}

func (h *HealthHandler) response(status string, checks map[string]Check) HealthResponse {
	return HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    checks,
	}
}

func ping(ctx context.Context, checker HealthChecker) Check {
	if checker == nil {
		return Check{Status: statusUnhealthy, Message: "not configured"}
	}

	start := time.Now()
	err := checker.Ping(ctx)
	latency := time.Since(start).String()

	if err != nil {
		return Check{Status: statusUnhealthy, Message: err.Error(), Latency: latency}
	}
	return Check{Status: statusHealthy, Latency: latency}
}

func writeHealth(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Get("/health/live", h.HandleLiveness)
	r.Get("/health/ready", h.HandleReadiness)
}
