package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	mw "github.com/lorrc/sync-engine/internal/adapters/primary/http/middleware"
	"github.com/lorrc/sync-engine/internal/core/ports"
)

// RouterDeps holds the handlers and middleware inputs of the HTTP surface.
// Nil rate limiters disable rate limiting.
type RouterDeps struct {
	Sync          *SyncHandler
	Health        *HealthHandler
	Metrics       *MetricsHandler
	WebSocket     *WebSocketHandler
	Authenticator ports.Authenticator

	CORSOrigins    []string
	GeneralLimiter *mw.RateLimiter
	WriteLimiter   *mw.RateLimiter
	Logger         *slog.Logger
}

// NewRouter builds the chi router for the service.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(deps.Logger))
	r.Use(mw.RecoveryLogger(deps.Logger))

	if deps.GeneralLimiter != nil {
		r.Use(deps.GeneralLimiter.Middleware)
	}

	// Health check endpoints (outside /api/v1 for standard probe paths)
	if deps.Health != nil {
		deps.Health.RegisterRoutes(r)
	}
	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.ServeHTTP)
	}

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket route (Authentication is handled on the connection)
		if deps.WebSocket != nil {
			r.Get("/ws", deps.WebSocket.ServeHTTP)
		}

		// Protected REST routes
		r.Group(func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:   deps.CORSOrigins,
				AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
				ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
				AllowCredentials: true,
				MaxAge:           300,
			}))
			r.Use(mw.JWTMiddleware(deps.Authenticator))

			r.Route("/sync", func(r chi.Router) {
				r.Get("/events", deps.Sync.HandleListEvents)
				r.Group(func(r chi.Router) {
					if deps.WriteLimiter != nil {
						r.Use(deps.WriteLimiter.Middleware)
					}
					r.Post("/events", deps.Sync.HandleRecordEvent)
				})
			})
		})
	})

	return r
}
