package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/nicole-mentor/nicole/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Auth handlers
	Register http.HandlerFunc
	Login    http.HandlerFunc
	Refresh  http.HandlerFunc
	Logout   http.HandlerFunc

	// Chat handlers
	SendMessage         http.HandlerFunc
	CreateSession       http.HandlerFunc
	ListSessions        http.HandlerFunc
	GetSession          http.HandlerFunc
	UpdateSession       http.HandlerFunc
	DeleteSession       http.HandlerFunc
	SessionHistory      http.HandlerFunc
	AttachTag           http.HandlerFunc
	DetachTag           http.HandlerFunc
	ListTags            http.HandlerFunc
	CreateTag           http.HandlerFunc
	DeleteTag           http.HandlerFunc
	OwnershipMiddleware func(http.Handler) http.Handler

	// Usage and governance handlers
	UsageStats           http.HandlerFunc
	UsageCheck           http.HandlerFunc
	ListUsageEvents      http.HandlerFunc
	ExportUsage          http.HandlerFunc
	ListAuditLogs        http.HandlerFunc
	ListSessionAuditLogs http.HandlerFunc

	// Auth middleware
	AuthMiddleware func(http.Handler) http.Handler
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	AuthRateLimiter    func(http.Handler) http.Handler

	// Readiness checks by dependency name. A nil check is reported as
	// "not configured".
	ReadinessChecks map[string]HealthCheck
}

func NewRouter(cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness only, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{"status": "healthy"}
		status := http.StatusOK

		for name, check := range cfg.ReadinessChecks {
			if check == nil {
				health[name] = "not configured"
				continue
			}
			if err := check(r.Context()); err != nil {
				health[name] = "unhealthy"
				health["status"] = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			health[name] = "healthy"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Auth routes (public), optionally rate-limited per IP
		r.Route("/auth", func(r chi.Router) {
			if cfg.AuthRateLimiter != nil {
				r.Use(cfg.AuthRateLimiter)
			}
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.Post("/refresh", h.Refresh)

			// Protected auth routes
			r.Group(func(r chi.Router) {
				r.Use(h.AuthMiddleware)
				r.Post("/logout", h.Logout)
			})
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Post("/chat", h.SendMessage)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", h.CreateSession)
				r.Get("/", h.ListSessions)

				r.Route("/{sessionID}", func(r chi.Router) {
					r.Use(h.OwnershipMiddleware)
					r.Get("/", h.GetSession)
					r.Put("/", h.UpdateSession)
					r.Delete("/", h.DeleteSession)
					r.Get("/messages", h.SessionHistory)
					r.Post("/tags/{tagID}", h.AttachTag)
					r.Delete("/tags/{tagID}", h.DetachTag)
					r.Get("/audit", h.ListSessionAuditLogs)
				})
			})

			r.Route("/tags", func(r chi.Router) {
				r.Get("/", h.ListTags)
				r.Post("/", h.CreateTag)
				r.Delete("/{tagID}", h.DeleteTag)
			})

			r.Route("/usage", func(r chi.Router) {
				r.Get("/stats", h.UsageStats)
				r.Get("/check", h.UsageCheck)
				r.Get("/events", h.ListUsageEvents)
				r.Get("/export", h.ExportUsage)
			})

			r.Route("/governance", func(r chi.Router) {
				r.Get("/audit", h.ListAuditLogs)
			})
		})
	})

	return r
}
