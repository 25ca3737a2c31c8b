package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/memkern/memkern/internal/auth"
	"github.com/memkern/memkern/internal/cache"
	"github.com/memkern/memkern/internal/event"
	"github.com/memkern/memkern/internal/memory"
	"github.com/memkern/memkern/internal/policy"
	"github.com/memkern/memkern/internal/ratelimit"
	"github.com/memkern/memkern/internal/session"
	"github.com/memkern/memkern/internal/store"
	"github.com/memkern/memkern/internal/usage"
	"github.com/memkern/memkern/internal/webhook"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	Store    *store.Store
	Cache    *cache.Cache
	Resolver *auth.Resolver
	Tokens   auth.TokenConfig
	Sessions *session.Service
	Policies *policy.Engine
	Memories *memory.Service
	Limiter  *ratelimit.Limiter
	Bus      *event.Bus
	Meter    *usage.Meter
	Pipeline *webhook.Pipeline

	KeyPrefix       string
	DefaultTenantID uuid.UUID
	CORSOrigins     []string

	validate *validator.Validate
}

// Routes builds the full router.
func (s *Server) Routes() http.Handler {
	s.validate = validator.New()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Registration and refresh carry no bearer credential; they are
		// still rate limited by IP.
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimitMiddleware)
			r.Post("/identity", s.UpsertIdentity)
			r.Post("/sessions/refresh", s.RefreshSession)
			r.Post("/invitations/accept/{token}", s.AcceptInvitation)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Use(s.rateLimitMiddleware)

			r.Get("/identity/me", s.Me)
			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Get("/identity/{id}", s.GetIdentity)
				r.Put("/identity/{id}", s.UpdateIdentity)
				r.Delete("/identity/{id}", s.DeactivateIdentity)
			})

			r.Get("/sessions", s.ListSessions)
			r.Delete("/sessions", s.RevokeAllSessions)
			r.Delete("/sessions/{id}", s.RevokeSession)

			r.Post("/api-keys", s.CreateApiKey)
			r.Get("/api-keys", s.ListApiKeys)
			r.Post("/api-keys/test", s.TestApiKey)
			r.Get("/api-keys/{id}", s.GetApiKey)
			r.Put("/api-keys/{id}", s.UpdateApiKey)
			r.Delete("/api-keys/{id}", s.RevokeApiKey)

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Post("/invitations", s.CreateInvitation)
				r.Get("/invitations", s.ListInvitations)
				r.Delete("/invitations/{id}", s.DeleteInvitation)
			})

			r.Post("/memory", s.CreateMemory)
			r.Get("/memory", s.ListMemories)
			r.Post("/memory/search", s.SearchMemories)
			r.Get("/memory/{id}", s.GetMemory)
			r.Put("/memory/{id}", s.UpdateMemory)
			r.Delete("/memory/{id}", s.DeleteMemory)

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Post("/policy", s.CreatePolicy)
				r.Get("/policy", s.ListPolicies)
				r.Post("/policy/test", s.TestPolicy)
				r.Post("/policy/bulk-delete", s.BulkDeletePolicies)
				r.Get("/policy/{id}", s.GetPolicy)
				r.Put("/policy/{id}", s.UpdatePolicy)
				r.Delete("/policy/{id}", s.DeletePolicy)

				r.Post("/webhooks", s.CreateWebhook)
				r.Get("/webhooks", s.ListWebhooks)
				r.Get("/webhooks/{id}", s.GetWebhook)
				r.Put("/webhooks/{id}", s.UpdateWebhook)
				r.Delete("/webhooks/{id}", s.DeleteWebhook)
				r.Get("/webhooks/{id}/deliveries", s.ListDeliveries)
				r.Post("/webhooks/{id}/deliveries/{d}/retry", s.RetryDelivery)

				r.Get("/usage/events", s.ListUsageEvents)
				r.Get("/usage/daily", s.ListUsageDaily)
				r.Get("/usage/summary", s.UsageSummary)
				r.Post("/usage/aggregate", s.AggregateUsage)
			})
		})
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

// Healthz reports process, store, and cache health.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := map[string]string{"status": "ok", "store": "ok", "cache": "ok"}
	code := http.StatusOK

	if err := s.Store.Ping(ctx); err != nil {
		status["store"] = "down"
		status["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	if s.Cache == nil {
		status["cache"] = "disabled"
	} else if err := s.Cache.Ping(ctx); err != nil {
		status["cache"] = "down"
		status["status"] = "degraded"
	}
	writeJSON(w, code, status)
}
