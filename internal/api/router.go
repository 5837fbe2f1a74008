package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/zaptalk/zaptalk/backend/internal/api/handlers"
	"github.com/zaptalk/zaptalk/backend/internal/api/middleware"
	"github.com/zaptalk/zaptalk/backend/internal/config"
	"github.com/zaptalk/zaptalk/backend/internal/store"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, s store.Store) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler(s))
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/ai", func(r chi.Router) {
			// Per-scope AI configuration
			r.Route("/configs", func(r chi.Router) {
				r.Get("/", h.ListAIConfigs)
				r.Put("/", h.UpsertAIConfig)
				r.Get("/{scopeKey}", h.GetAIConfig)
				r.Delete("/{scopeKey}", h.DeleteAIConfig)
			})

			// Audit trail
			r.Route("/runs", func(r chi.Router) {
				r.Get("/", h.ListAIRuns)
				r.Get("/{runId}", h.GetAIRun)
			})

			// Generation
			r.Post("/reply/stream", h.StreamReply)
			r.Post("/suggest", h.SuggestReply)

			// Registered tools
			r.Get("/tools", h.ListTools)
		})

		// Inbound message events from the channel broker
		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/messages", h.InboundMessage)
		})
	})

	return r
}

func healthHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if err := s.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "zaptalk-backend",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "zaptalk-backend",
		})
	}
}
