package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/willhutson/agentvbx/internal/api/middleware"
	"github.com/willhutson/agentvbx/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.NewAPIKeyAuth().Middleware)
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", h.healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Inbound events
		r.Post("/events", h.IngestEvent)

		// Agents
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.RegisterAgent)
			r.Get("/{agentName}", h.GetAgent)
		})

		// Providers & capability gaps
		r.Get("/providers", h.ListProviders)
		r.Get("/gaps", h.ListGaps)

		// Recipes
		r.Route("/recipes", func(r chi.Router) {
			r.Get("/", h.ListRecipes)
			r.Post("/", h.CreateRecipe)
			r.Get("/{recipeName}/gaps", h.PreviewRecipeGaps)
		})

		// Executions
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", h.ListExecutions)
			r.Route("/{executionId}", func(r chi.Router) {
				r.Get("/", h.GetExecution)
				r.Post("/approve", h.ApproveStep)
				r.Post("/cancel", h.CancelExecution)
			})
		})

		// Queue introspection
		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", h.QueueStats)
			r.Get("/dead-letters", h.ListDeadLetters)
		})
	})

	return r
}

func (h *Handlers) healthHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "agentvbx",
		"queue":     h.Queue.Depths(),
		"providers": h.Router.ProviderStatuses(),
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "agentvbx",
		})
	}
}
