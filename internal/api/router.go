// Package api assembles the HTTP surface of the service.
package api

import (
	"net/http"

	"github.com/dvloznov/finance-dedup/internal/api/handlers"
	"github.com/dvloznov/finance-dedup/internal/api/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Handlers groups the endpoint handlers served by the router.
type Handlers struct {
	Duplicates *handlers.DuplicatesHandler
	Updates    *handlers.UpdatesHandler
	Admin      *handlers.AdminHandler
	Health     *handlers.HealthHandler
}

// RouterConfig holds the HTTP-level settings of the router.
type RouterConfig struct {
	AllowedOrigins []string
	AdminToken     string
}

// NewRouter wires the routes and the middleware chain.
func NewRouter(h Handlers, cfg RouterConfig, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health.Health)

	// Push subscriptions. /analyze is kept for subscriptions created before /duplicates.
	r.Post("/duplicates", h.Duplicates.Check)
	r.Post("/analyze", h.Duplicates.Check)
	r.Post("/updates", h.Updates.Detect)

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.AdminToken))
		r.Delete("/entries", h.Admin.ForgetEntry)
		r.Post("/loads", h.Admin.EnqueueLoad)
		r.Get("/loads", h.Admin.ListLoads)
		r.Get("/loads/{id}", h.Admin.GetLoad)
	})

	return r
}
