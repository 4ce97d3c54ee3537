package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/dvloznov/finance-dedup/internal/api/middleware"
	"github.com/rs/zerolog"
)

// Pinger checks a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles GET /health.
type HealthHandler struct {
	store Pinger
	log   zerolog.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(store Pinger, log zerolog.Logger) *HealthHandler {
	return &HealthHandler{store: store, log: log}
}

// Health reports whether the candidate store answers.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.log.Error().Err(err).Msg("Health check failed")
		middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
