package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/shsh-eval/internal/store"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Stats is a snapshot of the service's in-memory state.
type Stats struct {
	Sessions         int `json:"sessions"`
	TrackedResponses int `json:"tracked_responses"`
	Subscribers      int `json:"subscribers"`
	InFlight         int `json:"in_flight"`
}

// HealthHandler handles health check and stats endpoints.
type HealthHandler struct {
	repo   store.Repository
	engine Check
	stats  func() Stats
}

// NewHealthHandler creates a new health handler. engine may be nil.
func NewHealthHandler(repo store.Repository, engine Check, stats func() Stats) *HealthHandler {
	return &HealthHandler{repo: repo, engine: engine, stats: stats}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "dependency", "database", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.engine != nil {
		if err := h.engine(ctx); err != nil {
			slog.Error("Health check failed", "dependency", "engine", "error", err)
			status["status"] = "degraded"
			checks["engine"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["engine"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// GetStats returns counters of live sessions and tracked responses.
func (h *HealthHandler) GetStats(w http.ResponseWriter, _ *http.Request) {
	if h.stats == nil {
		JSON(w, http.StatusOK, Stats{})
		return
	}
	JSON(w, http.StatusOK, h.stats())
}

// RegisterHealth registers the health check and stats routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/api/stats", h.GetStats)
}
