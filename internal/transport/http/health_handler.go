package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// ServiceName is reported by GET /.
const ServiceName = "license-api"

// ReadinessChecker reports whether the backing store is reachable.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	ready   ReadinessChecker
	version string
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(ready ReadinessChecker, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		ready:   ready,
		version: version,
		started: time.Now(),
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// Root handles GET /
func (h *HealthHandler) Root(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{
		"status":  "online",
		"service": ServiceName,
	})
}

// Liveness handles GET /healthz
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"status":  "ok",
		"version": h.version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}

// Readiness handles GET /readyz
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.ready.Ready(ctx); err != nil {
		h.logger.WarnContext(ctx, "readiness check failed", slog.String("error", err.Error()))
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]string{"status": "unavailable", "storage": "unreachable"})
		return
	}
	render.JSON(w, r, map[string]string{"status": "ready", "storage": "ok"})
}

// NotFound answers unknown paths with {error:"Not found"}
func (h *HealthHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusNotFound)
	render.JSON(w, r, map[string]string{"error": "Not found"})
}

// MethodNotAllowed answers known paths called with the wrong method
func (h *HealthHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusMethodNotAllowed)
	render.JSON(w, r, map[string]string{"error": "Method not allowed"})
}
