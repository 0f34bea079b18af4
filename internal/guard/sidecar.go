package guard

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"licensed/internal/middleware"
)

// NewSidecar exposes g over HTTP for consumer processes on the same host.
// GET /authorized answers 204 only while g is validated; /state, /healthz and
// POST /revalidate are always reachable.
func NewSidecar(g *Guard, logger *slog.Logger) http.Handler {
	gate := middleware.NewLicenseGate(g, logger)
	gate.AddExcludePath("/revalidate")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredLogger(logger))
	r.Use(gate.Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})

	r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, snapshot(g))
	})

	r.Post("/revalidate", func(w http.ResponseWriter, r *http.Request) {
		if err := g.Revalidate(r.Context()); err != nil {
			render.Status(r, http.StatusForbidden)
		}
		render.JSON(w, r, snapshot(g))
	})

	r.Get("/authorized", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

// snapshot reports Validated as the window-aware answer rather than the raw flag.
func snapshot(g *Guard) State {
	s := g.State()
	s.Validated = g.Validated()
	return s
}
