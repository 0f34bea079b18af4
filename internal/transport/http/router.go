package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	licenseErrors "licensed/internal/errors"
	"licensed/internal/middleware"
)

// RouterConfig collects everything NewRouter mounts.
type RouterConfig struct {
	Logger         *slog.Logger
	ErrorHandler   *licenseErrors.ErrorHandler
	OTel           *middleware.OTelMiddleware
	CORS           middleware.CORSConfig
	RequestTimeout time.Duration
	AdminToken     string

	License *LicenseHandler
	Admin   *AdminHandler
	Health  *HealthHandler
	Metrics http.Handler
}

// NewRouter builds the server's chi router.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if cfg.OTel != nil {
		r.Use(cfg.OTel.Handler)
	}
	r.Use(middleware.StructuredLogger(cfg.Logger))
	r.Use(middleware.Recoverer(cfg.ErrorHandler))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.NotFound(cfg.Health.NotFound)
	r.MethodNotAllowed(cfg.Health.MethodNotAllowed)

	r.Get("/", cfg.Health.Root)
	r.Get("/healthz", cfg.Health.Liveness)
	r.Get("/readyz", cfg.Health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		if cfg.RequestTimeout > 0 {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
		}
		cfg.License.Routes(r)
	})

	if cfg.Admin != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminAuth(cfg.AdminToken, cfg.Logger, cfg.ErrorHandler))
			r.Use(middleware.AuditLog(cfg.Logger))
			r.Mount("/", cfg.Admin.Routes())
		})
	}

	return r
}
