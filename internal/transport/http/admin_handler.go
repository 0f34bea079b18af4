package http

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	licenseErrors "licensed/internal/errors"
	"licensed/internal/license"
	"licensed/internal/middleware"
)

// AdminService is the part of license.Service used by the admin API.
type AdminService interface {
	CreateLicense(ctx context.Context, durationLabel, issuer, identityHint string) (license.License, error)
	List(ctx context.Context, limit int) ([]license.License, error)
	ListActive(ctx context.Context) ([]license.ActiveLicense, error)
	Info(ctx context.Context, key string) (license.License, error)
	Delete(ctx context.Context, key string) error
	Stats(ctx context.Context) (license.Stats, error)
	Sweep(ctx context.Context) (int, error)
}

// Exporter renders licenses as a spreadsheet.
type Exporter interface {
	Write(w io.Writer, licenses []license.License, now time.Time) error
}

// AdminConfig wires the admin handler.
type AdminConfig struct {
	Service      AdminService
	Exporter     Exporter
	Events       http.Handler
	ErrorHandler *licenseErrors.ErrorHandler
	Validator    *middleware.Validator
	Logger       *slog.Logger
	Clock        func() time.Time
}

// AdminHandler serves the admin API
type AdminHandler struct {
	service   AdminService
	exporter  Exporter
	events    http.Handler
	errors    *licenseErrors.ErrorHandler
	validator *middleware.Validator
	query     *middleware.QueryParamValidator
	logger    *slog.Logger
	now       func() time.Time
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	logger := cfg.Logger.With(slog.String("handler", "admin"))
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	v := cfg.Validator
	if v == nil {
		v = middleware.NewValidator()
	}

	return &AdminHandler{
		service:   cfg.Service,
		exporter:  cfg.Exporter,
		events:    cfg.Events,
		errors:    cfg.ErrorHandler,
		validator: v,
		query:     middleware.NewQueryParamValidator(logger, cfg.ErrorHandler),
		logger:    logger,
		now:       now,
	}
}

// CreateLicenseRequest is the body of POST /admin/licenses
type CreateLicenseRequest struct {
	Duration string `json:"duration" validate:"required,license_duration"`
	Issuer   string `json:"issuer" validate:"required,max=128"`
	Identity string `json:"identity,omitempty" validate:"omitempty,max=128"`
}

// Bind implements render.Binder
func (c *CreateLicenseRequest) Bind(r *http.Request) error {
	return nil
}

// ActiveLicenseResponse adds the remaining time to a license
type ActiveLicenseResponse struct {
	License       license.License `json:"license"`
	RemainingMs   int64           `json:"remainingMs"`
	RemainingDays int             `json:"remainingDays"`
}

// Routes returns the admin router. Authentication is applied by the caller.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/licenses", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/active", h.Active)
		r.Get("/{key}", h.Info)
		r.Delete("/{key}", h.Delete)
	})
	r.Get("/stats", h.Stats)
	r.Post("/sweep", h.Sweep)
	r.Get("/export.xlsx", h.Export)
	if h.events != nil {
		r.Get("/events", h.events.ServeHTTP)
	}

	return r
}

// Create handles POST /admin/licenses
func (h *AdminHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateLicenseRequest
	if err := render.Bind(r, &req); err != nil {
		h.errors.HandleError(w, r, licenseErrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	l, err := h.service.CreateLicense(r.Context(), req.Duration, req.Issuer, req.Identity)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/admin/licenses/"+l.Key)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, l)
}

// List handles GET /admin/licenses
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.query.ValidateInt(w, r, "limit", 0, 10000, 0)
	if !ok {
		return
	}

	licenses, err := h.service.List(r.Context(), limit)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	if licenses == nil {
		licenses = []license.License{}
	}
	render.JSON(w, r, licenses)
}

// Active handles GET /admin/licenses/active
func (h *AdminHandler) Active(w http.ResponseWriter, r *http.Request) {
	active, err := h.service.ListActive(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	out := make([]ActiveLicenseResponse, 0, len(active))
	for _, a := range active {
		out = append(out, ActiveLicenseResponse{
			License:       a.License,
			RemainingMs:   a.Remaining.Milliseconds(),
			RemainingDays: a.RemainingDays(),
		})
	}
	render.JSON(w, r, out)
}

// Info handles GET /admin/licenses/{key}
func (h *AdminHandler) Info(w http.ResponseWriter, r *http.Request) {
	l, err := h.service.Info(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, l)
}

// Delete handles DELETE /admin/licenses/{key}
func (h *AdminHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /admin/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Stats(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, st)
}

// SweepResponse is the body returned by POST /admin/sweep
type SweepResponse struct {
	Expired int `json:"expired"`
}

// Sweep handles POST /admin/sweep
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.Sweep(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, SweepResponse{Expired: n})
}

// Export handles GET /admin/export.xlsx
func (h *AdminHandler) Export(w http.ResponseWriter, r *http.Request) {
	licenses, err := h.service.List(r.Context(), 0)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	now := h.now()
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="licenses-%s.xlsx"`, now.UTC().Format("20060102-150405")))

	if err := h.exporter.Write(w, licenses, now); err != nil {
		// Headers may already be out; nothing useful can be sent
		h.logger.ErrorContext(r.Context(), "license export failed",
			slog.String("error", err.Error()),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	}
}
