package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "licensed/internal/errors"
	"licensed/internal/infrastructure"
	"licensed/internal/license"
	"licensed/internal/middleware"
)

// ValidationService is the part of license.Service used by the public API.
type ValidationService interface {
	Validate(ctx context.Context, key, identity string) (license.Grant, error)
	CheckByIdentity(ctx context.Context, identity string) (license.Grant, error)
}

// LicenseHandler serves the public validation API
type LicenseHandler struct {
	service ValidationService
	limiter *middleware.RateLimiter
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler. A nil limiter disables
// rate limiting on /validate.
func NewLicenseHandler(service ValidationService, limiter *middleware.RateLimiter, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		limiter: limiter,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// ValidateRequest is the body of POST /validate. DiscordID is the field name
// used by older clients.
type ValidateRequest struct {
	Key       string `json:"key"`
	Identity  string `json:"identity,omitempty"`
	DiscordID string `json:"discordId,omitempty"`
}

func (v *ValidateRequest) identity() string {
	if id := strings.TrimSpace(v.Identity); id != "" {
		return id
	}
	return strings.TrimSpace(v.DiscordID)
}

// LicenseResponse is the success envelope of the public API.
type LicenseResponse struct {
	Success    bool           `json:"success"`
	HasLicense *bool          `json:"hasLicense,omitempty"`
	License    *license.Grant `json:"license,omitempty"`
}

// Routes registers the public routes on r.
func (h *LicenseHandler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Handler)
		}
		r.Post("/validate", h.Validate)
	})
	r.Get("/check", h.Check)
}

// Validate handles POST /validate
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licensed/http").Start(r.Context(), "license_handler.validate",
		trace.WithAttributes(attribute.String("request_id", middleware.GetReqID(r.Context()))))
	defer span.End()

	var req ValidateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.logger.DebugContext(ctx, "invalid validate body", slog.String("error", err.Error()))
		render.Render(w, r, licenseErrors.NewErrorResponseMessage(http.StatusBadRequest, licenseErrors.MsgInvalidRequest))
		return
	}

	key := license.NormalizeKey(req.Key)
	identity := req.identity()
	if key == "" || identity == "" {
		render.Render(w, r, licenseErrors.NewErrorResponseMessage(http.StatusBadRequest, licenseErrors.MsgMissingFields))
		return
	}
	span.SetAttributes(attribute.String("license.key", infrastructure.MaskKey(key)))

	grant, err := h.service.Validate(ctx, key, identity)
	if err != nil {
		h.fail(ctx, span, w, r, err)
		return
	}

	render.JSON(w, r, LicenseResponse{Success: true, License: &grant})
}

// Check handles GET /check
func (h *LicenseHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licensed/http").Start(r.Context(), "license_handler.check",
		trace.WithAttributes(attribute.String("request_id", middleware.GetReqID(r.Context()))))
	defer span.End()

	q := r.URL.Query()
	identity := strings.TrimSpace(q.Get("identity"))
	if identity == "" {
		identity = strings.TrimSpace(q.Get("discordId"))
	}
	if identity == "" {
		render.Render(w, r, licenseErrors.NewErrorResponseMessage(http.StatusBadRequest, licenseErrors.MsgMissingIdentity))
		return
	}

	grant, err := h.service.CheckByIdentity(ctx, identity)
	switch {
	case err == nil:
		has := true
		render.JSON(w, r, LicenseResponse{Success: true, HasLicense: &has, License: &grant})
	case errors.Is(err, licenseErrors.ErrNoLicense):
		has := false
		render.JSON(w, r, LicenseResponse{Success: true, HasLicense: &has})
	default:
		h.fail(ctx, span, w, r, err)
	}
}

func (h *LicenseHandler) fail(ctx context.Context, span trace.Span, w http.ResponseWriter, r *http.Request, err error) {
	resp := licenseErrors.NewErrorResponse(err)

	level := slog.LevelInfo
	if resp.HTTPStatus >= http.StatusInternalServerError {
		level = slog.LevelError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	h.logger.Log(ctx, level, "license request rejected",
		slog.String("path", r.URL.Path),
		slog.Int("status", resp.HTTPStatus),
		slog.String("error", err.Error()),
		slog.String("request_id", middleware.GetReqID(ctx)))

	render.Render(w, r, resp)
}
