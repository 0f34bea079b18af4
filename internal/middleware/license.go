package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "licensed/internal/errors"
)

// Validity is satisfied by guard.Guard.
type Validity interface {
	Validated() bool
}

// LicenseGate protects a consumer application's privileged routes. Every
// request asks the guard at the moment of use; nothing is cached here.
type LicenseGate struct {
	guard           Validity
	logger          *slog.Logger
	excludePaths    map[string]bool
	excludePrefixes []string
}

// NewLicenseGate creates a gate backed by guard.
func NewLicenseGate(guard Validity, logger *slog.Logger) *LicenseGate {
	return &LicenseGate{
		guard:        guard,
		logger:       logger.With(slog.String("component", "license_gate")),
		excludePaths: map[string]bool{"/healthz": true, "/state": true},
	}
}

// AddExcludePath lets path through without a license.
func (lg *LicenseGate) AddExcludePath(path string) {
	lg.excludePaths[path] = true
}

// AddExcludePrefix lets every path under prefix through without a license.
func (lg *LicenseGate) AddExcludePrefix(prefix string) {
	lg.excludePrefixes = append(lg.excludePrefixes, prefix)
}

func (lg *LicenseGate) excluded(path string) bool {
	if lg.excludePaths[path] {
		return true
	}
	for _, prefix := range lg.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Handler returns the middleware handler function
func (lg *LicenseGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if lg.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, span := otel.Tracer("licensed/middleware").Start(r.Context(), "license_gate.check",
			trace.WithAttributes(attribute.String("http.path", r.URL.Path)))
		validated := lg.guard.Validated()
		span.SetAttributes(attribute.Bool("license.validated", validated))
		span.End()

		if !validated {
			lg.logger.WarnContext(ctx, "request blocked, license not validated",
				slog.String("path", r.URL.Path),
				slog.String("request_id", GetReqID(ctx)))
			render.Render(w, r, licenseErrors.NewErrorResponseMessage(http.StatusForbidden, "License not validated"))
			return
		}

		next.ServeHTTP(w, r)
	})
}
