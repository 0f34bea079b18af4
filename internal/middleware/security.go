package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	licenseErrors "licensed/internal/errors"
)

type ctxKey string

const adminKey ctxKey = "admin"

// AdminAuth requires "Authorization: Bearer <token>" on the admin API. An
// empty token disables the admin API entirely.
func AdminAuth(token string, logger *slog.Logger, errorHandler *licenseErrors.ErrorHandler) func(next http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "admin_auth"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			scheme, presented, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if token == "" || !ok || !strings.EqualFold(scheme, "bearer") ||
				subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(token)) != 1 {
				logger.WarnContext(ctx, "admin authentication failed",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", GetRealIP(r),
				"authorized", IsAdmin(r.Context()),
				)
				errorHandler.Unauthorized(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, adminKey, true)))
		})
	}
}

// IsAdmin reports whether the request passed AdminAuth.
func IsAdmin(ctx context.Context) bool {
	ok, _ := ctx.Value(adminKey).(bool)
	return ok
}

// AuditLog records every admin request and its outcome.
func AuditLog(logger *slog.Logger) func(next http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "audit"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.InfoContext(r.Context(), "admin request",
				"event_type", "admin_access",
				"method", r.Method,
				"path", r.URL.Path,
				"query", r.URL.Query().Encode(),
				"remote_addr", GetRealIP(r),
				"status", ww.Status(),
				"duration", time.Since(start).String(),
			)
		})
	}
}
