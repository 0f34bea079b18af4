package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// Common error types following RFC 7807
const (
	TypeValidation   = "/errors/validation"
	TypeNotFound     = "/errors/not-found"
	TypeUnauthorized = "/errors/unauthorized"
	TypeRateLimit    = "/errors/rate-limit"
	TypeInternal     = "/errors/internal"
	TypeServiceDown  = "/errors/service-unavailable"
	TypeTimeout      = "/errors/timeout"
	TypeConflict     = "/errors/conflict"
)

// Domain-specific error types
const (
	TypeLicenseExpired   = "/errors/license/expired"
	TypeLicenseNotFound  = "/errors/license/not-found"
	TypeLicenseConflict  = "/errors/license/ownership-conflict"
	TypeLicenseDuplicate = "/errors/license/duplicate-key"
	TypeStorage          = "/errors/storage/unavailable"
)

// ErrorHandler renders errors as RFC 7807 problems for the admin API.
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError converts any error to RFC 7807 format and responds
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	reqID := middleware.GetReqID(r.Context())

	level := slog.LevelWarn
	if StatusCode(err) >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request failed",
		slog.String("error", err.Error()),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	problem := h.ErrorToProblem(err, r)
	if reqID != "" {
		problem.WithExtension("trace_id", reqID)
	}
	if h.includeStack && problem.Status >= http.StatusInternalServerError {
		problem.WithExtension("stack", string(debug.Stack()))
	}

	render.Render(w, r, problem)
}

// ErrorToProblem converts an error to RFC 7807 Problem Details
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request) *ProblemDetails {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProblemDetails(
			http.StatusGatewayTimeout,
			TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled",
			r.URL.Path,
		)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		problem := NewProblemDetails(apiErr.StatusCode, TypeValidation, http.StatusText(apiErr.StatusCode), apiErr.Message, r.URL.Path)
		problem.WithExtension("error_code", apiErr.ErrorCode)
		if apiErr.Details != nil {
			problem.WithExtension("details", apiErr.Details)
		}
		return problem
	}

	status := StatusCode(err)
	switch {
	case errors.Is(err, ErrLicenseNotFound), errors.Is(err, ErrNoLicense):
		return NewProblemDetails(status, TypeLicenseNotFound, "License Not Found", err.Error(), r.URL.Path)
	case errors.Is(err, ErrLicenseExpired):
		return NewProblemDetails(status, TypeLicenseExpired, "License Expired", err.Error(), r.URL.Path)
	case errors.Is(err, ErrOwnershipConflict):
		return NewProblemDetails(status, TypeLicenseConflict, "Ownership Conflict", err.Error(), r.URL.Path)
	case errors.Is(err, ErrDuplicateKey):
		return NewProblemDetails(status, TypeLicenseDuplicate, "Duplicate License Key", err.Error(), r.URL.Path)
	case errors.Is(err, ErrMalformedRequest):
		return NewProblemDetails(status, TypeValidation, "Bad Request", err.Error(), r.URL.Path)
	case errors.Is(err, ErrStorageUnavailable):
		return NewProblemDetails(status, TypeStorage, "Storage Unavailable", "The license store could not be reached", r.URL.Path)
	}

	return NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred",
		r.URL.Path,
	)
}

// HandlePanic recovers from panics and returns RFC 7807 error
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	reqID := middleware.GetReqID(r.Context())

	h.logger.ErrorContext(r.Context(), "panic recovered",
		slog.Any("panic", recovered),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", string(debug.Stack())),
	)

	problem := NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred",
		r.URL.Path,
	).WithExtension("trace_id", reqID)

	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprintf("%v", recovered))
	}

	render.Render(w, r, problem)
}

// Unauthorized returns a standard 401 problem
func (h *ErrorHandler) Unauthorized(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusUnauthorized,
		TypeUnauthorized,
		"Unauthorized",
		"A valid admin token is required",
		r.URL.Path,
	).WithExtension("trace_id", middleware.GetReqID(r.Context()))

	render.Render(w, r, problem)
}
