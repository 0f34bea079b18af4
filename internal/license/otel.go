package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "licensed/internal/errors"
	"licensed/internal/infrastructure"
)

const TracerName = "licensed/license"

// Metrics holds the license service instruments.
type Metrics struct {
	// Validation metrics
	Validations        metric.Int64Counter
	ValidationDuration metric.Float64Histogram

	// Lifecycle metrics
	Activations metric.Int64Counter
	Created     metric.Int64Counter
	Expired     metric.Int64Counter
	Deleted     metric.Int64Counter

	// Side effects
	DownstreamFailures metric.Int64Counter
}

// NewMetrics creates all license metrics on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Validations, err = meter.Int64Counter(
		"license_validations_total",
		metric.WithDescription("Total number of license validation requests by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validations counter: %w", err)
	}

	m.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	m.Activations, err = meter.Int64Counter(
		"license_activations_total",
		metric.WithDescription("Total number of first activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activations counter: %w", err)
	}

	m.Created, err = meter.Int64Counter(
		"license_created_total",
		metric.WithDescription("Total number of issued licenses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create created counter: %w", err)
	}

	m.Expired, err = meter.Int64Counter(
		"license_expired_total",
		metric.WithDescription("Total number of licenses flipped to expired"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expired counter: %w", err)
	}

	m.Deleted, err = meter.Int64Counter(
		"license_deleted_total",
		metric.WithDescription("Total number of deleted licenses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deleted counter: %w", err)
	}

	m.DownstreamFailures, err = meter.Int64Counter(
		"license_downstream_failures_total",
		metric.WithDescription("Total number of failed role grants and notifications"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create downstream failures counter: %w", err)
	}

	return m, nil
}

// traceOperation wraps a service operation in a span and records its outcome.
func (s *Service) traceOperation(ctx context.Context, name, key string, fn func(ctx context.Context) error) error {
	tracer := s.tracer
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}

	attrs := []attribute.KeyValue{
		attribute.String("license.operation", name),
		attribute.String("component", "license_service"),
	}
	if key != "" {
		attrs = append(attrs, attribute.String("license.key_masked", infrastructure.MaskKey(key)))
	}

	ctx, span := tracer.Start(ctx, "license."+name, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(time.Since(start).Milliseconds())),
		attribute.Bool("license.success", err == nil),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("license.error_type", classifyLicenseError(err)))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	if name == "validate" && s.metrics != nil {
		outcome := metric.WithAttributes(attribute.String("outcome", outcomeLabel(err)))
		s.metrics.Validations.Add(ctx, 1, outcome)
		s.metrics.ValidationDuration.Record(ctx, time.Since(start).Seconds(), outcome)
	}

	return err
}

func (s *Service) count(ctx context.Context, c func(*Metrics) metric.Int64Counter, n int64) {
	if s.metrics == nil || n == 0 {
		return
	}
	c(s.metrics).Add(ctx, n)
}

// classifyLicenseError categorizes license errors for span attributes
func classifyLicenseError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, licenseErrors.ErrLicenseNotFound):
		return "license_not_found"
	case errors.Is(err, licenseErrors.ErrNoLicense):
		return "no_license"
	case errors.Is(err, licenseErrors.ErrLicenseExpired):
		return "license_expired"
	case errors.Is(err, licenseErrors.ErrOwnershipConflict):
		return "ownership_conflict"
	case errors.Is(err, licenseErrors.ErrMalformedRequest):
		return "malformed_request"
	case errors.Is(err, licenseErrors.ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, licenseErrors.ErrDuplicateKey):
		return "duplicate_key"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "unknown_error"
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return classifyLicenseError(err)
}
