// Package dltracing wires OpenTelemetry spans around Backend operations
// (spec §4.1), exported via stdouttrace so a span pipeline is useful
// without standing up a collector — the SDK has no server-side
// observability infrastructure of its own to ship.
package dltracing

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Config configures NewManager.
type Config struct {
	Enabled     bool
	ServiceName string
	SampleRate  float64
}

// DefaultConfig returns tracing disabled by default — a library shouldn't
// emit spans unless a host application opts in.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "dreamlake-client",
		SampleRate:  1.0,
	}
}

// Manager owns the tracer provider backing every span Backend operations
// open.
type Manager struct {
	config   Config
	logger   *logrus.Logger
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewManager builds a Manager. When cfg.Enabled is false, every span it
// opens is a no-op, so callers can unconditionally wrap Backend calls
// without a nil check.
func NewManager(cfg Config, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if !cfg.Enabled {
		return &Manager{config: cfg, logger: logger, tracer: otel.Tracer("noop")}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(cfg.SampleRate)),
	)
	otel.SetTracerProvider(provider)

	m := &Manager{
		config:   cfg,
		logger:   logger,
		provider: provider,
		tracer:   otel.Tracer(cfg.ServiceName),
	}
	logger.WithFields(logrus.Fields{
		"service_name": cfg.ServiceName,
		"sample_rate":  cfg.SampleRate,
	}).Info("dreamlake tracing initialized")
	return m, nil
}

// StartBackendSpan opens a span named "dreamlake.backend.<operation>",
// tagging it with the session and track it's acting on when known. The
// returned func must be called with the operation's error (nil on
// success) to close the span and record its status.
func (m *Manager) StartBackendSpan(ctx context.Context, operation, sessionID, trackName string) (context.Context, func(error)) {
	attrs := []attribute.KeyValue{attribute.String("dreamlake.operation", operation)}
	if sessionID != "" {
		attrs = append(attrs, attribute.String("dreamlake.session_id", sessionID))
	}
	if trackName != "" {
		attrs = append(attrs, attribute.String("dreamlake.track", trackName))
	}

	ctx, span := m.tracer.Start(ctx, "dreamlake.backend."+operation, oteltrace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// Shutdown flushes any pending spans. Safe to call on a disabled Manager.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
