package telemetry

import (
	"context"
	"errors"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/attribute"
)

// Telemetry bundles logging, tracing, metrics and the event stream.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment, resourceAttributes(cfg.ResourceAttributes)...)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

func resourceAttributes(m map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		attrs = append(attrs, attribute.String(k, m[k]))
	}
	return attrs
}

// WithContext adds the telemetry instance to the context. A build run with
// that context and no Build.Telemetry uses it.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, telemetryContextKey{}, t)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or
// nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// StartMetricsServer serves metrics until ctx ends when metrics are enabled.
func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	return t.Metrics.StartMetricsServer(ctx, t.Logger.NewComponentLogger("metrics"))
}

// Shutdown flushes events and spans. Events lost to a full buffer are
// reported once here.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	err := t.Events.Shutdown(ctx)
	if n := t.Events.Dropped(); n > 0 && t.Logger != nil {
		t.Logger.NewComponentLogger("events").Zerolog().Warn().
			Int64("dropped", n).
			Msg("event buffer overflowed, raise telemetry.events.buffer_size")
	}
	return errors.Join(err, t.Tracer.Shutdown(ctx))
}
