// Package telemetry wires OpenTelemetry metrics for the relay. Init installs
// a global meter provider exporting over OTLP/HTTP; Metrics bundles the
// counters the runtime components record. A nil *Metrics is a no-op so
// callers never have to branch on whether telemetry is enabled.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls the metrics pipeline.
type Config struct {
	// Enabled gates the whole pipeline; when false Init is a no-op.
	Enabled bool
	// Endpoint is the OTLP/HTTP collector host:port.
	Endpoint string
	// ServiceName labels the exported resource.
	ServiceName string
	// Interval is the export interval; zero means 15s.
	Interval time.Duration
	// Insecure disables TLS toward the collector.
	Insecure bool
}

// Init installs the global meter provider and returns its shutdown func.
// When cfg.Enabled is false it returns a no-op shutdown and no error.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create OTLP exporter: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)

	return provider.Shutdown, nil
}

// Metrics bundles the relay's runtime counters. All record methods tolerate a
// nil receiver.
type Metrics struct {
	eventsEmitted     metric.Int64Counter
	eventsDelivered   metric.Int64Counter
	eventsDropped     metric.Int64Counter
	deliveryRetries   metric.Int64Counter
	duplicatesBlocked metric.Int64Counter
	activeConnections metric.Int64UpDownCounter
	activeRuns        metric.Int64UpDownCounter
}

// NewMetrics registers the relay instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("github.com/agentrelay/agentrelay")

	m := &Metrics{}
	var err error

	if m.eventsEmitted, err = meter.Int64Counter("relay.events.emitted",
		metric.WithDescription("Lifecycle events handed to the emitter")); err != nil {
		return nil, err
	}
	if m.eventsDelivered, err = meter.Int64Counter("relay.events.delivered",
		metric.WithDescription("Lifecycle events delivered to at least one connection")); err != nil {
		return nil, err
	}
	if m.eventsDropped, err = meter.Int64Counter("relay.events.dropped",
		metric.WithDescription("Lifecycle events dropped after exhausting delivery retries")); err != nil {
		return nil, err
	}
	if m.deliveryRetries, err = meter.Int64Counter("relay.events.retries",
		metric.WithDescription("Delivery attempts beyond the first")); err != nil {
		return nil, err
	}
	if m.duplicatesBlocked, err = meter.Int64Counter("relay.events.duplicates_blocked",
		metric.WithDescription("Events suppressed by the per-run dedup window")); err != nil {
		return nil, err
	}
	if m.activeConnections, err = meter.Int64UpDownCounter("relay.connections.active",
		metric.WithDescription("Registered WebSocket connections")); err != nil {
		return nil, err
	}
	if m.activeRuns, err = meter.Int64UpDownCounter("relay.runs.active",
		metric.WithDescription("Agent runs between creation and termination")); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) EventEmitted(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
}

func (m *Metrics) EventDelivered(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsDelivered.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
}

func (m *Metrics) EventDropped(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
}

func (m *Metrics) DeliveryRetried(ctx context.Context) {
	if m == nil {
		return
	}
	m.deliveryRetries.Add(ctx, 1)
}

func (m *Metrics) DuplicateBlocked(ctx context.Context) {
	if m == nil {
		return
	}
	m.duplicatesBlocked.Add(ctx, 1)
}

func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeConnections.Add(ctx, 1)
}

func (m *Metrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeConnections.Add(ctx, -1)
}

func (m *Metrics) RunStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeRuns.Add(ctx, 1)
}

func (m *Metrics) RunFinished(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeRuns.Add(ctx, -1)
}
