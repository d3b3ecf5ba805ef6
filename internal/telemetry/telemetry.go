// Package telemetry bootstraps OpenTelemetry tracing for the
// idempotencyd demo server. It is deliberately small: a resource, a
// TracerProvider, and a Shutdown -- the exporter is supplied by the
// caller so tests can run without a collector.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Bundle holds the process-wide tracing state idempotencyd needs to
// shut down cleanly.
type Bundle struct {
	tracerProvider *sdktrace.TracerProvider
}

// Setup installs a global TracerProvider named serviceName, exporting
// spans via exporter. Passing a nil exporter still produces a working
// TracerProvider that simply drops spans -- useful for tests and for
// running without a collector configured.
func Setup(ctx context.Context, serviceName string, exporter sdktrace.SpanExporter) (*Bundle, error) {
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return &Bundle{tracerProvider: tp}, nil
}

// Tracer returns a tracer scoped to name, e.g. the middleware package.
func (b *Bundle) Tracer(name string) trace.Tracer {
	return b.tracerProvider.Tracer(name)
}

// Shutdown flushes and stops the TracerProvider.
func (b *Bundle) Shutdown(ctx context.Context) error {
	if b == nil || b.tracerProvider == nil {
		return nil
	}
	if err := b.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutdown: %w", err)
	}
	return nil
}
