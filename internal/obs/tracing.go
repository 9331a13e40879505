// Package obs wires up the OpenTelemetry tracing surface: spans around
// proxy RPC calls (router sends are not traced). Tracing is strictly additive: with it disabled the
// global no-op TracerProvider is used and every span call below is a
// zero-cost no-op, matching the core's own invariant of not depending on
// this package for correctness.
package obs

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/qmigo/qmigo"

// Init installs a TracerProvider exporting spans to stdout when enabled
// is true: a simple, always-available exporter appropriate for a
// context process with no external collector configured. Returns a shutdown func to flush and
// detach the provider; when disabled it installs nothing and the
// returned shutdown is a no-op.
func Init(ctx context.Context, contextName string, enabled bool) (func(context.Context) error, error) {
	if !enabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("obs: create stdout trace exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("qmigo"),
			attribute.String("qmigo.context", contextName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: build resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns qmigo's named tracer off the currently installed
// global TracerProvider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}
