// Package tracing installs the process-wide OpenTelemetry TracerProvider
// and offers span helpers. cmd/server calls Init; no pipeline stage starts
// spans through StartSpan, and outbound request ids are fresh UUIDs, not
// trace ids. It intentionally carries no gin-middleware or database coupling: this
// proxy has no request-logging dashboard to feed.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Laisky/codeassist-proxy"

// Init installs a process-wide TracerProvider. Exporting is left to the
// operator (otel.SetTracerProvider can be called again with a configured
// exporter); by default this registers an SDK provider with no exporter
// attached, which still lets spans carry valid, sampled trace/span ids
// usable for correlation even without a collector.
func Init(serviceName string) func(context.Context) error {
	res, _ := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(serviceName),
	))
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// Tracer returns the package tracer.
func Tracer() oteltrace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span for a pipeline stage (e.g. "orchestrator.dispatch").
func StartSpan(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	return Tracer().Start(ctx, name)
}

// TraceID extracts the current trace id from ctx, empty if no span is
// active.
func TraceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
