// Package telemetry wires OpenTelemetry tracing around each upstream
// dispatch. Telemetry is disabled by default and must be explicitly
// enabled.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName identifies this gateway's spans in a trace backend.
const TracerName = "claudish-gateway"

// Settings configures whether and how tracing runs.
type Settings struct {
	Enabled  bool
	Endpoint string // OTLP/HTTP collector endpoint, e.g. "localhost:4318"
}

// Init sets up the global tracer provider when enabled, returning a
// shutdown func that flushes pending spans. When disabled, GetTracer
// always returns a no-op tracer and Init's shutdown is a no-op.
func Init(ctx context.Context, s Settings) (shutdown func(context.Context) error, err error) {
	if !s.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(s.Endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", TracerName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// GetTracer returns the gateway's tracer, or a no-op tracer if s is nil
// or disabled, so callers never need a nil check.
func GetTracer(s *Settings) trace.Tracer {
	if s == nil || !s.Enabled {
		return noop.NewTracerProvider().Tracer(TracerName)
	}
	return otel.Tracer(TracerName)
}

// RecordDispatch starts a span for one upstream dispatch and returns a
// finish func that records the error (if any) and ends the span.
func RecordDispatch(ctx context.Context, tracer trace.Tracer, provider, model string) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("gateway.provider", provider),
			attribute.String("gateway.model", model),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
