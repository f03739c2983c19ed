package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
}

// Shutdown flushes pending spans. Safe on a nil receiver.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.tracerProvider == nil {
		return nil
	}
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracer shutdown: %w", err)
	}
	return nil
}

// ForceFlush exports buffered spans. Safe on a nil receiver.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil || t.tracerProvider == nil {
		return nil
	}
	if err := t.tracerProvider.ForceFlush(ctx); err != nil {
		return fmt.Errorf("tracer flush: %w", err)
	}
	return nil
}

// FlushAfter wraps a Lambda handler so spans are exported before the
// invocation returns. Flush failures are logged, never returned.
func FlushAfter[Req, Resp any](t *Telemetry, fn func(context.Context, Req) (Resp, error)) func(context.Context, Req) (Resp, error) {
	if t == nil {
		return fn
	}
	return func(ctx context.Context, req Req) (Resp, error) {
		resp, err := fn(ctx, req)
		if ferr := t.ForceFlush(context.WithoutCancel(ctx)); ferr != nil {
			slog.WarnContext(ctx, "telemetry flush failed", "error", ferr)
		}
		return resp, err
	}
}

// Setup installs a global tracer provider exporting over OTLP/HTTP. It returns
// nil when endpoint is empty, leaving the no-op provider in place.
func Setup(ctx context.Context, endpoint, serviceName string) (*Telemetry, error) {
	if endpoint == "" {
		return nil, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		// Schemaless: the SDK default already carries a schema URL.
		resource.NewSchemaless(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(strings.TrimSuffix(endpoint, "/")+"/v1/traces"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Telemetry{tracerProvider: tp}, nil
}
