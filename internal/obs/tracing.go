// Package obs is the ambient observability stack shared by cmd/gateway and
// cmd/worker: distributed tracing, Prometheus metrics, and structured
// logging. It is adapted from the teacher's internal/tracing/tracing.go —
// same provider/resource/shutdown shape, re-pointed at this module's own
// span names instead of upload/download.
package obs

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"go.uber.org/zap"
)

const serviceVersion = "1.0.0"

var tracerProvider *tracesdk.TracerProvider

// InitTracing initializes OpenTelemetry tracing with a Jaeger exporter for
// the named service ("gateway" or "worker_<port>").
func InitTracing(serviceName, jaegerEndpoint string, log *zap.Logger) error {
	if jaegerEndpoint == "" {
		jaegerEndpoint = "http://localhost:14268/api/traces"
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)))
	if err != nil {
		return fmt.Errorf("obs: create jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("obs: build resource: %w", err)
	}

	tracerProvider = tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
	)
	otel.SetTracerProvider(tracerProvider)

	log.Info("tracing initialized", zap.String("jaeger_endpoint", jaegerEndpoint), zap.String("service", serviceName))
	return nil
}

// ShutdownTracing flushes and stops the tracer provider, if initialized.
func ShutdownTracing(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}
	return tracerProvider.Shutdown(ctx)
}

// Tracer returns a tracer scoped to component.
func Tracer(component string) trace.Tracer {
	return otel.Tracer("distributed-inference-engine/" + component)
}

// StartSpan starts a span with the given attributes attached up front.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError records err on the span active in ctx, if any.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
	}
}
