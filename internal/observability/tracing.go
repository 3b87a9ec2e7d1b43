package observability

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Tracer returns the tracer all engine spans are started from. It resolves
// through the global provider, so spans are no-ops until InitTracing runs
// with an exporter configured.
func Tracer() oteltrace.Tracer {
	return otel.Tracer("github.com/quillchat/e2ee")
}

// InitTracing initializes OpenTelemetry tracing with a Jaeger exporter.
// Config via env:
//
//	OTEL_EXPORTER_JAEGER_ENDPOINT (e.g. http://localhost:14268/api/traces)
//
// When the endpoint is unset, tracing is a no-op.
func InitTracing(ctx context.Context, serviceName, serviceVersion string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_JAEGER_ENDPOINT")
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, err
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp, trace.WithBatchTimeout(5*time.Second)),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
