package observability

import (
	"context"
	"testing"
)

func TestInitTracingWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_JAEGER_ENDPOINT", "")

	shutdown, err := InitTracing(context.Background(), "test", "0.0.0")
	if err != nil {
		t.Fatalf("InitTracing failed: %v", err)
	}
	if shutdown == nil {
		t.Fatal("no shutdown function returned")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestTracerStartsSpans(t *testing.T) {
	ctx, span := Tracer().Start(context.Background(), "test.operation")
	if ctx == nil || span == nil {
		t.Fatal("tracer did not produce a span")
	}
	span.End()
}
