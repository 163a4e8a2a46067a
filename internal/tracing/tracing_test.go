package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartEndRecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := Start(context.Background(), "schedule", attribute.String("sender_id", "sender-1"))
	End(span, errors.New("declined"))

	_, okSpan := Start(context.Background(), "cancel")
	End(okSpan, nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", spans[0].Status())
	}
	if spans[1].Status().Code == codes.Error {
		t.Fatal("successful span must not be marked as error")
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitEnabledWithExporter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	exporter := keepSpansExporter{tracetest.NewInMemoryExporter()}
	shutdown, err := Init(Config{Enabled: true, ServiceName: "gift-service-test", Exporter: exporter})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, span := Start(context.Background(), "deliver")
	End(span, nil)

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := len(exporter.GetSpans()); got != 1 {
		t.Fatalf("expected 1 exported span, got %d", got)
	}
}

// keepSpansExporter не очищает спаны при Shutdown.
type keepSpansExporter struct {
	*tracetest.InMemoryExporter
}

func (keepSpansExporter) Shutdown(context.Context) error { return nil }

func TestLogExporter(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	_, span := tp.Tracer("test").Start(context.Background(), "reconcile")
	span.End()

	if err := NewLogExporter(nil).ExportSpans(context.Background(), recorder.Ended()); err != nil {
		t.Fatalf("ExportSpans: %v", err)
	}
}
