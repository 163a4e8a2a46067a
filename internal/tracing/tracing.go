// Package tracing настраивает OpenTelemetry и даёт короткие хелперы для спанов.
package tracing

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/vladislavdragonenkov/giftsched"

// Config — параметры трассировки.
type Config struct {
	Enabled     bool
	ServiceName string
	Environment string
	// Exporter по умолчанию пишет завершённые спаны в лог.
	Exporter sdktrace.SpanExporter
	Logger   *log.Entry
}

// Init регистрирует глобальный TracerProvider. При Enabled=false остаётся no-op провайдер.
func Init(cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "gift-service"
	}
	exporter := cfg.Exporter
	if exporter == nil {
		exporter = NewLogExporter(cfg.Logger)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("deployment.environment", cfg.Environment),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Start открывает спан от глобального провайдера.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End закрывает спан и отмечает ошибку.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// LogExporter пишет завершённые спаны в logrus на уровне debug.
type LogExporter struct {
	logger *log.Entry
}

// NewLogExporter создаёт экспортер в лог.
func NewLogExporter(logger *log.Entry) *LogExporter {
	if logger == nil {
		logger = log.New().WithField("component", "tracing")
	}
	return &LogExporter{logger: logger}
}

func (e *LogExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		fields := log.Fields{
			"trace_id":    s.SpanContext().TraceID().String(),
			"span_id":     s.SpanContext().SpanID().String(),
			"duration_ms": s.EndTime().Sub(s.StartTime()).Milliseconds(),
			"status":      s.Status().Code.String(),
		}
		for _, kv := range s.Attributes() {
			fields[string(kv.Key)] = kv.Value.Emit()
		}
		e.logger.WithFields(fields).Debug(s.Name())
	}
	return nil
}

func (e *LogExporter) Shutdown(context.Context) error {
	return nil
}

var _ sdktrace.SpanExporter = (*LogExporter)(nil)
