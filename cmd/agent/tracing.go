package main

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/muaviaUsmani/backupagent/internal/logger"
)

// setupTracing installs the global tracer provider. With logSpans set,
// finished spans are written to log at debug level.
func setupTracing(log logger.Logger, logSpans bool) *sdktrace.TracerProvider {
	var opts []sdktrace.TracerProviderOption
	if logSpans {
		opts = append(opts, sdktrace.WithBatcher(&logExporter{log: log}))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp
}

// logExporter is a span exporter backed by the agent logger
type logExporter struct {
	log logger.Logger
}

func (e *logExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		fields := []interface{}{
			"span", s.Name(),
			"trace_id", s.SpanContext().TraceID().String(),
			"span_id", s.SpanContext().SpanID().String(),
			"duration_ms", s.EndTime().Sub(s.StartTime()).Milliseconds(),
			"status", s.Status().Code.String(),
		}
		for _, attr := range s.Attributes() {
			fields = append(fields, string(attr.Key), attr.Value.Emit())
		}
		e.log.DebugContext(ctx, "Span finished", fields...)
	}
	return nil
}

func (e *logExporter) Shutdown(ctx context.Context) error {
	return nil
}
