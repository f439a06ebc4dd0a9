package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogExporter writes each finished span as one structured log record.
// Failed spans are logged at warn level.
type LogExporter struct {
	logger *slog.Logger
}

// NewLogExporter creates a span exporter backed by logger
func NewLogExporter(logger *slog.Logger) *LogExporter {
	return &LogExporter{logger: logger}
}

// ExportSpans logs spans in the order they finished
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		attrs := []slog.Attr{
			slog.String("span", span.Name()),
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
			slog.Duration("duration", span.EndTime().Sub(span.StartTime())),
			slog.String("status", span.Status().Code.String()),
		}
		if parent := span.Parent(); parent.IsValid() {
			attrs = append(attrs, slog.String("parent_id", parent.SpanID().String()))
		}
		for _, kv := range span.Attributes() {
			attrs = append(attrs, slog.String(string(kv.Key), kv.Value.Emit()))
		}

		level := slog.LevelDebug
		if span.Status().Code == codes.Error {
			level = slog.LevelWarn
			attrs = append(attrs, slog.String("error", span.Status().Description))
		}
		e.logger.LogAttrs(ctx, level, "Span finished", attrs...)
	}
	return nil
}

// Shutdown is a no-op; records are written synchronously
func (e *LogExporter) Shutdown(context.Context) error {
	return nil
}
