package flow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/skypro1111/vad-orchestrator/internal/flow"

// startSpan starts a span for one step of a flow using the global provider
func startSpan(ctx context.Context, name, flowID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithAttributes(attribute.String("flow.id", flowID)),
	)
}

// endSpan records err on span, if any, and ends it
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
