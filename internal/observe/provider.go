// Package observe wires the OpenTelemetry SDK behind the spans the flow
// package records.
package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the tracer provider
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string

	// TraceExporter receives finished spans. When nil, spans are recorded
	// and sampled but never leave the process.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider registers an SDK tracer provider as the global provider and
// returns a shutdown function that flushes the exporter. Call it from main
// after the orchestrator has stopped.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "vad-orchestrator"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if cfg.TraceExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		defer otel.SetTracerProvider(previous)
		return tp.Shutdown(ctx)
	}, nil
}
