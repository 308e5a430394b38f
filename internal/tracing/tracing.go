// Package tracing wraps OpenTelemetry span creation for the memory engine's
// internal operations: store reads/writes, index search and insert,
// promotion cycles, and backup/restore. There is no HTTP surface in this
// engine, so the teacher's request-tracing helpers are replaced by a single
// StartOperation entry point carrying component/operation attributes.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer oteltrace.Tracer

// Config holds tracing configuration.
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

const defaultServiceName = "memengine"

// Initialize sets up minimal OTLP tracing.
func Initialize(cfg Config, logger *zap.Logger) error {
	// Always initialize a tracer handle, even if the provider is disabled,
	// so Start* helpers never panic when tracing is off.
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	tracer = otel.Tracer(cfg.ServiceName)

	if !cfg.Enabled {
		logger.Info("tracing disabled")
		return nil
	}

	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "localhost:4317"
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(cfg.ServiceName)

	logger.Info("tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
	return nil
}

// StartSpan creates a new span with the given name.
func StartSpan(ctx context.Context, spanName string) (context.Context, oteltrace.Span) {
	if tracer == nil {
		tracer = otel.Tracer(defaultServiceName)
	}
	return tracer.Start(ctx, spanName)
}

// StartOperation creates a span for one internal engine operation, named
// "<component>.<op>" (e.g. "store.put", "hnsw.search", "promotion.cycle")
// and tagged with component/operation attributes so spans can be filtered
// by subsystem regardless of the caller's own span name.
func StartOperation(ctx context.Context, component, op string) (context.Context, oteltrace.Span) {
	ctx, span := StartSpan(ctx, component+"."+op)
	span.SetAttributes(
		attribute.String("memengine.component", component),
		attribute.String("memengine.operation", op),
	)
	return ctx, span
}
