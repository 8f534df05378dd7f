package observability

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const otlpEndpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"

const tracerName = "mcp-funnel"

// SetupTracing installs a global OTLP/HTTP trace pipeline when
// OTEL_EXPORTER_OTLP_ENDPOINT is set and is a no-op otherwise; the
// exporter itself reads the endpoint from the environment. The returned
// shutdown flushes pending spans and is never nil.
func SetupTracing(ctx context.Context, serviceName, serviceVersion string, logger *zap.Logger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if logger == nil {
		logger = zap.NewNop()
	}

	endpoint := os.Getenv(otlpEndpointEnv)
	if endpoint == "" {
		logger.Debug("Tracing disabled", zap.String("reason", otlpEndpointEnv+" not set"))
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return noop, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("OpenTelemetry tracing enabled",
		zap.String("endpoint", endpoint),
		zap.String("service_name", serviceName))

	return provider.Shutdown, nil
}

// StartToolSpan opens a span around one tool dispatch. With tracing
// disabled the global no-op provider makes this free.
func StartToolSpan(ctx context.Context, upstream, tool string) (context.Context, oteltrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "tool.call",
		oteltrace.WithAttributes(
			attribute.String("tool.upstream", upstream),
			attribute.String("tool.name", tool),
		),
	)
}

// StartConnectSpan opens a span around one upstream connection attempt.
func StartConnectSpan(ctx context.Context, upstream string) (context.Context, oteltrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "upstream.connect",
		oteltrace.WithAttributes(
			attribute.String("upstream.id", upstream),
		),
	)
}

// EndSpan closes a span, recording err when the operation failed.
func EndSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
