// Package telemetry sets up the optional OpenTelemetry tracer used around
// ingest ticks and dispatch-loop runs. Tracing is
// never required for correctness: a disabled or unreachable collector
// must not block startup or any request.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the optional OTLP trace exporter, matching
// config.TelemetryConfig.
type Config struct {
	Enabled     bool
	Endpoint    string
	Protocol    string // "grpc" (default) or "http"
	Insecure    bool
	ServiceName string
}

// Shutdown flushes and stops the tracer provider. Nil-safe.
type Shutdown func(context.Context) error

// noopShutdown is returned when telemetry is disabled so callers never
// need to nil-check.
func noopShutdown(context.Context) error { return nil }

// Setup installs a global TracerProvider per cfg. When cfg.Enabled is
// false, the global no-op tracer from go.opentelemetry.io/otel is left in
// place and Setup returns a no-op Shutdown.
func Setup(ctx context.Context, cfg Config) (Shutdown, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "sentrywatch"
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return noopShutdown, fmt.Errorf("telemetry: build exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return noopShutdown, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(dialCtx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(dialCtx, opts...)
}

// Tracer returns the named tracer off the global provider, used by
// components that want to emit a span around a unit of work (an ingest
// tick, a dispatch-loop run).
func Tracer(name string) trace.Tracer { return otel.Tracer(name) }
