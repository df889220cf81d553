// Package telemetry bootstraps OpenTelemetry tracing. With no endpoint
// configured the global tracer stays a no-op and Setup is free.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/Maximooch/penguin/internal/config"
)

const serviceName = "penguin"

// Tracer returns the process tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(serviceName)
}

// Setup installs the global tracer provider per the diagnostics config and
// returns a shutdown function. Disabled or endpoint-less configs yield a
// no-op shutdown.
func Setup(ctx context.Context, diag config.DiagnosticsSection, version string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !diag.Enabled || diag.OTLPEndpoint == "" {
		return noop, nil
	}

	var client otlptrace.Client
	switch diag.OTLPProtocol {
	case "", "grpc":
		client = otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(diag.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
	case "http":
		client = otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(diag.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
	default:
		return noop, fmt.Errorf("unknown otlp protocol %q", diag.OTLPProtocol)
	}

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return noop, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return provider.Shutdown(ctx)
	}, nil
}
