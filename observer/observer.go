// Package observer provides OTEL-based tracing for testbed agents.
//
// It exports spans for message handling and workflow execution via the OTLP
// HTTP exporter. Users export to any OTEL-compatible backend by setting
// standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
package observer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/eic-swf/testbed/observer"

// Init sets up the OTEL trace provider with an OTLP HTTP exporter.
// Configuration comes from standard OTEL env vars. Returns a shutdown
// function that must be called on application exit to flush pending spans.
func Init(ctx context.Context) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("swf-testbed")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
