package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: JAEGER INTEGRATION FOR DISTRIBUTED TRACING

Architecture:
  Collaboration server → OpenTelemetry SDK → Jaeger Exporter → Jaeger Collector → Jaeger UI

Several collaboration servers share one Redis, so every process tags its
spans with its node ID (service.instance.id). A cursor relayed between
nodes can then be followed from one process to the other in the Jaeger UI.

An empty endpoint disables export; spans are still created, against the
global no-op provider.
*/

// InitJaeger initializes Jaeger tracing exporter
// Returns a cleanup function that should be called on shutdown
func InitJaeger(serviceName, nodeID, jaegerEndpoint string, sampleRatio float64) (func(context.Context) error, error) {
	if jaegerEndpoint == "" {
		log.Println("  Jaeger endpoint not set, tracing export disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	// Learning: Resource identifies your service in Jaeger UI.
	// Not merged with resource.Default(): the SDK's default resource carries
	// an older semconv schema URL and Merge rejects the mismatch.
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion("1.0.0"),
		attribute.String("service.instance.id", nodeID),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp), // Batch spans for efficiency
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(sampleRatio)),
	)

	// Learning: This makes the tracer available throughout your app
	otel.SetTracerProvider(tp)

	log.Printf("✓ Jaeger tracing initialized: %s (node %s, sampling %.2f)", jaegerEndpoint, nodeID, sampleRatio)

	// Learning: Always flush traces on shutdown!
	return tp.Shutdown, nil
}

// sampler follows the parent's decision and samples root spans at ratio.
// A ratio of 1 or more samples everything.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
