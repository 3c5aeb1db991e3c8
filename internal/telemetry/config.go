package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Config contains OpenTelemetry configuration
type Config struct {
	// Enable tracing
	Enabled bool

	// Service name reported on every span
	ServiceName string

	// OTLP gRPC endpoint (e.g., localhost:4317)
	Endpoint string

	// Insecure disables TLS towards the collector
	Insecure bool

	// Fraction of root spans that are sampled
	SamplingRatio float64

	// Exporter connection timeout
	Timeout time.Duration

	// Additional resource attributes
	Attributes map[string]string
}

// DefaultConfig returns default telemetry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		ServiceName:   "redis-profiler",
		Endpoint:      "localhost:4317",
		Insecure:      true,
		SamplingRatio: 0.1,
		Timeout:       5 * time.Second,
		Attributes:    map[string]string{},
	}
}

// Setup initializes OpenTelemetry. The returned function flushes and stops
// the tracer provider.
func Setup(ctx context.Context, config Config) (shutdown func(context.Context) error, err error) {
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	logger := log.With().Str("component", "telemetry").Logger()
	logger.Info().Str("endpoint", config.Endpoint).Msg("Setting up OpenTelemetry tracing")

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithTimeout(config.Timeout),
	}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(config.ServiceName),
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(attrs...),
		resource.WithProcessPID(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRatio))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		logger.Info().Msg("Shutting down OpenTelemetry tracing")
		return traceProvider.Shutdown(ctx)
	}, nil
}

// Tracer returns a named tracer from the global provider
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
