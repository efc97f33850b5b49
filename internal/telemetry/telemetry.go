package telemetry

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	endpointEnv   = "OTEL_EXPORTER_OTLP_ENDPOINT"
	sampleRateEnv = "OTEL_TRACE_SAMPLE_RATE"

	// Segment scheduling produces a span per API call and per direct
	// download; tracing everything would dwarf the payload traffic.
	defaultSampleRate = 0.1

	exporterTimeout = 3 * time.Second
	setupTimeout    = 5 * time.Second
)

// Shutdown flushes buffered spans and stops the trace provider.
type Shutdown func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Init installs the global trace provider. Tracing is opt-in: without
// OTEL_EXPORTER_OTLP_ENDPOINT the loader runs untraced and Init returns a
// no-op shutdown. A collector that is down at startup is treated the same
// way rather than failing the service.
func Init(ctx context.Context, serviceName string) (Shutdown, error) {
	endpoint := strings.TrimSpace(os.Getenv(endpointEnv))
	if endpoint == "" {
		return noopShutdown, nil
	}

	setupCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	exporter, err := newExporter(setupCtx, endpoint)
	if err != nil {
		return noopShutdown, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate()))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Shutdown, nil
}

func newExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithTimeout(exporterTimeout),
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{Enabled: false}),
	)
}

// sampleRate reads OTEL_TRACE_SAMPLE_RATE, clamped to [0,1] by falling back
// to the default on anything out of range.
func sampleRate() float64 {
	raw := strings.TrimSpace(os.Getenv(sampleRateEnv))
	if raw == "" {
		return defaultSampleRate
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil || rate < 0 || rate > 1 {
		return defaultSampleRate
	}
	return rate
}
