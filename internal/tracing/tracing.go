package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"

	"github.com/austindbirch/harbor_mail/internal/config"
)

// TracerName is the instrumentation scope of every harbormail span
const TracerName = "github.com/austindbirch/harbor_mail"

// ServiceNamespace groups the publisher, worker and monitor in trace backends
const ServiceNamespace = "harbormail"

// Init installs the global tracer provider and W3C propagator for
// serviceName. The returned func flushes buffered spans.
func Init(ctx context.Context, serviceName string, cfg config.Tracing) (func(context.Context) error, error) {
	res, err := newResource(ctx, serviceName, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(exporterEndpoint(cfg.Endpoint))}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newResource(ctx context.Context, serviceName string, cfg config.Tracing) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceNamespaceKey.String(ServiceNamespace),
			semconv.ServiceVersionKey.String(versionOrDev(cfg.Version)),
			semconv.ServiceInstanceIDKey.String(instanceID(cfg.InstanceID)),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
}

// sampler keeps the parent's decision so a publish and its deliveries are
// sampled together.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// exporterEndpoint reduces an endpoint URL to the host:port otlptracehttp wants.
func exporterEndpoint(endpoint string) string {
	if !strings.Contains(endpoint, "://") {
		return strings.TrimSuffix(endpoint, "/")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Host
}

func versionOrDev(v string) string {
	if v == "" {
		return "dev"
	}
	return v
}

func instanceID(configured string) string {
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown"
}
