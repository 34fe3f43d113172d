package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracingOptions configures span export over OTLP/HTTP.
type TracingOptions struct {
	// Endpoint is host:port or a full URL. Empty disables export.
	Endpoint    string
	Insecure    bool
	SampleRatio float64
	Resource    *resource.Resource
}

// SetupTracing installs a global tracer provider that batches spans to the
// collector. With no endpoint it installs nothing and the returned shutdown
// is a no-op.
func SetupTracing(ctx context.Context, opts TracingOptions) (func(context.Context) error, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return func(context.Context) error { return nil }, nil
	}

	var eopts []otlptracehttp.Option
	if strings.Contains(opts.Endpoint, "://") {
		eopts = append(eopts, otlptracehttp.WithEndpointURL(opts.Endpoint))
	} else {
		eopts = append(eopts, otlptracehttp.WithEndpoint(opts.Endpoint))
	}
	if opts.Insecure {
		eopts = append(eopts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, eopts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}
	if opts.Resource != nil {
		tpOpts = append(tpOpts, sdktrace.WithResource(opts.Resource))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
