package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// Export protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// ExportConfig configures where registry spans are sent.
type ExportConfig struct {
	// Endpoint is the OTLP collector address, e.g. "localhost:4317".
	// Empty falls back to OTEL_EXPORTER_OTLP_ENDPOINT; if that is unset
	// too, nothing is exported.
	Endpoint string

	// Protocol is "grpc" or "http". Default: "grpc"
	Protocol string

	Insecure bool
	Headers  map[string]string

	// ServiceName defaults to OTEL_SERVICE_NAME, then "regsync".
	ServiceName string

	// SampleRatio is the fraction of traces kept. Zero keeps all.
	SampleRatio float64
}

// Enabled reports whether an endpoint is configured.
func (c ExportConfig) Enabled() bool {
	_, ok := c.endpoint()
	return ok
}

func (c ExportConfig) endpoint() (string, bool) {
	ep := c.Endpoint
	if ep == "" {
		ep = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if ep == "" {
		return "", false
	}
	// Exporters take host:port.
	for _, scheme := range []string{"http://", "https://"} {
		ep = strings.TrimPrefix(ep, scheme)
	}
	return ep, true
}

func (c ExportConfig) serviceName() string {
	switch {
	case c.ServiceName != "":
		return c.ServiceName
	case os.Getenv("OTEL_SERVICE_NAME") != "":
		return os.Getenv("OTEL_SERVICE_NAME")
	default:
		return "regsync"
	}
}

func (c ExportConfig) sampler() sdktrace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// Validate checks the protocol and ratio.
func (c ExportConfig) Validate() error {
	switch c.Protocol {
	case "", ProtocolGRPC, ProtocolHTTP:
	default:
		return fmt.Errorf("unknown export protocol %q (use %q or %q)", c.Protocol, ProtocolGRPC, ProtocolHTTP)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample ratio %v outside [0, 1]", c.SampleRatio)
	}
	return nil
}

func (c ExportConfig) exporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	if c.Protocol == ProtocolHTTP {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if c.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(c.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(c.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if c.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(c.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(c.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Provider owns an OTLP span pipeline and the Tracer built on it.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// NewProvider builds an exporting provider for the registry called
// registryName. It does not touch the otel globals; see Install.
func NewProvider(ctx context.Context, cfg ExportConfig, registryName string) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	endpoint, ok := cfg.endpoint()
	if !ok {
		return nil, fmt.Errorf("no export endpoint (set Endpoint or OTEL_EXPORTER_OTLP_ENDPOINT)")
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.serviceName()),
		AttrRegistry.String(registryName),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}
	exp, err := cfg.exporter(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("build %s exporter: %w", cfg.Protocol, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	return &Provider{tp: tp, tracer: NewTracerFromProvider(tp, cfg.serviceName())}, nil
}

// Install makes the provider the process-wide otel provider and tracer,
// with W3C trace context and baggage propagation.
func (p *Provider) Install() {
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	SetGlobalTracer(p.tracer)
}

// Tracer returns the tracer exporting through this provider.
func (p *Provider) Tracer() *Tracer {
	return p.tracer
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
