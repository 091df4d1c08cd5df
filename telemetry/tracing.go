// Package telemetry provides tracing and metrics for the registry engine.
//
// Tracing uses OpenTelemetry: every backend call issued by the dispatcher
// and every connect attempt becomes a span. Metrics use the Prometheus
// client and are registered on a caller-supplied registerer.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys.
const (
	AttrOp       = attribute.Key("regsync.op")
	AttrKey      = attribute.Key("regsync.key")
	AttrAttempt  = attribute.Key("regsync.attempt")
	AttrRegistry = attribute.Key("regsync.registry")
)

// Tracer wraps OpenTelemetry tracing with registry-specific helpers.
type Tracer struct {
	tracer trace.Tracer
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a tracer from the global OpenTelemetry provider.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// NewTracerFromProvider creates a tracer from a specific provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// StartTaskSpan starts a span for a backend task (register, deregister,
// subscribe, unsubscribe).
func (t *Tracer) StartTaskSpan(ctx context.Context, registry, op, key string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "regsync."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrRegistry.String(registry),
			AttrOp.String(op),
			AttrKey.String(key),
			AttrAttempt.Int(attempt),
		),
	)
}

// StartConnectSpan starts a span for one connect attempt.
func (t *Tracer) StartConnectSpan(ctx context.Context, registry string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "regsync.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrRegistry.String(registry),
			AttrAttempt.Int(attempt),
		),
	)
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
