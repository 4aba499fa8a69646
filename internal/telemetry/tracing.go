// Package telemetry provides span correlation IDs for log lines emitted by
// the staging engine and metric pipeline. StartSpan opens a real
// OpenTelemetry span when a TracerProvider has been installed (see
// NewOTelTracerProvider, adapted from the teacher's
// engine/monitoring.NewOpenTelemetryTracer); ExtractIDs reads the active
// OTel span out of ctx via oteltrace.SpanContextFromContext and falls back
// to the lightweight in-process tracer below only when ctx carries no valid
// OTel span context, so a driver that never installs a TracerProvider still gets
// correlation IDs for free.
package telemetry

import (
	"context"
	randcrypto "crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// NewOTelTracerProvider installs a process-wide SDK TracerProvider tagged
// with serviceName, the way the teacher's NewOpenTelemetryTracer does. No
// exporter is attached: spans are used for in-process correlation only, so
// callers that want spans shipped somewhere can register an exporter via
// sdktrace.WithBatcher on the returned provider.
func NewOTelTracerProvider(serviceName string) *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp
}

// Span is a single traced unit of work.
type Span interface {
	End()
	SetAttribute(key string, value any)
	Context() SpanContext
}

// SpanContext carries correlation identifiers.
type SpanContext struct {
	TraceID, SpanID, ParentSpanID string
	Start, End                    time.Time
}

// Tracer starts spans, chaining to a parent found in ctx if present.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

type noopTracer struct{}
type noopSpan struct{}

func (noopTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (noopSpan) End()                         {}
func (noopSpan) SetAttribute(_ string, _ any) {}
func (noopSpan) Context() SpanContext         { return SpanContext{} }

// otelTracer starts real spans against the process's installed OTel
// TracerProvider (see NewOTelTracerProvider).
type otelTracer struct{ tracer oteltrace.Tracer }

// NewOTelTracer returns a Tracer that starts spans named under
// instrumentationName against otel.GetTracerProvider(). Call
// NewOTelTracerProvider first so spans are actually recorded.
func NewOTelTracer(instrumentationName string) Tracer {
	return otelTracer{tracer: otel.Tracer(instrumentationName)}
}

type otelSpan struct{ span oteltrace.Span }

func (t otelTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	spanCtx, sp := t.tracer.Start(ctx, name)
	return spanCtx, otelSpan{span: sp}
}

func (s otelSpan) End() { s.span.End() }
func (s otelSpan) SetAttribute(key string, value any) {
	s.span.SetAttributes(attribute.String(key, fmt.Sprint(value)))
}
func (s otelSpan) Context() SpanContext {
	sc := s.span.SpanContext()
	return SpanContext{TraceID: sc.TraceID().String(), SpanID: sc.SpanID().String()}
}

type simpleTracer struct{ enabled bool }

type simpleSpan struct {
	ctx   SpanContext
	mu    sync.Mutex
	ended bool
	attrs map[string]any
}

// NewTracer returns a no-op tracer when disabled, otherwise a lightweight
// in-process tracer good enough for log correlation when no OTel
// TracerProvider has been installed.
func NewTracer(enabled bool) Tracer {
	if !enabled {
		return noopTracer{}
	}
	return simpleTracer{enabled: true}
}

func (t simpleTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	parent := spanFromContext(ctx)
	traceID := parent.ctx.TraceID
	if traceID == "" {
		traceID = newID(16)
	}
	sp := &simpleSpan{
		ctx:   SpanContext{TraceID: traceID, SpanID: newID(8), ParentSpanID: parent.ctx.SpanID, Start: time.Now()},
		attrs: make(map[string]any),
	}
	return context.WithValue(ctx, spanKey{}, sp), sp
}

func (s *simpleSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ctx.End = time.Now()
		s.ended = true
	}
}

func (s *simpleSpan) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs != nil {
		s.attrs[key] = value
	}
}

func (s *simpleSpan) Context() SpanContext { return s.ctx }

type spanKey struct{}

func spanFromContext(ctx context.Context) *simpleSpan {
	if ctx == nil {
		return &simpleSpan{}
	}
	if sp, ok := ctx.Value(spanKey{}).(*simpleSpan); ok {
		return sp
	}
	return &simpleSpan{}
}

// ExtractIDs returns the trace/span ID active on ctx. It reads a real OTel
// span first (oteltrace.SpanContextFromContext), and falls back to the
// lightweight tracer above only when ctx carries no valid OTel span context, so
// correlation IDs are available whether or not a TracerProvider is
// installed.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	if sc := oteltrace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String(), sc.SpanID().String()
	}
	sp := spanFromContext(ctx)
	return sp.ctx.TraceID, sp.ctx.SpanID
}

func newID(n int) string {
	b := make([]byte, n)
	_, _ = randcrypto.Read(b)
	return hex.EncodeToString(b)
}
