// OpenTelemetry tracing for watchdog elections.
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

// Tracer wraps OpenTelemetry tracing with watchdog-specific helpers.
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
		return NoopTracer()
	}
	return globalTracer
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// NewTracerFromProvider creates a tracer from tp.
func NewTracerFromProvider(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Election Spans ---

// ElectionSpanOptions contains the outcome of one election.
type ElectionSpanOptions struct {
	Role    string // owner, follower
	Handle  string
	Owner   string // node holding the claim
	Attempt int
}

// StartElectionSpan starts a span for one claim-or-get call.
func (t *Tracer) StartElectionSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "singleton.elect", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("singleton.name", name))
	return ctx, span
}

// EndElectionSpan ends an election span with its outcome.
func (t *Tracer) EndElectionSpan(span trace.Span, opts ElectionSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.Int("singleton.attempt", opts.Attempt),
	}
	if opts.Role != "" {
		attrs = append(attrs, attribute.String("singleton.role", opts.Role))
	}
	if opts.Handle != "" {
		attrs = append(attrs, attribute.String("singleton.handle", opts.Handle))
	}
	if opts.Owner != "" {
		attrs = append(attrs, attribute.String("singleton.owner_node", opts.Owner))
	}
	span.SetAttributes(attrs...)

	endSpan(span, err)
}

// --- Down Spans ---

// DownSpanOptions describes a watched worker's termination.
type DownSpanOptions struct {
	Handle string
	Reason string
	Stale  bool
}

// StartDownSpan starts a span for handling a termination notification.
func (t *Tracer) StartDownSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "singleton.down", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("singleton.name", name))
	return ctx, span
}

// EndDownSpan ends a down span with attributes.
func (t *Tracer) EndDownSpan(span trace.Span, opts DownSpanOptions, err error) {
	span.SetAttributes(
		attribute.String("singleton.handle", opts.Handle),
		attribute.String("singleton.reason", opts.Reason),
		attribute.Bool("singleton.stale", opts.Stale),
	)
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
