package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for daemon spans.
var (
	AttrJobID     = attribute.Key("valet.job.id")
	AttrRunID     = attribute.Key("valet.run.id")
	AttrSessionID = attribute.Key("valet.session.id")
	AttrChannel   = attribute.Key("valet.channel")
	AttrDecision  = attribute.Key("valet.approval.decision")
)

// orNoop lets callers pass a nil tracer when telemetry is not wired.
func orNoop(tracer trace.Tracer) trace.Tracer {
	if tracer == nil {
		return nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return tracer
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return orNoop(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return orNoop(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (executor, channel send).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return orNoop(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
