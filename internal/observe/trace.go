package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every voicerelay span.
const TracerName = "github.com/MrWong99/voicerelay"

// Span names recorded by the relay. A session span is the parent of the
// connect span of the upstream it dials.
const (
	SpanRelaySession    = "relay.session"
	SpanUpstreamConnect = "relay.upstream.connect"
)

// Span attribute keys.
const (
	// AttrProvider names the upstream provider that served the session.
	AttrProvider = attribute.Key("voicerelay.provider")

	// AttrCandidates lists the providers a connect may try, in order.
	AttrCandidates = attribute.Key("voicerelay.upstream.candidates")

	// AttrClientAddr is the remote address of the voice client.
	AttrClientAddr = attribute.Key("voicerelay.client.address")
)

// Tracer returns the voicerelay tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a span on [Tracer]. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts the server span covering one bridged client
// connection. A nil tr means [Tracer]; an empty clientAddr is omitted.
func StartSessionSpan(ctx context.Context, tr trace.Tracer, clientAddr string) (context.Context, trace.Span) {
	if tr == nil {
		tr = Tracer()
	}
	opts := []trace.SpanStartOption{trace.WithSpanKind(trace.SpanKindServer)}
	if clientAddr != "" {
		opts = append(opts, trace.WithAttributes(AttrClientAddr.String(clientAddr)))
	}
	return tr.Start(ctx, SpanRelaySession, opts...)
}

// StartConnectSpan starts the client span covering an upstream dial,
// failover included. A nil tr means [Tracer].
func StartConnectSpan(ctx context.Context, tr trace.Tracer, candidates []string) (context.Context, trace.Span) {
	if tr == nil {
		tr = Tracer()
	}
	return tr.Start(ctx, SpanUpstreamConnect,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrCandidates.StringSlice(candidates)),
	)
}

// SetProvider records which upstream provider serves the span's session.
func SetProvider(span trace.Span, name string) {
	span.SetAttributes(AttrProvider.String(name))
}

// FailSpan records err, if any, and marks span failed with desc.
func FailSpan(span trace.Span, err error, desc string) {
	if err != nil {
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, desc)
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
