package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceContext holds the W3C headers (traceparent, tracestate) of a span so
// that work queued for later, such as a worker job, can continue the trace.
// It is nil when tracing is off or ctx carries no span.
type TraceContext map[string]string

// ExtractTraceContext captures the trace headers of ctx.
func ExtractTraceContext(ctx context.Context) TraceContext {
	if !Enabled() {
		return nil
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return TraceContext(carrier)
}

// InjectTraceContext returns ctx with tc as its remote parent span.
func InjectTraceContext(ctx context.Context, tc TraceContext) context.Context {
	if len(tc) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(tc))
}

// SpanIDs returns the hex trace and span IDs of the span in ctx, or empty
// strings.
func SpanIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		spanID = sc.SpanID().String()
	}
	return traceID, spanID
}
