package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/qcache/internal/logging"
)

// StartSpan creates an internal span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SetSpanError marks the span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Logger returns the operational logger annotated with the trace in ctx.
func Logger(ctx context.Context) *slog.Logger {
	return logging.OpWithTrace(SpanIDs(ctx))
}

// Span attribute keys.
var (
	AttrCacheType  = attribute.Key("qcache.cache_type")
	AttrKey        = attribute.Key("qcache.key")
	AttrMode       = attribute.Key("qcache.replay.mode")
	AttrEntries    = attribute.Key("qcache.entries")
	AttrReplayed   = attribute.Key("qcache.replayed")
	AttrFailed     = attribute.Key("qcache.failed")
	AttrEvicted    = attribute.Key("qcache.evicted")
	AttrJobID      = attribute.Key("qcache.job.id")
	AttrServerType = attribute.Key("qcache.server_type")
)
