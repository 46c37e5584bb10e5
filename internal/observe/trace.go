package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/PJR1992PJR/HA-OpenAI-Realtime-API"

type turnIDKey struct{}

// StartSpan starts a span on the global tracer provider. The caller must
// call span.End.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartTurn starts the root span of a conversational turn. The returned
// context carries id for [TurnID] and [Logger].
func StartTurn(ctx context.Context, id string) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, turnIDKey{}, id)
	return StartSpan(ctx, "turn", trace.WithAttributes(attribute.String("turn_id", id)))
}

// TurnID returns the id stored by [StartTurn], or "".
func TurnID(ctx context.Context) string {
	id, _ := ctx.Value(turnIDKey{}).(string)
	return id
}

// Logger returns [slog.Default] with turn_id, trace_id and span_id from ctx
// attached. Absent values are left out.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := TurnID(ctx); id != "" {
		attrs = append(attrs, slog.String("turn_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
