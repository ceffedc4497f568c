package hooks

import (
	"context"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fernandezvara/embedkit/engine"
)

// Span attributes beyond the OpenTelemetry database conventions.
const (
	attrErrorCategory = attribute.Key("embedkit.error.category")
	attrInterrupted   = attribute.Key("embedkit.interrupted")
)

// TracingHook creates one client span per executed statement. Failed
// statements carry the engine failure category so traces can be filtered
// the same way connection errors are.
type TracingHook struct {
	tracer   trace.Tracer
	system   string
	classify func(error) engine.Category
}

// NewTracingHook creates a new tracing hook. system is reported as the
// db.system attribute (e.g. "sqlite", "postgresql"). classify maps a
// driver error to its category; nil falls back to engine.CategoryOf.
func NewTracingHook(tracer trace.Tracer, system string, classify func(error) engine.Category) *TracingHook {
	if classify == nil {
		classify = engine.CategoryOf
	}
	return &TracingHook{tracer: tracer, system: system, classify: classify}
}

type spanCtxKey struct{}

// BeforeQuery starts the span.
func (h *TracingHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	if h.tracer == nil {
		return ctx
	}

	op := OperationType(event.Query)
	ctx, span := h.tracer.Start(ctx, "db."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", h.system),
			attribute.String("db.operation", op),
		),
	)

	return context.WithValue(ctx, spanCtxKey{}, span)
}

// AfterQuery ends the span started by BeforeQuery.
func (h *TracingHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	span, ok := ctx.Value(spanCtxKey{}).(trace.Span)
	if !ok {
		return
	}
	defer span.End()

	span.SetAttributes(attribute.String("db.statement", truncate(event.Query)))

	if event.Err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}

	category := h.classify(event.Err)
	span.SetAttributes(attrErrorCategory.String(string(category)))
	if category == engine.CategoryInterrupt {
		// Cancellation is requested by the caller, not an engine fault.
		span.SetAttributes(attrInterrupted.Bool(true))
		span.SetStatus(codes.Unset, "")
		return
	}
	span.RecordError(event.Err)
	span.SetStatus(codes.Error, event.Err.Error())
}
