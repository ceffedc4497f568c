package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fernandezvara/embedkit/engine"
)

type recordedSpan struct {
	noop.Span
	name   string
	attrs  map[attribute.Key]attribute.Value
	status codes.Code
	errs   []error
	ended  bool
}

func (s *recordedSpan) SetAttributes(kv ...attribute.KeyValue) {
	for _, a := range kv {
		s.attrs[a.Key] = a.Value
	}
}

func (s *recordedSpan) SetStatus(code codes.Code, _ string) { s.status = code }

func (s *recordedSpan) RecordError(err error, _ ...trace.EventOption) { s.errs = append(s.errs, err) }

func (s *recordedSpan) End(...trace.SpanEndOption) { s.ended = true }

type recordingTracer struct {
	noop.Tracer
	spans []*recordedSpan
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	span := &recordedSpan{name: name, attrs: map[attribute.Key]attribute.Value{}}
	cfg := trace.NewSpanStartConfig(opts...)
	span.SetAttributes(cfg.Attributes()...)
	r.spans = append(r.spans, span)
	return trace.ContextWithSpan(ctx, span), span
}

func traceStatement(h *TracingHook, query string, err error) {
	event := &bun.QueryEvent{Query: query}
	ctx := h.BeforeQuery(context.Background(), event)
	event.Err = err
	h.AfterQuery(ctx, event)
}

func TestTracingHook_Success(t *testing.T) {
	tracer := &recordingTracer{}
	h := NewTracingHook(tracer, "sqlite", nil)

	traceStatement(h, "INSERT INTO t VALUES (1)", nil)

	require.Len(t, tracer.spans, 1)
	span := tracer.spans[0]
	assert.Equal(t, "db.insert", span.name)
	assert.True(t, span.ended)
	assert.Equal(t, codes.Ok, span.status)
	assert.Equal(t, "sqlite", span.attrs["db.system"].AsString())
	assert.Equal(t, "insert", span.attrs["db.operation"].AsString())
	assert.Equal(t, "INSERT INTO t VALUES (1)", span.attrs["db.statement"].AsString())
	assert.NotContains(t, span.attrs, attrErrorCategory)
}

func TestTracingHook_FailureCategory(t *testing.T) {
	errDup := errors.New("UNIQUE constraint failed: t.id")
	errStop := errors.New("interrupted")
	classify := func(err error) engine.Category {
		switch {
		case errors.Is(err, errDup):
			return engine.CategoryConstraint
		case errors.Is(err, errStop):
			return engine.CategoryInterrupt
		}
		return engine.CategoryUnknown
	}

	tracer := &recordingTracer{}
	h := NewTracingHook(tracer, "postgresql", classify)

	traceStatement(h, "INSERT INTO t VALUES (1)", errDup)
	traceStatement(h, "SELECT * FROM big", errStop)
	require.Len(t, tracer.spans, 2)

	failed := tracer.spans[0]
	assert.Equal(t, codes.Error, failed.status)
	assert.Equal(t, "constraint", failed.attrs[attrErrorCategory].AsString())
	assert.Equal(t, []error{errDup}, failed.errs)

	stopped := tracer.spans[1]
	assert.Equal(t, "db.select", stopped.name)
	assert.Equal(t, codes.Unset, stopped.status)
	assert.Equal(t, "interrupt", stopped.attrs[attrErrorCategory].AsString())
	assert.True(t, stopped.attrs[attrInterrupted].AsBool())
	assert.Empty(t, stopped.errs)
}

func TestTracingHook_DefaultClassifier(t *testing.T) {
	tracer := &recordingTracer{}
	h := NewTracingHook(tracer, "sqlite", nil)

	err := &engine.Error{Category: engine.CategoryTimeout, Message: "database is locked"}
	traceStatement(h, "UPDATE t SET x = 1", err)

	require.Len(t, tracer.spans, 1)
	assert.Equal(t, "timeout", tracer.spans[0].attrs[attrErrorCategory].AsString())
}

func TestTracingHook_NilTracer(t *testing.T) {
	h := NewTracingHook(nil, "sqlite", nil)
	event := &bun.QueryEvent{Query: "SELECT 1"}
	ctx := h.BeforeQuery(context.Background(), event)
	assert.Nil(t, ctx.Value(spanCtxKey{}))
	h.AfterQuery(ctx, event)
}
