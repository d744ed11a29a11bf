// Package tracing provides a light per-node span helper backed by
// go.uber.org/zap for hot-path structured logging around plugin
// execution. It intentionally does not pull in a full OpenTelemetry SDK;
// the engine only needs a named span with a start/end timestamp and
// structured fields.
package tracing

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type spanKey struct{}

// Span carries the zap logger enriched with span fields plus its start
// time, threaded through context so deeply nested plugin calls can log
// with consistent span identity.
type Span struct {
	ctx       context.Context
	logger    *zap.Logger
	name      string
	startedAt time.Time
}

// Tracer creates spans from a base zap logger.
type Tracer struct {
	logger *zap.Logger
}

// NewTracer wraps an already-configured *zap.Logger.
func NewTracer(logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracer{logger: logger}
}

// StartSpan begins a named span and returns a context carrying it; callers
// pass the returned context into the plugin call so any nested logging
// picks up the span's fields.
func (t *Tracer) StartSpan(ctx context.Context, name string) context.Context {
	span := &Span{
		ctx:       ctx,
		logger:    t.logger.With(zap.String("span", name)),
		name:      name,
		startedAt: time.Now(),
	}
	span.logger.Debug("span start")
	return context.WithValue(ctx, spanKey{}, span)
}

// EndSpan logs the span's duration. ctx must be the context returned by
// StartSpan; ending a context with no span is a no-op.
func (t *Tracer) EndSpan(ctx context.Context) {
	span, ok := ctx.Value(spanKey{}).(*Span)
	if !ok {
		return
	}
	span.logger.Debug("span end", zap.Duration("duration", time.Since(span.startedAt)))
}

// FromContext returns the zap logger enriched with the active span's
// fields, or a no-op logger if ctx carries no span.
func FromContext(ctx context.Context) *zap.Logger {
	if span, ok := ctx.Value(spanKey{}).(*Span); ok {
		return span.logger
	}
	return zap.NewNop()
}
