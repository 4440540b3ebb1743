package correlation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Go runs fn on g as concurrent sub-work owned by the request in ctx. fn sees
// the same correlation data as its parent; the group's own context (when
// created with errgroup.WithContext) should be passed as ctx so cancellation
// propagates too.
func Go(ctx context.Context, g *errgroup.Group, fn func(ctx context.Context) error) {
	c, ok := From(ctx)
	g.Go(func() error {
		if ok {
			return fn(With(ctx, c))
		}
		return fn(ctx)
	})
}

// Detach returns a context that carries the correlation data of ctx but none
// of its deadline or cancellation. It is used for work that must finish after
// the request is gone, such as flushing audit writers for an aborted request.
func Detach(ctx context.Context) context.Context {
	detached := context.WithoutCancel(ctx)
	if c, ok := From(ctx); ok {
		return With(detached, c)
	}
	return detached
}

// AnnotateSpan copies the correlation fields of ctx onto the active
// OpenTelemetry span. It does nothing outside a scope or without a recording span.
func AnnotateSpan(ctx context.Context) {
	c, ok := From(ctx)
	if !ok {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := make([]attribute.KeyValue, 0, 4+len(c.CustomFields))
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	add("request.id", c.RequestID)
	add("actor.id", c.ActorID)
	add("experiment.id", c.ExperimentID)
	add("run.id", c.RunID)
	for k, v := range c.CustomFields {
		add("custom."+k, v)
	}
	span.SetAttributes(attrs...)
}
