package logging

import (
	"context"
	"log/slog"
)

type correlationKey struct{}

// correlation carries the ids identifying one workflow operation. It is
// stored as a single context value so each With* call copies the whole set.
type correlation struct {
	recordID   string
	instanceID string
	actorID    string
}

func fromContext(ctx context.Context) correlation {
	c, _ := ctx.Value(correlationKey{}).(correlation)
	return c
}

// WithRecordID returns a context with the governed record's ID set.
func WithRecordID(ctx context.Context, id string) context.Context {
	c := fromContext(ctx)
	c.recordID = id
	return context.WithValue(ctx, correlationKey{}, c)
}

// WithInstanceID returns a context with the workflow instance ID set.
func WithInstanceID(ctx context.Context, id string) context.Context {
	c := fromContext(ctx)
	c.instanceID = id
	return context.WithValue(ctx, correlationKey{}, c)
}

// WithActorID returns a context with the acting user's ID set.
func WithActorID(ctx context.Context, id string) context.Context {
	c := fromContext(ctx)
	c.actorID = id
	return context.WithValue(ctx, correlationKey{}, c)
}

// RecordID extracts the record ID from the context, or "" if absent.
func RecordID(ctx context.Context) string { return fromContext(ctx).recordID }

// InstanceID extracts the workflow instance ID from the context, or "" if absent.
func InstanceID(ctx context.Context) string { return fromContext(ctx).instanceID }

// ActorID extracts the actor ID from the context, or "" if absent.
func ActorID(ctx context.Context) string { return fromContext(ctx).actorID }

// CorrelationHandler wraps an slog.Handler and appends the correlation ids
// found in the context to every record, so callers only have to use
// logger.InfoContext(ctx, ...) and the ids appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	c := fromContext(ctx)
	for _, attr := range []struct{ key, value string }{
		{"record_id", c.recordID},
		{"instance_id", c.instanceID},
		{"actor_id", c.actorID},
	} {
		if attr.value != "" {
			r.AddAttrs(slog.String(attr.key, attr.value))
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
