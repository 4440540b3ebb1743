// Package correlation carries per-request identifying data through a request's
// call graph via context.Context.
//
// Middleware creates a Context once per request and installs it with With or
// Run. Anything downstream (handlers, the audit logger, goroutines spawned
// with Go) reads it back with From or Current. Because the value lives on the
// request's context.Context, concurrent requests never observe each other's
// data and nothing is stored in package-level state.
//
// Usage in middleware:
//
//	id := correlation.ExtractOrGenerate(r.Header)
//	ctx := correlation.With(r.Context(), correlation.Context{RequestID: id})
//
// Usage in handlers and services:
//
//	cc := correlation.Current(ctx)
//	logger := correlation.Logger(ctx, slog.Default())
package correlation

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Header is the inbound and outbound request correlation header.
const Header = "X-Request-ID"

// maxRequestIDLen caps client-supplied request ids so they cannot bloat logs.
const maxRequestIDLen = 128

// Context is the correlation data for one request.
type Context struct {
	RequestID    string
	ActorID      string
	ExperimentID string
	RunID        string
	ClientIP     string
	UserAgent    string
	CustomFields map[string]string
}

type contextKey struct{}

// ExtractOrGenerate returns the request id from h when present and non-empty,
// otherwise a fresh UUID.
func ExtractOrGenerate(h http.Header) string {
	if id := strings.TrimSpace(h.Get(Header)); id != "" && validID(id) {
		return truncateID(id)
	}
	return uuid.NewString()
}

// truncateID caps id at maxRequestIDLen bytes without splitting a rune.
func truncateID(id string) string {
	if len(id) <= maxRequestIDLen {
		return id
	}
	n := maxRequestIDLen
	for n > 0 && !utf8.RuneStart(id[n]) {
		n--
	}
	return id[:n]
}

// validID rejects ids with control characters, which would allow log
// injection, and ids that are not valid UTF-8.
func validID(id string) bool {
	if !utf8.ValidString(id) {
		return false
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// With returns a child of ctx carrying c. The custom fields map is copied so
// later changes by the caller do not leak into the installed value.
func With(ctx context.Context, c Context) context.Context {
	c.CustomFields = maps.Clone(c.CustomFields)
	return context.WithValue(ctx, contextKey{}, c)
}

// Run installs c for the duration of fn.
func Run(ctx context.Context, c Context, fn func(ctx context.Context) error) error {
	return fn(With(ctx, c))
}

// From returns the installed Context and whether one was found.
func From(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	c, ok := ctx.Value(contextKey{}).(Context)
	return c, ok
}

// Current returns the installed Context, or the zero Context outside a scope.
func Current(ctx context.Context) Context {
	c, _ := From(ctx)
	return c
}

// RequestID returns the installed request id or "".
func RequestID(ctx context.Context) string {
	return Current(ctx).RequestID
}

// WithActor derives a context whose correlation data names the acting principal.
// It is a no-op outside a scope.
func WithActor(ctx context.Context, actorID string) context.Context {
	c, ok := From(ctx)
	if !ok {
		return ctx
	}
	c.ActorID = actorID
	return With(ctx, c)
}

// WithField derives a context with one extra custom field. The parent's
// fields are not modified.
func WithField(ctx context.Context, key, value string) context.Context {
	c, ok := From(ctx)
	if !ok {
		return ctx
	}
	fields := make(map[string]string, len(c.CustomFields)+1)
	maps.Copy(fields, c.CustomFields)
	fields[key] = value
	c.CustomFields = fields
	return context.WithValue(ctx, contextKey{}, c)
}

// Attrs returns the non-empty fields as slog attributes.
func (c Context) Attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 6+len(c.CustomFields))
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, slog.String(key, value))
		}
	}
	add("request_id", c.RequestID)
	add("actor_id", c.ActorID)
	add("experiment_id", c.ExperimentID)
	add("run_id", c.RunID)
	for k, v := range c.CustomFields {
		add(k, v)
	}
	return attrs
}

// Logger returns base annotated with the correlation fields of ctx. Outside a
// scope it returns base unchanged. Annotation is opt-in: callers that want
// correlated log lines ask for this logger explicitly.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	c, ok := From(ctx)
	if !ok {
		return base
	}
	attrs := c.Attrs()
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return base.With(args...)
}
