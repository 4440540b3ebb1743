package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/auditcore/auditcore/internal/correlation"
	"github.com/auditcore/auditcore/internal/redact"
	"github.com/auditcore/auditcore/internal/safego"
	"github.com/auditcore/auditcore/internal/telemetry"
)

// DispatchPolicy decides which event types are written to the durable writer
// before Record returns. Everything else is queued and written in the background.
type DispatchPolicy struct {
	sync map[EventType]bool
}

// NewDispatchPolicy awaits durable appends for the given types.
func NewDispatchPolicy(syncTypes ...EventType) DispatchPolicy {
	p := DispatchPolicy{sync: make(map[EventType]bool, len(syncTypes))}
	for _, t := range syncTypes {
		p.sync[t] = true
	}
	return p
}

// DefaultDispatchPolicy awaits compliance-sensitive events: authentication,
// authorization, security and configuration changes.
func DefaultDispatchPolicy() DispatchPolicy {
	return NewDispatchPolicy(EventAuthentication, EventAuthorization, EventSecurity, EventConfiguration)
}

// IsSync reports whether events of type t are awaited.
func (p DispatchPolicy) IsSync(t EventType) bool { return p.sync[t] }

// LoggerOption configures a Logger.
type LoggerOption func(*Logger)

// WithRedactor sets the redactor applied to event details. The default is the
// built-in policy.
func WithRedactor(r *redact.Redactor) LoggerOption {
	return func(l *Logger) { l.redactor = r }
}

// WithSlog sets the logger used to report writer failures.
func WithSlog(log *slog.Logger) LoggerOption {
	return func(l *Logger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithDurable sets the durable writer and the policy that decides when it is awaited.
func WithDurable(w Writer, p DispatchPolicy) LoggerOption {
	return func(l *Logger) {
		l.durable = w
		l.policy = p
	}
}

// WithQueueSize bounds the asynchronous durable queue. Events arriving while
// the queue is full are dropped and counted.
func WithQueueSize(n int) LoggerOption {
	return func(l *Logger) { l.queueSize = n }
}

// WithAppendTimeout bounds each durable append.
func WithAppendTimeout(d time.Duration) LoggerOption {
	return func(l *Logger) { l.appendTimeout = d }
}

type queued struct {
	ctx   context.Context
	event Event
	done  chan struct{} // flush marker when non-nil
}

// Logger is the entry point handlers use to record audit events. It fills
// correlation data from the request context, redacts details and dispatches
// the event. Writer failures are logged and counted but never fail the
// operation being recorded.
type Logger struct {
	inline        Writer
	durable       Writer
	policy        DispatchPolicy
	redactor      *redact.Redactor
	log           *slog.Logger
	queueSize     int
	appendTimeout time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan queued
	stopped chan struct{}
}

// NewLogger returns a Logger that always awaits inline (which may be nil).
// Use WithDurable to add the durable trail.
func NewLogger(inline Writer, opts ...LoggerOption) *Logger {
	l := &Logger{
		inline:        inline,
		policy:        DefaultDispatchPolicy(),
		redactor:      redact.Default(),
		log:           slog.New(slog.DiscardHandler),
		queueSize:     1024,
		appendTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.durable != nil {
		if l.queueSize <= 0 {
			l.queueSize = 1
		}
		l.queue = make(chan queued, l.queueSize)
		l.stopped = make(chan struct{})
		safego.Go("audit-dispatch", l.run)
	}
	return l
}

// Log records an event and discards any error. Use it for fire-and-forget
// auditing from handlers.
func (l *Logger) Log(ctx context.Context, b *Builder) {
	_, _ = l.Record(ctx, b)
}

// Record builds, redacts and dispatches an event. It returns the stored event
// and an error when the event was invalid or when an awaited writer failed.
// Callers that treat auditing as required may escalate the error; most
// callers should use Log.
func (l *Logger) Record(ctx context.Context, b *Builder) (Event, error) {
	if l == nil {
		return Event{}, nil
	}
	e, err := l.build(ctx, b)
	if err != nil {
		telemetry.AuditEventsDroppedTotal.WithLabelValues("invalid").Inc()
		l.log.ErrorContext(ctx, "audit: rejected invalid event", "error", err)
		return Event{}, err
	}
	telemetry.AuditEventsTotal.WithLabelValues(string(e.Type), string(e.Outcome)).Inc()

	var errs []error
	if l.inline != nil {
		if err := l.inline.Append(ctx, e); err != nil {
			l.log.WarnContext(ctx, "audit: inline writer failed", "event_id", e.ID, "error", err)
			errs = append(errs, err)
		}
	}

	if l.durable != nil {
		if l.policy.IsSync(e.Type) || !l.enqueue(ctx, e) {
			if err := l.appendDurable(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return e, errors.Join(errs...)
}

func (l *Logger) build(ctx context.Context, b *Builder) (Event, error) {
	b = b.clone()
	cc := correlation.Current(ctx)
	if b.requestID == "" {
		b.requestID = cc.RequestID
	}
	if b.ip == "" {
		b.ip = cc.ClientIP
	}
	if b.userAgent == "" {
		b.userAgent = cc.UserAgent
	}
	if b.actor.Kind == ActorAnonymous && b.actor.ID == "" && cc.ActorID != "" {
		b.actor = UserActor(cc.ActorID, "")
	}
	if cc.ExperimentID != "" {
		setIfAbsent(b, "experiment_id", cc.ExperimentID)
	}
	if cc.RunID != "" {
		setIfAbsent(b, "run_id", cc.RunID)
	}
	for k, v := range cc.CustomFields {
		setIfAbsent(b, k, v)
	}

	e, err := b.Build()
	if err != nil {
		return Event{}, err
	}
	e.Details = l.redactor.Details(e.Details)
	return e, nil
}

func setIfAbsent(b *Builder, key, value string) {
	if _, ok := b.details[key]; !ok {
		b.Detail(key, value)
	}
}

// appendDurable writes to the durable writer with a context detached from the
// request so a disconnecting client cannot abort an accepted event.
func (l *Logger) appendDurable(ctx context.Context, e Event) error {
	actx, cancel := context.WithTimeout(correlation.Detach(ctx), l.appendTimeout)
	defer cancel()
	if err := l.durable.Append(actx, e); err != nil {
		l.log.ErrorContext(ctx, "audit: durable writer failed", "event_id", e.ID, "event_type", e.Type, "error", err)
		return err
	}
	return nil
}

// enqueue hands e to the background worker. It returns false when the logger
// is closed, in which case the caller writes synchronously.
func (l *Logger) enqueue(ctx context.Context, e Event) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return false
	}
	select {
	case l.queue <- queued{ctx: correlation.Detach(ctx), event: e}:
		telemetry.AuditQueueDepth.Set(float64(len(l.queue)))
	default:
		telemetry.AuditEventsDroppedTotal.WithLabelValues("queue_full").Inc()
		l.log.WarnContext(ctx, "audit: durable queue full, event dropped", "event_id", e.ID, "event_type", e.Type)
	}
	return true
}

func (l *Logger) run() {
	defer close(l.stopped)
	for item := range l.queue {
		telemetry.AuditQueueDepth.Set(float64(len(l.queue)))
		if item.done != nil {
			close(item.done)
			continue
		}
		err := safego.Run(func() { _ = l.appendDurable(item.ctx, item.event) })
		if err != nil {
			l.log.Error("audit: durable writer panicked", "event_id", item.event.ID, "error", err)
		}
	}
}

// drain waits until every event queued before the call has been written.
func (l *Logger) drain(ctx context.Context) error {
	l.mu.RLock()
	if l.queue == nil || l.closed {
		l.mu.RUnlock()
		return nil
	}
	done := make(chan struct{})
	select {
	case l.queue <- queued{done: done}:
	case <-ctx.Done():
		l.mu.RUnlock()
		return ctx.Err()
	}
	l.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits for queued events and then flushes every writer. Failures are
// aggregated.
func (l *Logger) Flush(ctx context.Context) error {
	if l == nil {
		return nil
	}
	var errs []error
	if err := l.drain(ctx); err != nil {
		errs = append(errs, err)
	}
	if l.inline != nil {
		if err := l.inline.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if l.durable != nil {
		if err := l.durable.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		l.log.WarnContext(ctx, "audit: flush failed", "error", err)
		return err
	}
	return nil
}

// Close stops the background worker after it has drained the queue, flushes
// all writers and closes those that hold resources. Events recorded after
// Close are written synchronously.
func (l *Logger) Close(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	wasClosed := l.closed
	l.closed = true
	if !wasClosed && l.queue != nil {
		close(l.queue)
	}
	l.mu.Unlock()
	if wasClosed {
		return nil
	}

	var errs []error
	if l.stopped != nil {
		select {
		case <-l.stopped:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	for _, w := range []Writer{l.inline, l.durable} {
		if w == nil {
			continue
		}
		if err := w.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := Close(w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
