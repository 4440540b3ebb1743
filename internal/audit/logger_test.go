package audit_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/auditcore/auditcore/internal/audit"
	"github.com/auditcore/auditcore/internal/correlation"
	"github.com/auditcore/auditcore/internal/redact"
	"github.com/auditcore/auditcore/internal/telemetry"
)

// memWriter records appended events. When block is set, Append waits for it to
// be closed (or the context to end) after signalling entered.
type memWriter struct {
	mu      sync.Mutex
	events  []audit.Event
	ctxErrs []error
	flushes int
	closed  bool
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (w *memWriter) Append(ctx context.Context, e audit.Event) error {
	if w.block != nil {
		w.entered <- struct{}{}
		select {
		case <-w.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ctxErrs = append(w.ctxErrs, ctx.Err())
	if w.err != nil {
		return w.err
	}
	w.events = append(w.events, e)
	return nil
}

func (w *memWriter) Flush(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *memWriter) Events() []audit.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]audit.Event(nil), w.events...)
}

func readEvent() *audit.Builder {
	return audit.NewEvent(audit.EventDataAccess).
		Resource(audit.ResourceExperiment, "exp-1").
		Action(audit.ActionRead).
		Outcome(audit.OutcomeSuccess)
}

func loginFailure() *audit.Builder {
	return audit.NewEvent(audit.EventAuthentication).
		Resource(audit.ResourceUser, "alice").
		Action(audit.ActionLoginFailure).
		Outcome(audit.OutcomeFailure).
		Detail("reason", "bad password")
}

// ---------------------------------------------------------------------------
// Enrichment
// ---------------------------------------------------------------------------

func TestRecord_FillsCorrelation(t *testing.T) {
	inline := &memWriter{}
	l := audit.NewLogger(inline)

	ctx := correlation.With(context.Background(), correlation.Context{
		RequestID:    "req-7",
		ActorID:      "user-3",
		ExperimentID: "exp-9",
		ClientIP:     "192.0.2.1",
		UserAgent:    "curl/8.0",
		CustomFields: map[string]string{"tenant": "acme"},
	})
	e, err := l.Record(ctx, readEvent())
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if e.RequestID != "req-7" || e.IPAddress != "192.0.2.1" || e.UserAgent != "curl/8.0" {
		t.Errorf("correlation not applied: %+v", e)
	}
	if e.Actor.Kind != audit.ActorUser || e.Actor.ID != "user-3" {
		t.Errorf("Actor = %+v, want user user-3", e.Actor)
	}
	if e.Details["experiment_id"] != "exp-9" || e.Details["tenant"] != "acme" {
		t.Errorf("Details = %v", e.Details)
	}
	if got := inline.Events(); len(got) != 1 || got[0].ID != e.ID {
		t.Errorf("inline writer got %v", got)
	}
}

func TestRecord_ExplicitFieldsWin(t *testing.T) {
	l := audit.NewLogger(&memWriter{})
	ctx := correlation.With(context.Background(), correlation.Context{RequestID: "ctx-req", ActorID: "ctx-user"})

	e, err := l.Record(ctx, readEvent().RequestID("explicit").Actor(audit.ServiceActor("key-1")))
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if e.RequestID != "explicit" {
		t.Errorf("RequestID = %q, want explicit", e.RequestID)
	}
	if e.Actor.Kind != audit.ActorServiceCredential {
		t.Errorf("Actor = %+v, want the explicit service actor", e.Actor)
	}
}

func TestRecord_RedactsDetails(t *testing.T) {
	inline := &memWriter{}
	red, err := redact.New([]string{`ssn=\d+`}, nil)
	if err != nil {
		t.Fatalf("redact.New: %v", err)
	}
	l := audit.NewLogger(inline, audit.WithRedactor(red))

	b := readEvent().Detail("password", "hunter2").Detail("note", "ssn=123456 ok")
	if _, err := l.Record(context.Background(), b); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	e := inline.Events()[0]
	if e.Details["password"] != redact.Placeholder {
		t.Errorf("password = %v, want placeholder", e.Details["password"])
	}
	if note, _ := e.Details["note"].(string); strings.Contains(note, "123456") {
		t.Errorf("note = %q still contains the secret", note)
	}
}

func TestRecord_InvalidEventDropped(t *testing.T) {
	inline := &memWriter{}
	var buf bytes.Buffer
	l := audit.NewLogger(inline, audit.WithSlog(slog.New(slog.NewTextHandler(&buf, nil))))

	before := telemetry.CounterValue(telemetry.AuditEventsDroppedTotal, prometheus.Labels{"reason": "invalid"})
	b := audit.NewEvent(audit.EventDataAccess).Resource(audit.ResourceRun, "r").
		Action(audit.ActionDelete).Outcome(audit.OutcomeSuccess)
	_, err := l.Record(context.Background(), b)

	var ie *audit.InvalidEventError
	if !errors.As(err, &ie) {
		t.Fatalf("Record() error = %v, want *InvalidEventError", err)
	}
	if len(inline.Events()) != 0 {
		t.Error("invalid event reached a writer")
	}
	after := telemetry.CounterValue(telemetry.AuditEventsDroppedTotal, prometheus.Labels{"reason": "invalid"})
	if after-before != 1 {
		t.Errorf("dropped{invalid} delta = %v, want 1", after-before)
	}
	if !strings.Contains(buf.String(), "rejected invalid event") {
		t.Errorf("log output = %q", buf.String())
	}
}

func TestRecord_FailedLoginProducesOneEvent(t *testing.T) {
	inline := &memWriter{}
	durable := &memWriter{}
	l := audit.NewLogger(inline, audit.WithDurable(durable, audit.DefaultDispatchPolicy()))
	defer l.Close(context.Background())

	if _, err := l.Record(context.Background(), loginFailure()); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	for name, w := range map[string]*memWriter{"inline": inline, "durable": durable} {
		got := w.Events()
		if len(got) != 1 {
			t.Fatalf("%s writer got %d events, want 1", name, len(got))
		}
		e := got[0]
		if e.Type != audit.EventAuthentication || e.Action != audit.ActionLoginFailure {
			t.Errorf("%s: event = %s/%s", name, e.Type, e.Action)
		}
		if e.Outcome != audit.OutcomeFailure && e.Outcome != audit.OutcomeDenied {
			t.Errorf("%s: outcome = %s", name, e.Outcome)
		}
	}
}

func TestRecord_NilLogger(t *testing.T) {
	var l *audit.Logger
	if _, err := l.Record(context.Background(), readEvent()); err != nil {
		t.Errorf("nil Logger Record() = %v", err)
	}
	l.Log(context.Background(), readEvent())
	if err := l.Flush(context.Background()); err != nil {
		t.Errorf("nil Logger Flush() = %v", err)
	}
	if err := l.Close(context.Background()); err != nil {
		t.Errorf("nil Logger Close() = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Dispatch policy
// ---------------------------------------------------------------------------

func TestDispatchPolicy(t *testing.T) {
	p := audit.DefaultDispatchPolicy()
	for _, et := range []audit.EventType{audit.EventAuthentication, audit.EventAuthorization, audit.EventSecurity, audit.EventConfiguration} {
		if !p.IsSync(et) {
			t.Errorf("IsSync(%s) = false, want true", et)
		}
	}
	for _, et := range []audit.EventType{audit.EventDataAccess, audit.EventDataModification, audit.EventSystem} {
		if p.IsSync(et) {
			t.Errorf("IsSync(%s) = true, want false", et)
		}
	}
	if audit.NewDispatchPolicy().IsSync(audit.EventAuthentication) {
		t.Error("empty policy awaits authentication")
	}
}

func TestRecord_SyncTypeWrittenBeforeReturn(t *testing.T) {
	durable := &memWriter{}
	l := audit.NewLogger(nil, audit.WithDurable(durable, audit.DefaultDispatchPolicy()))
	defer l.Close(context.Background())

	if _, err := l.Record(context.Background(), loginFailure()); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if len(durable.Events()) != 1 {
		t.Errorf("durable has %d events right after Record, want 1", len(durable.Events()))
	}
}

func TestRecord_SyncFailureReturned(t *testing.T) {
	durable := &memWriter{err: errors.New("db down")}
	l := audit.NewLogger(nil, audit.WithDurable(durable, audit.DefaultDispatchPolicy()))
	defer l.Close(context.Background())

	_, err := l.Record(context.Background(), loginFailure())
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Errorf("Record() error = %v, want db down", err)
	}
	// Log never surfaces the failure.
	l.Log(context.Background(), loginFailure())
}

func TestRecord_AsyncTypeQueued(t *testing.T) {
	durable := &memWriter{}
	l := audit.NewLogger(nil, audit.WithDurable(durable, audit.DefaultDispatchPolicy()))
	defer l.Close(context.Background())

	for i := 0; i < 10; i++ {
		if _, err := l.Record(context.Background(), readEvent()); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if got := len(durable.Events()); got != 10 {
		t.Errorf("durable has %d events after Flush, want 10", got)
	}
}

func TestRecord_AsyncPreservesOrder(t *testing.T) {
	durable := &memWriter{}
	l := audit.NewLogger(nil, audit.WithDurable(durable, audit.NewDispatchPolicy()))
	defer l.Close(context.Background())

	var ids []string
	for i := 0; i < 20; i++ {
		e, _ := l.Record(context.Background(), readEvent())
		ids = append(ids, e.ID)
	}
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	got := durable.Events()
	if len(got) != len(ids) {
		t.Fatalf("got %d events, want %d", len(got), len(ids))
	}
	for i := range ids {
		if got[i].ID != ids[i] {
			t.Fatalf("event %d out of order", i)
		}
	}
}

func TestRecord_DetachedFromRequestCancellation(t *testing.T) {
	durable := &memWriter{}
	l := audit.NewLogger(nil, audit.WithDurable(durable, audit.DefaultDispatchPolicy()))
	defer l.Close(context.Background())

	ctx, cancel := context.WithCancel(correlation.With(context.Background(), correlation.Context{RequestID: "gone"}))
	cancel()

	if _, err := l.Record(ctx, loginFailure()); err != nil {
		t.Fatalf("Record() with canceled ctx error: %v", err)
	}
	l.Log(ctx, readEvent())
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if got := len(durable.Events()); got != 2 {
		t.Fatalf("durable has %d events, want 2", got)
	}
	durable.mu.Lock()
	defer durable.mu.Unlock()
	for i, err := range durable.ctxErrs {
		if err != nil {
			t.Errorf("append %d saw ctx error %v", i, err)
		}
	}
}

func TestRecord_QueueFullDrops(t *testing.T) {
	durable := &memWriter{block: make(chan struct{}), entered: make(chan struct{}, 4)}
	l := audit.NewLogger(nil,
		audit.WithDurable(durable, audit.NewDispatchPolicy()),
		audit.WithQueueSize(1),
	)

	before := telemetry.CounterValue(telemetry.AuditEventsDroppedTotal, prometheus.Labels{"reason": "queue_full"})

	l.Log(context.Background(), readEvent()) // taken by the worker, blocks
	select {
	case <-durable.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first event")
	}
	l.Log(context.Background(), readEvent()) // fills the queue
	l.Log(context.Background(), readEvent()) // dropped

	after := telemetry.CounterValue(telemetry.AuditEventsDroppedTotal, prometheus.Labels{"reason": "queue_full"})
	if after-before != 1 {
		t.Errorf("dropped{queue_full} delta = %v, want 1", after-before)
	}

	close(durable.block)
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if got := len(durable.Events()); got != 2 {
		t.Errorf("durable has %d events, want 2", got)
	}
}

// ---------------------------------------------------------------------------
// Flush / Close
// ---------------------------------------------------------------------------

func TestClose_DrainsAndClosesWriters(t *testing.T) {
	inline := &memWriter{}
	durable := &memWriter{}
	l := audit.NewLogger(inline, audit.WithDurable(durable, audit.NewDispatchPolicy()))

	for i := 0; i < 5; i++ {
		l.Log(context.Background(), readEvent())
	}
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if got := len(durable.Events()); got != 5 {
		t.Errorf("durable has %d events after Close, want 5", got)
	}
	if !inline.closed || !durable.closed {
		t.Error("writers were not closed")
	}
	if inline.flushes == 0 || durable.flushes == 0 {
		t.Error("writers were not flushed")
	}

	// A second Close is a no-op; recording afterwards writes synchronously.
	if err := l.Close(context.Background()); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	l.Log(context.Background(), readEvent())
	if got := len(durable.Events()); got != 6 {
		t.Errorf("durable has %d events after post-close Log, want 6", got)
	}
}

func TestFlush_WithoutDurable(t *testing.T) {
	inline := &memWriter{}
	l := audit.NewLogger(inline)
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if inline.flushes != 1 {
		t.Errorf("inline flushes = %d, want 1", inline.flushes)
	}
}

func TestRecord_CountsAcceptedEvents(t *testing.T) {
	l := audit.NewLogger(&memWriter{})
	labels := prometheus.Labels{"event_type": "authentication", "outcome": "failure"}
	before := telemetry.CounterValue(telemetry.AuditEventsTotal, labels)
	l.Log(context.Background(), loginFailure())
	if d := telemetry.CounterValue(telemetry.AuditEventsTotal, labels) - before; d != 1 {
		t.Errorf("events_total delta = %v, want 1", d)
	}
}
