// Package fanout composes audit writers. Every event goes to every member
// concurrently; one failing or slow member never prevents the others.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/auditcore/auditcore/internal/audit"
	"github.com/auditcore/auditcore/internal/safego"
	"github.com/auditcore/auditcore/internal/telemetry"
)

// DefaultMemberTimeout bounds each member call when no timeout is configured.
const DefaultMemberTimeout = 5 * time.Second

// Member is a named writer inside a composite.
type Member struct {
	Name   string
	Writer audit.Writer
}

// PartialFailureError is returned when some members failed. Err joins the
// individual failures, each wrapped in an *audit.WriteError.
type PartialFailureError struct {
	Failed int
	Total  int
	Err    error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%d of %d audit writers failed: %v", e.Failed, e.Total, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// Writer dispatches to an ordered list of members.
type Writer struct {
	members []Member
	timeout time.Duration
	log     *slog.Logger
}

// New returns a composite over members. A non-positive timeout selects
// DefaultMemberTimeout.
func New(members []Member, timeout time.Duration, log *slog.Logger) *Writer {
	if timeout <= 0 {
		timeout = DefaultMemberTimeout
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Writer{members: members, timeout: timeout, log: log}
}

// Members returns the member names in order.
func (w *Writer) Members() []string {
	names := make([]string, len(w.members))
	for i, m := range w.members {
		names[i] = m.Name
	}
	return names
}

// Append writes e to every member and waits for all of them.
func (w *Writer) Append(ctx context.Context, e audit.Event) error {
	return w.each(ctx, "append", func(ctx context.Context, m audit.Writer) error {
		return m.Append(ctx, e)
	})
}

// Flush flushes every member.
func (w *Writer) Flush(ctx context.Context) error {
	return w.each(ctx, "flush", func(ctx context.Context, m audit.Writer) error {
		return m.Flush(ctx)
	})
}

// Close closes members that hold resources.
func (w *Writer) Close() error {
	var errs []error
	for _, m := range w.members {
		if err := audit.Close(m.Writer); err != nil {
			errs = append(errs, audit.NewWriteError(m.Name, "close", err))
		}
	}
	return errors.Join(errs...)
}

// each runs fn for every member. Errors are kept per slot rather than returned
// to the group so that a failure never cancels siblings. A panicking member is
// recorded as a failure of that member.
func (w *Writer) each(ctx context.Context, op string, fn func(context.Context, audit.Writer) error) error {
	if len(w.members) == 0 {
		return nil
	}
	errs := make([]error, len(w.members))
	var g errgroup.Group
	for i, m := range w.members {
		g.Go(func() error {
			mctx, cancel := context.WithTimeout(ctx, w.timeout)
			defer cancel()

			start := time.Now()
			var err error
			if perr := safego.Run(func() { err = fn(mctx, m.Writer) }); perr != nil {
				err = perr
			}
			telemetry.AuditWriterDuration.WithLabelValues(m.Name).Observe(time.Since(start).Seconds())
			if err != nil {
				telemetry.AuditWriterFailuresTotal.WithLabelValues(m.Name, op).Inc()
				w.log.WarnContext(ctx, "audit writer failed", "writer", m.Name, "op", op, "error", err)
				errs[i] = audit.NewWriteError(m.Name, op, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	return &PartialFailureError{Failed: failed, Total: len(w.members), Err: errors.Join(errs...)}
}
