// Package resilient wraps an audit writer in a circuit breaker with retries.
// Retries absorb transient failures; the breaker stops hammering a backend
// that is down so appends fail fast instead of waiting out every timeout.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"

	"github.com/auditcore/auditcore/internal/audit"
	"github.com/auditcore/auditcore/internal/config"
)

const (
	defaultAttempts         = 3
	defaultDelay            = 100 * time.Millisecond
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("audit writer circuit open")

// Writer retries and guards another writer.
type Writer struct {
	name     string
	next     audit.Writer
	cb       *gobreaker.CircuitBreaker
	attempts uint
	delay    time.Duration
}

// Wrap guards next. Zero fields of cfg take defaults.
func Wrap(name string, next audit.Writer, cfg config.ResilienceConfig, log *slog.Logger) *Writer {
	if cfg.Attempts == 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Delay == 0 {
		cfg.Delay = defaultDelay
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	threshold := cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("audit writer circuit state changed", "writer", name, "from", from.String(), "to", to.String())
		},
	})
	return &Writer{name: name, next: next, cb: cb, attempts: cfg.Attempts, delay: cfg.Delay}
}

// State reports the breaker state.
func (w *Writer) State() gobreaker.State { return w.cb.State() }

func (w *Writer) call(ctx context.Context, fn func(context.Context) error) error {
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.attempts),
			retry.Delay(w.delay),
			retry.DelayType(retry.BackOffDelay),
		)
		return nil, r.Do(func() error { return fn(ctx) })
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrOpen, w.name)
	}
	return err
}

// Append retries next.Append. The durable store ignores duplicate ids, so a
// retry after an ambiguous failure does not duplicate the event.
func (w *Writer) Append(ctx context.Context, e audit.Event) error {
	return w.call(ctx, func(ctx context.Context) error { return w.next.Append(ctx, e) })
}

func (w *Writer) Flush(ctx context.Context) error {
	return w.call(ctx, w.next.Flush)
}

// Close closes the wrapped writer.
func (w *Writer) Close() error {
	return audit.Close(w.next)
}

// Unwrap returns the guarded writer.
func (w *Writer) Unwrap() audit.Writer { return w.next }
