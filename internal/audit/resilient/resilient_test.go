package resilient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditcore/auditcore/internal/audit"
	"github.com/auditcore/auditcore/internal/config"
)

// flakyWriter fails the first failN appends.
type flakyWriter struct {
	mu     sync.Mutex
	calls  int
	failN  int
	closed bool
}

func (f *flakyWriter) Append(context.Context, audit.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return errors.New("transient")
	}
	return nil
}

func (f *flakyWriter) Flush(context.Context) error { return nil }

func (f *flakyWriter) Close() error {
	f.closed = true
	return nil
}

func event() audit.Event {
	return audit.NewEvent(audit.EventAuthentication).
		Resource(audit.ResourceUser, "u").
		Action(audit.ActionLoginFailure).
		Outcome(audit.OutcomeDenied).
		MustBuild()
}

func fastConfig() config.ResilienceConfig {
	return config.ResilienceConfig{Attempts: 3, Delay: time.Millisecond, FailureThreshold: 2, OpenTimeout: time.Hour}
}

func TestAppend_RetriesTransientFailure(t *testing.T) {
	next := &flakyWriter{failN: 2}
	w := Wrap("store", next, fastConfig(), nil)

	require.NoError(t, w.Append(context.Background(), event()))
	assert.Equal(t, 3, next.calls)
	assert.Equal(t, gobreaker.StateClosed, w.State())
}

func TestAppend_OpensAfterRepeatedFailure(t *testing.T) {
	next := &flakyWriter{failN: 1000}
	w := Wrap("store", next, fastConfig(), nil)

	for i := 0; i < 2; i++ {
		err := w.Append(context.Background(), event())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrOpen)
	}
	assert.Equal(t, gobreaker.StateOpen, w.State())

	calls := next.calls
	err := w.Append(context.Background(), event())
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, calls, next.calls, "open breaker must not call the writer")
}

func TestAppend_StopsOnCanceledContext(t *testing.T) {
	next := &flakyWriter{failN: 1000}
	w := Wrap("store", next, config.ResilienceConfig{Attempts: 10, Delay: 50 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, w.Append(ctx, event()))
	assert.Less(t, next.calls, 10)
}

func TestDefaultsAndClose(t *testing.T) {
	next := &flakyWriter{}
	w := Wrap("file", next, config.ResilienceConfig{}, nil)
	assert.Equal(t, uint(defaultAttempts), w.attempts)
	assert.Equal(t, defaultDelay, w.delay)
	assert.Same(t, next, w.Unwrap())

	require.NoError(t, w.Flush(context.Background()))
	require.NoError(t, audit.Close(w))
	assert.True(t, next.closed)
}
