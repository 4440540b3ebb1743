package correlation

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------------------
// ExtractOrGenerate
// ---------------------------------------------------------------------------

func TestExtractOrGenerate_GeneratesFreshUUIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := ExtractOrGenerate(http.Header{})
		_, err := uuid.Parse(id)
		require.NoError(t, err, "generated id %q is not a UUID", id)
		assert.False(t, seen[id], "duplicate id %q", id)
		seen[id] = true
	}
}

func TestExtractOrGenerate_ReusesInbound(t *testing.T) {
	h := http.Header{}
	h.Set(Header, "client-req-42")
	for i := 0; i < 3; i++ {
		assert.Equal(t, "client-req-42", ExtractOrGenerate(h))
	}
}

func TestExtractOrGenerate_EdgeCases(t *testing.T) {
	t.Run("blank header generates", func(t *testing.T) {
		h := http.Header{}
		h.Set(Header, "   ")
		_, err := uuid.Parse(ExtractOrGenerate(h))
		assert.NoError(t, err)
	})
	t.Run("lowercase header name", func(t *testing.T) {
		h := http.Header{}
		h.Set("x-request-id", "abc")
		assert.Equal(t, "abc", ExtractOrGenerate(h))
	})
	t.Run("long id truncated", func(t *testing.T) {
		h := http.Header{}
		h.Set(Header, strings.Repeat("a", 500))
		assert.Len(t, ExtractOrGenerate(h), maxRequestIDLen)
	})
	t.Run("truncation keeps runes whole", func(t *testing.T) {
		h := http.Header{}
		h.Set(Header, "a"+strings.Repeat("é", 200))
		id := ExtractOrGenerate(h)
		assert.True(t, utf8.ValidString(id))
		assert.Len(t, id, maxRequestIDLen-1)
		assert.Equal(t, "a"+strings.Repeat("é", 63), id)
	})
	t.Run("invalid utf-8 rejected", func(t *testing.T) {
		h := http.Header{}
		h[Header] = []string{"req-\xff\xfe"}
		_, err := uuid.Parse(ExtractOrGenerate(h))
		assert.NoError(t, err)
	})
	t.Run("control characters rejected", func(t *testing.T) {
		h := http.Header{}
		h[Header] = []string{"abc\ninjected=1"}
		id := ExtractOrGenerate(h)
		assert.NotContains(t, id, "injected")
	})
}

// ---------------------------------------------------------------------------
// Install / retrieve
// ---------------------------------------------------------------------------

func TestCurrent_OutsideScopeReturnsZero(t *testing.T) {
	_, ok := From(context.Background())
	assert.False(t, ok)
	assert.Equal(t, Context{}, Current(context.Background()))
	assert.Equal(t, "", RequestID(context.Background()))
	assert.Equal(t, Context{}, Current(nil))
}

func TestRun_InstallsForScope(t *testing.T) {
	outer := context.Background()
	err := Run(outer, Context{RequestID: "r1", ActorID: "u1"}, func(ctx context.Context) error {
		c, ok := From(ctx)
		require.True(t, ok)
		assert.Equal(t, "r1", c.RequestID)
		assert.Equal(t, "u1", c.ActorID)
		return nil
	})
	require.NoError(t, err)
	_, ok := From(outer)
	assert.False(t, ok, "scope must not leak into the parent context")
}

func TestWith_CopiesCustomFields(t *testing.T) {
	fields := map[string]string{"tenant": "a"}
	ctx := With(context.Background(), Context{RequestID: "r", CustomFields: fields})
	fields["tenant"] = "b"
	assert.Equal(t, "a", Current(ctx).CustomFields["tenant"])
}

func TestWithFieldAndActor_DoNotMutateParent(t *testing.T) {
	parent := With(context.Background(), Context{RequestID: "r", CustomFields: map[string]string{"a": "1"}})
	child := WithField(parent, "b", "2")
	child = WithActor(child, "user-9")

	assert.Equal(t, map[string]string{"a": "1"}, Current(parent).CustomFields)
	assert.Equal(t, "", Current(parent).ActorID)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, Current(child).CustomFields)
	assert.Equal(t, "user-9", Current(child).ActorID)

	bare := context.Background()
	assert.Equal(t, bare, WithField(bare, "x", "y"), "no-op outside a scope")
	assert.Equal(t, bare, WithActor(bare, "u"))
}

// ---------------------------------------------------------------------------
// Isolation under concurrency
// ---------------------------------------------------------------------------

func TestConcurrentRequests_NoCrossContamination(t *testing.T) {
	const requests = 50
	var wg sync.WaitGroup
	errs := make(chan error, requests*4)

	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("req-%d", i)
			_ = Run(context.Background(), Context{RequestID: want}, func(ctx context.Context) error {
				g, gctx := errgroup.WithContext(ctx)
				for j := 0; j < 4; j++ {
					Go(gctx, g, func(ctx context.Context) error {
						// Yield so goroutines of different requests interleave.
						time.Sleep(time.Duration(j) * time.Millisecond)
						if got := RequestID(ctx); got != want {
							errs <- fmt.Errorf("request %s observed %s", want, got)
						}
						return nil
					})
				}
				return g.Wait()
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestGo_WithoutScope(t *testing.T) {
	var g errgroup.Group
	Go(context.Background(), &g, func(ctx context.Context) error {
		_, ok := From(ctx)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, g.Wait())
}

func TestDetach_KeepsValuesDropsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(With(context.Background(), Context{RequestID: "r-detach"}))
	cancel()
	d := Detach(ctx)
	assert.NoError(t, d.Err())
	assert.Equal(t, "r-detach", RequestID(d))
}

// ---------------------------------------------------------------------------
// Logging and tracing attachment
// ---------------------------------------------------------------------------

func TestLogger_OptInAttributes(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := With(context.Background(), Context{RequestID: "r-log", RunID: "run-1", CustomFields: map[string]string{"team": "ml"}})
	Logger(ctx, base).Info("hello")
	out := buf.String()
	assert.Contains(t, out, "request_id=r-log")
	assert.Contains(t, out, "run_id=run-1")
	assert.Contains(t, out, "team=ml")
	assert.NotContains(t, out, "actor_id", "empty fields are omitted")

	buf.Reset()
	base.InfoContext(ctx, "plain")
	assert.NotContains(t, buf.String(), "request_id", "attachment is never automatic")

	assert.Same(t, base, Logger(context.Background(), base))
}

func TestAnnotateSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx := With(context.Background(), Context{RequestID: "r-span", ExperimentID: "exp-7"})
	ctx, span := tp.Tracer("test").Start(ctx, "op")
	AnnotateSpan(ctx)
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	attrs := ended[0].Attributes()
	assert.Contains(t, attrs, attribute.String("request.id", "r-span"))
	assert.Contains(t, attrs, attribute.String("experiment.id", "exp-7"))

	// No span, no scope: both are no-ops.
	AnnotateSpan(context.Background())
	AnnotateSpan(With(context.Background(), Context{RequestID: "x"}))
}
