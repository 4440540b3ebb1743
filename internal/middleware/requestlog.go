// requestlog.go provides the request/response logging middleware. Every request
// gets a correlation scope, one inbound and one outbound structured log record
// with secrets redacted, and an audit event describing the exchange.
package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mssola/useragent"

	"github.com/auditcore/auditcore/internal/audit"
	"github.com/auditcore/auditcore/internal/config"
	"github.com/auditcore/auditcore/internal/correlation"
	"github.com/auditcore/auditcore/internal/redact"
	"github.com/auditcore/auditcore/internal/telemetry"
)

// FlushTimeout bounds the audit flush performed for a request whose client
// went away before the response was written.
const FlushTimeout = 5 * time.Second

// StatusLevel maps a response status to the severity of the outbound record.
func StatusLevel(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// StatusOutcome maps a response status to an audit outcome.
func StatusOutcome(status int) audit.Outcome {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return audit.OutcomeDenied
	case status >= 400:
		return audit.OutcomeFailure
	default:
		return audit.OutcomeSuccess
	}
}

// UserAgentDetails parses a User-Agent header into audit detail fields.
func UserAgentDetails(ua string) map[string]any {
	if ua == "" {
		return nil
	}
	parsed := useragent.New(ua)
	browser, version := parsed.Browser()
	d := map[string]any{
		"ua_browser": browser,
		"ua_os":      parsed.OS(),
		"ua_bot":     parsed.Bot(),
	}
	if version != "" {
		d["ua_browser_version"] = version
	}
	if parsed.Mobile() {
		d["ua_mobile"] = true
	}
	return d
}

// bodyCapture tees the first max bytes of the response body.
type bodyCapture struct {
	gin.ResponseWriter
	buf bytes.Buffer
	max int
}

func (w *bodyCapture) capture(b []byte) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(b) > room {
			b = b[:room]
		}
		w.buf.Write(b)
	}
}

func (w *bodyCapture) Write(b []byte) (int, error) {
	w.capture(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyCapture) WriteString(s string) (int, error) {
	w.capture([]byte(s))
	return w.ResponseWriter.WriteString(s)
}

// readSnippet reads up to limit bytes of the request body and puts them back
// in front of the remaining stream so the handler sees the full body.
func readSnippet(r *http.Request, limit int) []byte {
	if r.Body == nil || r.Body == http.NoBody || limit <= 0 {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, int64(limit)))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil {
		return nil
	}
	return buf
}

type requestLogger struct {
	log   *slog.Logger
	audit *audit.Logger
	red   *redact.Redactor
	cfg   config.RequestLogConfig
	skip  map[string]bool
}

// RequestLogger returns the request/response logging middleware. Register it
// inside gin.Recovery so a panic is logged here first and then turned into a
// 500 by Recovery:
//
//	router.Use(gin.Recovery())
//	router.Use(RequestLogger(log, auditLogger, redactor, cfg.RequestLog))
//	router.Use(MetricsMiddleware())
//
// The X-Request-ID response header is set before the handler runs, so it is
// present on every response including early writes and panics.
func RequestLogger(log *slog.Logger, auditLogger *audit.Logger, red *redact.Redactor, cfg config.RequestLogConfig) gin.HandlerFunc {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if red == nil {
		red = redact.Default()
	}
	rl := &requestLogger{
		log:   log.With(slog.String(telemetry.ComponentKey, "http")),
		audit: auditLogger,
		red:   red,
		cfg:   cfg,
		skip:  make(map[string]bool, len(cfg.SkipPaths)),
	}
	for _, p := range cfg.SkipPaths {
		rl.skip[p] = true
	}
	return rl.handle
}

func (rl *requestLogger) handle(c *gin.Context) {
	start := time.Now()
	id := correlation.ExtractOrGenerate(c.Request.Header)
	ctx := correlation.With(c.Request.Context(), correlation.Context{
		RequestID: id,
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	c.Request = c.Request.WithContext(ctx)
	c.Set(RequestIDKey, id)
	c.Header(correlation.Header, id)

	// Skipped paths keep their request id but produce no records.
	if rl.skip[c.Request.URL.Path] {
		c.Next()
		return
	}
	correlation.AnnotateSpan(ctx)

	attrs := []slog.Attr{
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("client_ip", c.ClientIP()),
		slog.Any("headers", rl.red.Headers(c.Request.Header)),
	}
	if q := c.Request.URL.RawQuery; q != "" {
		attrs = append(attrs, slog.String("query", rl.red.Text(q)))
	}
	if rl.cfg.LogBodies {
		if snippet := readSnippet(c.Request, rl.cfg.MaxBodyBytes); len(snippet) > 0 {
			attrs = append(attrs, slog.String("body", string(rl.red.JSONBytes(snippet))))
		}
	}
	correlation.Logger(ctx, rl.log).LogAttrs(ctx, slog.LevelInfo, "request started", attrs...)

	var capture *bodyCapture
	if rl.cfg.LogBodies {
		capture = &bodyCapture{ResponseWriter: c.Writer, max: rl.cfg.MaxBodyBytes}
		c.Writer = capture
	}

	defer func() {
		rec := recover()
		rl.finish(c, start, capture, rec)
		if rec != nil {
			panic(rec)
		}
	}()
	c.Next()
}

// finish writes the outbound record and the audit event, then flushes the
// audit pipeline when the client has gone away.
func (rl *requestLogger) finish(c *gin.Context, start time.Time, capture *bodyCapture, rec any) {
	// Handlers may have derived a richer context (for example with the actor).
	ctx := c.Request.Context()
	log := correlation.Logger(ctx, rl.log)
	duration := time.Since(start)
	canceled := ctx.Err() != nil

	status := c.Writer.Status()
	if rec != nil {
		status = http.StatusInternalServerError
	}

	if canceled && rec == nil {
		log.LogAttrs(ctx, slog.LevelDebug, "request cancelled before response",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int64("duration_ms", duration.Milliseconds()),
		)
	} else {
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Int64("duration_ms", duration.Milliseconds()),
			slog.Int("bytes", max(c.Writer.Size(), 0)),
			slog.Any("headers", rl.red.Headers(c.Writer.Header())),
		}
		if capture != nil && capture.buf.Len() > 0 {
			attrs = append(attrs, slog.String("body", string(rl.red.JSONBytes(capture.buf.Bytes()))))
		}
		if rec != nil {
			attrs = append(attrs, slog.Any("panic", rec))
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", rl.red.Text(c.Errors.String())))
		}
		log.LogAttrs(ctx, StatusLevel(status), "request completed", attrs...)
	}

	// An aborted request is still an accepted audit event.
	rl.record(correlation.Detach(ctx), c, status, duration)

	if canceled && rl.audit != nil {
		fctx, cancel := context.WithTimeout(correlation.Detach(ctx), FlushTimeout)
		defer cancel()
		if err := rl.audit.Flush(fctx); err != nil {
			log.Warn("audit flush after cancelled request failed", "error", err)
		}
	}
}

func (rl *requestLogger) record(ctx context.Context, c *gin.Context, status int, duration time.Duration) {
	if rl.audit == nil {
		return
	}
	eventType := audit.EventDataModification
	switch c.Request.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		eventType = audit.EventDataAccess
	}

	b := audit.NewEvent(eventType).
		Resource(audit.ResourceEndpoint, routeOf(c)).
		Action(audit.ActionRequest).
		Outcome(StatusOutcome(status)).
		Duration(duration).
		Detail("method", c.Request.Method).
		Detail("path", c.Request.URL.Path).
		Detail("status", status)
	if q := c.Request.URL.RawQuery; q != "" {
		b.Detail("query", rl.red.Text(q))
	}
	for k, v := range UserAgentDetails(c.Request.UserAgent()) {
		b.Detail(k, v)
	}
	if actor, ok := ActorFromContext(c); ok {
		b.Actor(actor)
	}
	rl.audit.Log(ctx, b)
}
