// Package logsink forwards audit events to the structured application log.
package logsink

import (
	"context"
	"log/slog"

	"github.com/auditcore/auditcore/internal/audit"
	"github.com/auditcore/auditcore/internal/config"
	"github.com/auditcore/auditcore/internal/telemetry"
)

func init() {
	audit.RegisterWriter("log", func(_ config.AuditWriterConfig, deps audit.Deps) (audit.Writer, error) {
		return New(deps.Logger.With(slog.String(telemetry.ComponentKey, "audit"))), nil
	})
}

// Writer logs each event at a level derived from its outcome. It never fails.
type Writer struct {
	log *slog.Logger
}

// New returns a log sink. A nil logger discards events.
func New(log *slog.Logger) *Writer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Writer{log: log}
}

// Level maps an outcome to a log level.
func Level(o audit.Outcome) slog.Level {
	switch o {
	case audit.OutcomeFailure:
		return slog.LevelError
	case audit.OutcomeDenied:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func (w *Writer) Append(ctx context.Context, e audit.Event) error {
	attrs := []slog.Attr{
		slog.String("event_id", e.ID),
		slog.String("event_type", string(e.Type)),
		slog.String("action", string(e.Action)),
		slog.String("outcome", string(e.Outcome)),
		slog.Group("actor",
			slog.String("kind", string(e.Actor.Kind)),
			slog.String("id", e.Actor.ID),
		),
		slog.Group("resource",
			slog.String("type", string(e.Resource.Type)),
			slog.String("id", e.Resource.ID),
		),
		slog.Time("timestamp", e.Timestamp),
	}
	if e.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", e.RequestID))
	}
	if e.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", e.IPAddress))
	}
	if e.DurationMs != nil {
		attrs = append(attrs, slog.Int64("duration_ms", *e.DurationMs))
	}
	if len(e.Details) > 0 {
		attrs = append(attrs, slog.Any("details", e.Details))
	}
	w.log.LogAttrs(ctx, Level(e.Outcome), "audit event", attrs...)
	return nil
}

func (w *Writer) Flush(context.Context) error { return nil }
