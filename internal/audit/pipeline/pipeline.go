// Package pipeline assembles the audit Logger from configuration.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/auditcore/auditcore/internal/audit"
	"github.com/auditcore/auditcore/internal/audit/fanout"
	"github.com/auditcore/auditcore/internal/audit/resilient"
	"github.com/auditcore/auditcore/internal/config"
	"github.com/auditcore/auditcore/internal/redact"

	// Writer backends register themselves with the audit factory.
	_ "github.com/auditcore/auditcore/internal/audit/kafka"
	_ "github.com/auditcore/auditcore/internal/audit/logsink"
	_ "github.com/auditcore/auditcore/internal/audit/redisstream"
	_ "github.com/auditcore/auditcore/internal/audit/rollingfile"
	_ "github.com/auditcore/auditcore/internal/audit/store"
	_ "github.com/auditcore/auditcore/internal/audit/webhook"
)

// Pipeline is the assembled audit logger plus the read side of the durable
// store, when one is configured.
type Pipeline struct {
	Logger *audit.Logger
	Reader audit.Reader
}

// Build creates every enabled writer. Durable writers are composed into the
// durable group and dispatched per the sync policy; the rest form the inline
// group that is always awaited.
func Build(cfg config.AuditConfig, deps audit.Deps, red *redact.Redactor) (*Pipeline, error) {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if !cfg.Enabled {
		return &Pipeline{Logger: audit.NewLogger(nil, audit.WithRedactor(red), audit.WithSlog(deps.Logger))}, nil
	}

	var inline, durable []fanout.Member
	var reader audit.Reader
	var created []audit.Writer

	fail := func(err error) (*Pipeline, error) {
		for _, w := range created {
			_ = audit.Close(w)
		}
		return nil, err
	}

	for _, wc := range cfg.Writers {
		if !wc.Enabled {
			continue
		}
		w, err := audit.NewWriter(wc, deps)
		if err != nil {
			return fail(err)
		}
		created = append(created, w)
		if r, ok := w.(audit.Reader); ok && reader == nil {
			reader = r
		}
		if wc.Resilience != nil {
			w = resilient.Wrap(wc.WriterName(), w, *wc.Resilience, deps.Logger)
		}
		m := fanout.Member{Name: wc.WriterName(), Writer: w}
		if wc.Durable {
			durable = append(durable, m)
		} else {
			inline = append(inline, m)
		}
	}

	policy, err := Policy(cfg.SyncEventTypes)
	if err != nil {
		return fail(err)
	}

	opts := []audit.LoggerOption{
		audit.WithRedactor(red),
		audit.WithSlog(deps.Logger),
		audit.WithQueueSize(cfg.QueueSize),
	}
	if cfg.MemberTimeout > 0 {
		opts = append(opts, audit.WithAppendTimeout(cfg.MemberTimeout))
	}
	if len(durable) > 0 {
		opts = append(opts, audit.WithDurable(fanout.New(durable, cfg.MemberTimeout, deps.Logger), policy))
	}
	var inlineWriter audit.Writer
	if len(inline) > 0 {
		inlineWriter = fanout.New(inline, cfg.MemberTimeout, deps.Logger)
	}

	deps.Logger.Info("audit pipeline ready",
		"inline", memberNames(inline),
		"durable", memberNames(durable),
		"sync_event_types", cfg.SyncEventTypes,
	)
	return &Pipeline{Logger: audit.NewLogger(inlineWriter, opts...), Reader: reader}, nil
}

// Policy converts configured event type names into a dispatch policy.
func Policy(types []string) (audit.DispatchPolicy, error) {
	syncTypes := make([]audit.EventType, 0, len(types))
	var errs []error
	for _, t := range types {
		et := audit.EventType(t)
		if !et.Valid() {
			errs = append(errs, fmt.Errorf("unknown event type %q", t))
			continue
		}
		syncTypes = append(syncTypes, et)
	}
	if err := errors.Join(errs...); err != nil {
		return audit.DispatchPolicy{}, err
	}
	return audit.NewDispatchPolicy(syncTypes...), nil
}

func memberNames(ms []fanout.Member) []string {
	names := make([]string, len(ms))
	for i, m := range ms {
		names[i] = m.Name
	}
	return names
}
