package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/auditcore/auditcore/internal/config"
)

// Writer is an audit sink. Append persists one event; Flush pushes out anything
// buffered. Implementations must be safe for concurrent use and must preserve
// creation order of the events they receive from a single goroutine.
type Writer interface {
	Append(ctx context.Context, e Event) error
	Flush(ctx context.Context) error
}

// WriteError wraps a failure of a specific writer to persist or flush events.
type WriteError struct {
	Writer string
	Op     string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit writer %s: %s: %v", e.Writer, e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// NewWriteError returns nil when err is nil so writers can wrap unconditionally.
func NewWriteError(writer, op string, err error) error {
	if err == nil {
		return nil
	}
	return &WriteError{Writer: writer, Op: op, Err: err}
}

// Archiver receives closed audit files (rotated rolling files) for long-term storage.
type Archiver interface {
	Archive(ctx context.Context, path string) error
}

// Deps are the shared resources writers may need. Writers own their own
// internal state; Deps only carries connections created by main.
type Deps struct {
	DB       *sqlx.DB
	Redis    *redis.Client
	Archiver Archiver
	Logger   *slog.Logger
}

// FactoryFunc builds a writer from its configuration.
type FactoryFunc func(cfg config.AuditWriterConfig, deps Deps) (Writer, error)

var factories = make(map[string]FactoryFunc)

// RegisterWriter registers a writer factory under a config type name.
// Writer packages call it from init(); main blank-imports them.
func RegisterWriter(name string, factory FactoryFunc) {
	factories[name] = factory
}

// RegisteredWriters returns the registered writer type names, sorted.
func RegisteredWriters() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewWriter creates a writer from configuration.
func NewWriter(cfg config.AuditWriterConfig, deps Deps) (Writer, error) {
	factory, ok := factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported audit writer: %s (registered: %v)", cfg.Type, RegisteredWriters())
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	w, err := factory(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s writer: %w", cfg.WriterName(), err)
	}
	return w, nil
}

// Close closes w if it holds resources.
func Close(w Writer) error {
	if c, ok := w.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
