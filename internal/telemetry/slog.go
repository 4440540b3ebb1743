package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/auditcore/auditcore/internal/config"
)

// ComponentKey is the attribute name that selects a per-component level override.
const ComponentKey = "component"

// ParseLevel maps a configuration level string to a slog.Level.
// Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelController owns the default level and the per-component overrides.
// Levels can be changed at runtime (config hot reload); handlers consult the
// controller on every Enabled call.
type LevelController struct {
	base       slog.LevelVar
	mu         sync.RWMutex
	components map[string]*slog.LevelVar
}

// NewLevelController returns a controller initialised from cfg.
func NewLevelController(cfg config.LoggingConfig) *LevelController {
	lc := &LevelController{components: make(map[string]*slog.LevelVar)}
	lc.Apply(cfg)
	return lc
}

// Apply updates the default level and replaces the set of component overrides.
func (lc *LevelController) Apply(cfg config.LoggingConfig) {
	lc.base.Set(ParseLevel(cfg.Level))

	next := make(map[string]*slog.LevelVar, len(cfg.Components))
	for name, level := range cfg.Components {
		lv := new(slog.LevelVar)
		lv.Set(ParseLevel(level))
		next[name] = lv
	}
	lc.mu.Lock()
	lc.components = next
	lc.mu.Unlock()
}

// Level returns the effective level for a component ("" for the default).
func (lc *LevelController) Level(component string) slog.Level {
	if component != "" {
		lc.mu.RLock()
		lv, ok := lc.components[component]
		lc.mu.RUnlock()
		if ok {
			return lv.Level()
		}
	}
	return lc.base.Level()
}

// componentHandler filters records by the level of the component attached via
// logger.With("component", name). The wrapped handler is built with the lowest
// level so that all filtering happens here.
type componentHandler struct {
	next      slog.Handler
	ctrl      *LevelController
	component string
}

func (h *componentHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.ctrl.Level(h.component)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, a := range attrs {
		if a.Key == ComponentKey {
			component = a.Value.String()
		}
	}
	return &componentHandler{next: h.next.WithAttrs(attrs), ctrl: h.ctrl, component: component}
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	return &componentHandler{next: h.next.WithGroup(name), ctrl: h.ctrl, component: h.component}
}

// NewLogger builds a logger writing to w in the configured format.
//
//	"json"    → JSONHandler (machine readable; recommended for production)
//	"text"    → tint handler, colored when color is true
//	"minimal" → "level=INFO msg=... k=v" without timestamps or source
//
// Source locations are included only when the default level is debug.
func NewLogger(w io.Writer, cfg config.LoggingConfig, color bool) (*slog.Logger, *LevelController) {
	ctrl := NewLevelController(cfg)
	addSource := ctrl.Level("") == slog.LevelDebug

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: addSource})
	case "minimal":
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: slog.LevelDebug,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if len(groups) == 0 && a.Key == slog.TimeKey {
					return slog.Attr{}
				}
				return a
			},
		})
	default:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      slog.LevelDebug,
			AddSource:  addSource,
			TimeFormat: time.DateTime,
			NoColor:    !color,
		})
	}

	return slog.New(&componentHandler{next: handler, ctrl: ctrl}), ctrl
}

// SetupLogger configures the global slog default logger from the logging
// configuration and returns the level controller so callers can hot-reload
// levels. The configured logger is installed as the default so all
// slog.Info/Warn/Error calls elsewhere in the application use it.
func SetupLogger(cfg config.LoggingConfig) (*LevelController, error) {
	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	color := false
	if f, ok := out.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	logger, ctrl := NewLogger(out, cfg, color)
	slog.SetDefault(logger)
	slog.Info("logger initialised", "format", cfg.Format, "level", ctrl.Level("").String(), "components", len(cfg.Components))
	return ctrl, nil
}

func openOutput(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output %s: %w", output, err)
		}
		return f, nil
	}
}

// Component returns the default logger tagged with a component name so that
// per-component level overrides apply to it.
func Component(name string) *slog.Logger {
	return slog.Default().With(ComponentKey, name)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
