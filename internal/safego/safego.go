// Package safego runs background work with panic recovery.
package safego

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is returned by Run when the function panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Run calls fn and converts a panic into a *PanicError.
func Run(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	fn()
	return nil
}

// Go launches fn in a new goroutine. If fn panics, the panic is recovered and
// logged with the goroutine name rather than crashing the process. Use it for
// fire-and-forget work (archive uploads, queue workers) where an unrecovered
// panic would take down the service.
func Go(name string, fn func()) {
	go func() {
		if err := Run(fn); err != nil {
			pe := err.(*PanicError)
			slog.Error("recovered panic in background goroutine",
				"goroutine", name, "panic", pe.Value, "stack", string(pe.Stack))
		}
	}()
}
