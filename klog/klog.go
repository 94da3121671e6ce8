// Package klog is the kernel's single leveled-logging facade. It wraps
// log/slog with a custom Handler the way smoynes-elsie/internal/log wraps
// slog for its monitor CLI, but formats each record onto one line and
// writes it synchronously: a kernel that is about to panic must not lose
// its last log line to a buffered writer.
package klog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Level re-exports slog.Level so callers never need to import log/slog
// directly.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// consoleLevel is the run-time adjustable logging threshold:
// recoverable returns log at Debug, kernel-fatal conditions at Error.
var consoleLevel = &slog.LevelVar{}

// handler implements slog.Handler, writing one formatted line per record
// directly to the console writer supplied to Init.
type handler struct {
	mut   *sync.Mutex
	out   io.Writer
	attrs []slog.Attr
}

// Init installs w (the console/UART collaborator, out of scope here)
// as the destination for all kernel log output and returns the
// *slog.Logger built on top of it. Must be called exactly once during boot
// wiring before any other kernel code logs.
func Init(w io.Writer) *slog.Logger {
	h := &handler{out: w, mut: &sync.Mutex{}}
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}

// SetLevel adjusts the minimum level that will be written.
func SetLevel(l Level) { consoleLevel.Set(l) }

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= consoleLevel.Level()
}

func (h *handler) Handle(_ context.Context, rec slog.Record) error {
	h.mut.Lock()
	defer h.mut.Unlock()

	fmt.Fprintf(h.out, "[%s] %s", rec.Level.String(), rec.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(h.out, " %s=%v", a.Key, a.Value.Any())
	}
	rec.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(h.out, " %s=%v", a.Key, a.Value.Any())
		return true
	})
	fmt.Fprintln(h.out)
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	na := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	na = append(na, h.attrs...)
	na = append(na, attrs...)
	return &handler{out: h.out, mut: h.mut, attrs: na}
}

func (h *handler) WithGroup(_ string) slog.Handler {
	// The kernel's log lines are flat; grouping is not needed for a
	// single-hart kernel's serial console.
	return h
}
