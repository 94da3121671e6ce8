// Package kpanic is the single funnel for kernel-fatal (tier-3)
// conditions: out of physical pages, failed page-table allocation,
// scheduler-invariant violations, and supervisor-mode exceptions. Every
// call site logs through klog before unwinding via Go's panic, so a
// kernel-fatal condition always leaves a log line behind even though the
// process that follows (halt, or in tests, recover) never returns here.
package kpanic

import (
	"fmt"
	"log/slog"
)

// Fatal logs msg at error level with attrs, then panics with msg. Callers
// that want the scause name and sepc recorded pass them as
// attrs, e.g. kpanic.Fatal("supervisor exception", "scause", name, "sepc",
// sepc).
func Fatal(msg string, attrs ...any) {
	slog.Default().Error(msg, attrs...)
	panic(msg)
}

// Fatalf is Fatal with Printf-style formatting and no structured attrs,
// for the many call sites ported directly from biscuit's bare
// panic("...") sites that carry no structured context.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.Default().Error(msg)
	panic(msg)
}
