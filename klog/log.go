// Package klog wraps the structured logger every other package in this
// module reports through. Programming errors (a call made against a
// sunk message, an enqueue after no-more-work, a forward with no sink)
// are never returned as Go errors from the hot path; they're logged as
// warnings and the offending call becomes a no-op, matching the system
// this kernel is modeled on.
package klog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logger used throughout the kernel.
type Logger = logiface.Logger[*stumpy.Event]

// New builds a Logger writing newline-delimited JSON to w (os.Stderr if
// w is nil).
func New(w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(w),
		),
	)
}

// Default is the package-level logger used by components that aren't
// handed one explicitly.
var Default = New(os.Stderr)

// Programming reports a caller misuse as a warning: wrong component,
// bad arguments, violated invariant. The call it guards is still a
// no-op; this only records that it happened.
func Programming(l *Logger, component, msg string) {
	if l == nil {
		l = Default
	}
	l.Warning().Str("component", component).Log(msg)
}

// Error reports an operational failure: something that happened at
// runtime rather than a caller mistake.
func Error(l *Logger, component string, err error) {
	if l == nil {
		l = Default
	}
	l.Err().Str("component", component).Err(err).Log("operation failed")
}
