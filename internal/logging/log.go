// Package logging provides the single package-level logger shared by
// every internal component.
package logging

import (
	"log/slog"
	"sync/atomic"
)

// logger holds a custom logger set via SetLogger. A nil value means none
// has been set and Logger() falls back to the cached default.
var logger atomic.Pointer[slog.Logger]

// defaultLogger caches the slog.Default()-derived logger so repeated
// Logger() calls do not re-derive it. SetLogger(nil) clears the cache so
// the next call picks up the current slog.Default().
var defaultLogger atomic.Pointer[slog.Logger]

// Logger returns the current package-level logger, safe for concurrent
// use from any goroutine.
func Logger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l := newDefaultLogger()
	if defaultLogger.CompareAndSwap(nil, l) {
		return l
	}
	if l2 := defaultLogger.Load(); l2 != nil {
		return l2
	}
	return l
}

func newDefaultLogger() *slog.Logger {
	return slog.Default().With("component", "token-manager")
}

// SetLogger replaces the package-level logger. Passing nil resets to a
// freshly-derived default on the next Logger() call.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
	defaultLogger.Store(nil)
}
