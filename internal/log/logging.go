// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package log holds the process wide logger used by the fpwalk packages.
package log // import "go.opentelemetry.io/fpwalk/internal/log"

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// globalLogger holds a reference to the [slog.Logger] used within
// go.opentelemetry.io/fpwalk. The default logger writes Info and above to stderr.
var globalLogger = func() *atomic.Pointer[slog.Logger] {
	p := new(atomic.Pointer[slog.Logger])
	p.Store(newStderrLogger(slog.LevelInfo))
	return p
}()

func newStderrLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// SetLogger sets the global Logger to l.
func SetLogger(l slog.Logger) {
	globalLogger.Store(&l)
}

// SetLevelLogger replaces the global logger with a stderr logger of the given level.
func SetLevelLogger(level slog.Level) {
	globalLogger.Store(newStderrLogger(level))
}

func getLogger() *slog.Logger {
	return globalLogger.Load()
}

func logf(level slog.Level, msg string, args ...any) {
	l := getLogger()
	if !l.Enabled(context.Background(), level) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.Log(context.Background(), level, msg)
}

// Debugf logs detailed information about individual unwind steps.
func Debugf(msg string, args ...any) {
	logf(slog.LevelDebug, msg, args...)
}

// Infof logs informational messages.
func Infof(msg string, args ...any) {
	logf(slog.LevelInfo, msg, args...)
}

// Warnf logs conditions that degrade a result without failing it, e.g.
// a truncated backtrace or an unreadable symbol table.
func Warnf(msg string, args ...any) {
	logf(slog.LevelWarn, msg, args...)
}

// Errorf logs error messages.
func Errorf(msg string, args ...any) {
	logf(slog.LevelError, msg, args...)
}
