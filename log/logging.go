// Package log provides a public logging interface for go.opentelemetry.io/fpwalk.
package log // import "go.opentelemetry.io/fpwalk/log"

import (
	"log/slog"

	"go.opentelemetry.io/fpwalk/internal/log"
)

// SetLevel configures the log level for the internal logger.
func SetLevel(level slog.Level) {
	log.SetLevelLogger(level)
}

// SetLogger configures the internal logger.
func SetLogger(l slog.Logger) {
	log.SetLogger(l)
}
