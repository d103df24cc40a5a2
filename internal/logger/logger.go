// Package logger owns the process-wide structured logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger. Components derive children with For.
var Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// Setup replaces the root logger according to the configured level and format.
// Unknown levels fall back to info; format "json" writes raw JSON lines.
func Setup(level, format string, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(format, "json") {
		Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	SetLevel(level)
}

// SetLevel changes the global level at runtime (used by config hot-reload).
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// For returns a child logger tagged with the component name.
func For(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// Discard silences all logging; tests call it to keep output clean.
func Discard() {
	Logger = zerolog.Nop()
}
