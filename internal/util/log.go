// Package util holds process-wide helpers shared by the binaries.
package util

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type loggerOptions struct {
	out     io.Writer
	console bool
}

// LoggerOption tweaks NewLogger output.
type LoggerOption func(*loggerOptions)

// WithWriter sends log lines to w instead of stdout.
func WithWriter(w io.Writer) LoggerOption {
	return func(o *loggerOptions) {
		if w != nil {
			o.out = w
		}
	}
}

// WithConsole switches to zerolog's human readable console format.
func WithConsole(enabled bool) LoggerOption {
	return func(o *loggerOptions) { o.console = enabled }
}

// NewLogger builds a timestamped logger at the requested level (info when unparsable).
func NewLogger(level string, opts ...LoggerOption) zerolog.Logger {
	o := loggerOptions{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	out := o.out
	if o.console {
		out = zerolog.ConsoleWriter{Out: o.out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger().Level(lvl)
}

// Component derives a sub-logger tagged with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
