// Package logging builds the process-wide zerolog.Logger from configuration:
// a human-readable console writer in development, structured JSON in
// production, with level taken from config.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/xjog/xjog/internal/config"
)

// New builds a zerolog.Logger per cfg. Format "console" writes
// human-readable, timestamped lines to stderr; any other value ("json" or
// unset) writes structured JSON to stdout. It also sets zerolog's process
// global level to match, so packages that log through zerolog's package-
// level default (rather than a Logger built by New) honor cfg.Level too.
func New(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
		logger = zerolog.New(output)
	} else {
		logger = zerolog.New(os.Stdout)
	}

	return logger.Level(level).With().Timestamp().Logger()
}

// WithCorrelationID returns a child logger carrying id under the
// "correlation_id" field, for tracing a request or chart operation across
// log lines.
func WithCorrelationID(log zerolog.Logger, id string) zerolog.Logger {
	return log.With().Str("correlation_id", id).Logger()
}
