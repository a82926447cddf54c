// Package logging builds the zerolog loggers used across the gateway.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// ClinicalMarker tags audit events that record changes to patient data.
const ClinicalMarker = "CLINICAL"

// Options configures the root logger.
type Options struct {
	Level  string // trace, debug, info, warn, error
	Format string // json or console
	Out    io.Writer
}

// New creates the root logger.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(opts.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Audit derives the audit-trail logger from the root logger.
func Audit(logger zerolog.Logger) zerolog.Logger {
	return logger.With().Str("marker", ClinicalMarker).Logger()
}
