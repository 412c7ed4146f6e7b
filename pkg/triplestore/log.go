package triplestore

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level names a logging verbosity, independent of zerolog's own type so
// callers configuring a TripleStore don't need to import zerolog directly.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// LogConfig configures the logger NewLogger builds.
type LogConfig struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// NewLogger builds a zerolog.Logger per cfg, suitable for Options.Logger.
// Each TripleStore gets its own instance, rather than sharing one global
// logger, so more than one store can run in a process with different
// verbosity.
func NewLogger(cfg LogConfig) zerolog.Logger {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var base zerolog.Logger
	if cfg.JSONOutput {
		base = zerolog.New(output).With().Timestamp().Logger()
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return base.Level(level)
}

// withComponent tags logger with the component that produced its events.
func withComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// withTriple tags logger with the entity and attribute a log line concerns.
func withTriple(logger zerolog.Logger, entityID string, a Attribute) zerolog.Logger {
	return logger.With().Str("entity_id", entityID).Str("attribute", a.String()).Logger()
}
