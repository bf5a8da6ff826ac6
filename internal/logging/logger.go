// Package logging builds the service's zerolog logger.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects verbosity and output shape.
type Config struct {
	Level  string // debug, info, warn, error (default info)
	Format string // json (default) or pretty for local development
}

// New constructs the root logger. Components derive child loggers from it
// via With().Str("component", ...).
func New(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)

	var logger zerolog.Logger
	if strings.EqualFold(cfg.Format, "pretty") {
		writer := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		logger = zerolog.New(writer)
	} else {
		logger = zerolog.New(os.Stdout)
	}

	return logger.Level(level).With().
		Timestamp().
		Str("service", "screener").
		Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// RecoverPanic logs a recovered panic with its origin. Use in goroutines
// that must not take the process down:
//
//	defer logging.RecoverPanic(logger, "broadcast")
func RecoverPanic(logger zerolog.Logger, origin string) {
	if r := recover(); r != nil {
		logger.Error().
			Interface("panic", r).
			Str("origin", origin).
			Msg("Recovered from panic")
	}
}
