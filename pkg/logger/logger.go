// Package logger builds the service's zerolog loggers: one root logger at
// startup, component children derived from it, and request-scoped children
// carrying correlation IDs.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // human-readable console output for development
}

// New creates the root structured logger. The global level is set so child
// loggers derived anywhere in the process inherit it; unknown level strings
// fall back to info.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "oms").
		Logger()
}

// SetGlobalLogger routes the zerolog package-level logger through l, for
// call sites that log before wiring completes.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}

// ForRequest derives a request-scoped child logger carrying the correlation
// IDs, so every line written while serving one request lines up in search.
// Empty IDs are omitted rather than logged as empty strings.
func ForRequest(l zerolog.Logger, requestID, traceID string) zerolog.Logger {
	ctx := l.With()
	if requestID != "" {
		ctx = ctx.Str("request_id", requestID)
	}
	if traceID != "" {
		ctx = ctx.Str("trace_id", traceID)
	}
	return ctx.Logger()
}
