// internal/logging/logger.go
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level, format and destination of the service log.
type Config struct {
	Level  string // trace, debug, info, warn, error
	Format string // json or console
	Output string // stdout, stderr or a file path
}

// New creates the service logger.
// A file output that cannot be opened falls back to stdout.
func New(service, version string, cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	output := openOutput(cfg.Output)

	if cfg.Format == "console" || cfg.Format == "text" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(parseLogLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()
}

func openOutput(dst string) io.Writer {
	switch dst {
	case "stdout", "":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return os.Stdout
	}
	return f
}

// parseLogLevel converts a string log level to zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithDevice adds the device name to every event of l.
func WithDevice(l zerolog.Logger, device string) zerolog.Logger {
	return l.With().Str("device", device).Logger()
}
