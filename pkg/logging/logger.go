// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"

	// LevelDisabled turns logging off entirely.
	LevelDisabled LogLevel = "disabled"
)

// Component names used as the "component" field across the module.
const (
	ComponentTransport = "sf-transport"
	ComponentAuth      = "sf-auth"
	ComponentSchema    = "sf-schema"
	ComponentJob       = "bulk-job"
	ComponentQueue     = "bulk-queue"
	ComponentPaginator = "bulk-paginator"
	ComponentExport    = "bulk-export"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := ParseLevel(string(cfg.Level))
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// ParseLevel converts a level name to a zerolog.Level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Every poll of a bulk job and its state
//   - Each result page (page number, locator)
//   - Cache operations (hit/miss, conditional requests)
//
// Info: Normal operation events
//   - Job submitted, completed, failed or rejected
//   - Batch dispatched / finished by the queue
//   - Token acquired or refreshed
//
// Warn: Warning conditions that don't prevent operation
//   - Transport retries
//   - API usage throttling
//   - Cache errors (fallback to direct request)
//
// Error: Error conditions requiring attention
//   - Fatal job errors (with the originating object)
//   - Requests blocked because the org API usage is critical
//   - Exhausted retries
//
// Context Fields:
//   - object: sObject the job queries
//   - job_id: Bulk API job identifier
//   - state: job lifecycle or remote job state
//   - attempt / delay: poll attempt and the wait before it
//   - page / locator: result page counter and cursor
//   - status: HTTP status code
//   - error_class: transport error classification
//   - api_usage: used/max API requests reported by the org
