// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
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
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Service is added to every entry as "service" when set.
	Service string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Pretty:  false,
		Output:  os.Stderr,
		Service: "agrocache",
	}
}

// Setup installs the process-wide logger and returns it. The global level and
// log.Logger are replaced, so NewLogger derives from it afterwards.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger

	return logger
}

// levels maps accepted level names, lower-cased, to zerolog levels.
var levels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

// ValidateLevel reports an error for level names Setup would not recognise.
func ValidateLevel(level LogLevel) error {
	if _, ok := levels[strings.ToLower(string(level))]; !ok {
		return fmt.Errorf("unknown log level %q", level)
	}
	return nil
}

// parseLevel converts LogLevel to zerolog.Level. Unknown names log at info.
func parseLevel(level LogLevel) zerolog.Level {
	if l, ok := levels[strings.ToLower(string(level))]; ok {
		return l
	}
	return zerolog.InfoLevel
}

// NewLogger derives a logger from the one installed by Setup and tags every
// entry with component (e.g. "cache", "ratelimit", "http").
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache lookups (tier hit/miss, fingerprint)
//   - Provider fetches and quota updates
//   - Pool dials and discards
//
// Info: Normal operation events
//   - Server startup/shutdown
//   - Durable backend selection
//   - Admin actions (limit updates, resets, cleanup runs)
//
// Warn: Warning conditions that don't prevent operation
//   - Durable cache unavailable (degraded to memory only)
//   - Unreadable durable payloads
//   - Rate limit rejections
//   - Provider retries and low quota throttling
//
// Error: Error conditions requiring attention
//   - Provider failures after retries
//   - Critical provider quota blocks
//   - Configuration and startup errors
//
// Context Fields:
//   - component: emitting package
//   - request_id: per-request id from the HTTP layer
//   - client_id: rate limited caller
//   - fingerprint: cache key
//   - layer: cache tier ("memory", "durable")
//   - error_class: provider error classification (client, server, rate_limit, network)
//   - duration: operation duration
