// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
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

	// File, when set, additionally appends JSON logs to this path.
	File string
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
	logger, _, err := SetupWithFile(cfg)
	if err != nil {
		logger.Warn().Err(err).Str("file", cfg.File).Msg("Log file unavailable, logging to console only")
	}
	return logger
}

// SetupWithFile configures the global logger and returns the opened log
// file, if any, so the caller can close it on exit. A file that cannot be
// opened is reported and console logging still works.
func SetupWithFile(cfg Config) (zerolog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var output io.Writer = out
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: out}
	}

	var (
		closer  io.Closer
		openErr error
	)
	if cfg.File != "" {
		f, err := openLogFile(cfg.File)
		if err != nil {
			openErr = err
		} else {
			closer = f
			output = zerolog.MultiLevelWriter(output, f)
		}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger, closer, openErr
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
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
//   - Pool checkout/checkin, resource creation
//   - Store reads and writes
//   - Billing and session requests (endpoint, status)
//
// Info: Normal operation events
//   - Cycle start and completion with totals
//   - Pool warm-up
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Slow path retries
//   - Fast path failures and billing cooldowns
//   - Corrupt or unreadable state files (store starts empty)
//   - Destroyed pool resources
//
// Error: Error conditions requiring attention
//   - Exhausted retries
//   - Failed persistence
//   - Recovered panics
//   - Configuration errors
//
// Context Fields:
//   - account: account username (never credentials)
//   - cycle_id: id of the cycle a message belongs to
//   - phase: fast or slow
//   - source: where a balance came from (fast, slow, cache)
//   - resource_id: pooled session id
//   - attempt, backoff: retry bookkeeping
//   - reason: failure classification (timeout, auth_failed, ...)
//   - duration: operation duration
//   - pool_size, idle, busy: pool occupancy
