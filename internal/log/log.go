// Package log provides structured logging for the orchestrator using
// zerolog, with per-component child loggers and the node/task context
// fields the control plane attaches to nearly every message.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured once via Init.
var Logger zerolog.Logger

// Level is the configured minimum severity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how Init builds the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Safe to call again on config reload.
func Init(cfg Config) {
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
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	// Sensible default so components can log before Init runs (e.g. in tests).
	Init(Config{Level: InfoLevel})
}

// WithComponent returns a child logger tagged with the owning component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID returns a child logger tagged with a node_id field.
func WithNodeID(logger zerolog.Logger, nodeID string) zerolog.Logger {
	return logger.With().Str("node_id", nodeID).Logger()
}

// WithTaskID returns a child logger tagged with a task_id field.
func WithTaskID(logger zerolog.Logger, taskID string) zerolog.Logger {
	return logger.With().Str("task_id", taskID).Logger()
}
