package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
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

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) *zerolog.Logger {
	child := Logger.With().Str("component", component).Logger()
	return &child
}

// WithBuildID creates a child logger with build_id field
func WithBuildID(buildID string) *zerolog.Logger {
	child := Logger.With().Str("build_id", buildID).Logger()
	return &child
}

// WithWorkerID creates a child logger with worker_id field
func WithWorkerID(workerID string) *zerolog.Logger {
	child := Logger.With().Str("worker_id", workerID).Logger()
	return &child
}

// WithCorrelationID creates a child logger with correlation_id field
func WithCorrelationID(correlationID string) *zerolog.Logger {
	child := Logger.With().Str("correlation_id", correlationID).Logger()
	return &child
}
