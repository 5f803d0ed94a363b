// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package logger provides structured logging for the orchestrator.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance used by packages that do not carry
// their own contextual child logger.
var Logger zerolog.Logger

// Level is a logging verbosity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logger initialization options.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger from cfg. Call once at process startup.
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

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the given component name,
// e.g. "worker", "housekeeper", "queue".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTaskID returns a child logger tagged with a task_id field.
func WithTaskID(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}

// WithPool returns a child logger tagged with a pool field.
func WithPool(pool string) zerolog.Logger {
	return Logger.With().Str("pool", pool).Logger()
}

// WithInstance returns a child logger tagged with an instance_id field.
func WithInstance(instanceID string) zerolog.Logger {
	return Logger.With().Str("instance_id", instanceID).Logger()
}

// WithTrace returns a child logger tagged with a trace_id field, used at the
// Submission Frontend boundary so every downstream log line for a request
// carries the same trace_id even before a task_id exists.
func WithTrace(traceID string) zerolog.Logger {
	return Logger.With().Str("trace_id", traceID).Logger()
}

// Info logs an informational message on the global logger.
func Info(msg string) { Logger.Info().Msg(msg) }

// Debug logs a debug message on the global logger.
func Debug(msg string) { Logger.Debug().Msg(msg) }

// Warn logs a warning message on the global logger.
func Warn(msg string) { Logger.Warn().Msg(msg) }

// Error logs an error message on the global logger.
func Error(msg string) { Logger.Error().Msg(msg) }

// Errorf logs an error message with an attached err field.
func Errorf(msg string, err error) { Logger.Error().Err(err).Msg(msg) }

// Fatal logs a message at fatal level and exits the process.
func Fatal(msg string) { Logger.Fatal().Msg(msg) }
