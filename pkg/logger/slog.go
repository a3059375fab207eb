package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// SlogConfig holds configuration for structured logging
type SlogConfig struct {
	Level     slog.Level
	Format    string // "json" or "text"
	AddSource bool
	Stdout    io.Writer
	Stderr    io.Writer
}

// DefaultSlogConfig returns a sensible default configuration
func DefaultSlogConfig() SlogConfig {
	return SlogConfig{
		Level:     slog.LevelInfo,
		Format:    "text",
		AddSource: false,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}
}

// NewSlogLogger creates a new structured logger with level-based output routing
func NewSlogLogger(config SlogConfig) *slog.Logger {
	writer := &LevelAwareWriter{
		Stdout: config.Stdout,
		Stderr: config.Stderr,
	}

	opts := &slog.HandlerOptions{
		Level:     config.Level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	switch config.Format {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	default:
		handler = slog.NewTextHandler(writer, opts)
	}

	return slog.New(handler)
}

// LevelAwareWriter routes log messages to stdout or stderr based on level
type LevelAwareWriter struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (w *LevelAwareWriter) Write(p []byte) (n int, err error) {
	msg := string(p)
	if containsLogLevel(msg, "ERROR", "FATAL", "PANIC") {
		return w.Stderr.Write(p)
	}
	return w.Stdout.Write(p)
}

func containsLogLevel(msg string, levels ...string) bool {
	for _, level := range levels {
		textPattern := "level=" + level
		jsonPattern := `"level":"` + level + `"`
		if strings.Contains(msg, textPattern) || strings.Contains(msg, jsonPattern) {
			return true
		}
	}
	return false
}

// Global structured logger instance
var globalSlogger *slog.Logger

// InitGlobalSlogger initializes the global structured logger
func InitGlobalSlogger(config SlogConfig) {
	globalSlogger = NewSlogLogger(config)
	slog.SetDefault(globalSlogger)
}

// GetGlobalSlogger returns the global structured logger
func GetGlobalSlogger() *slog.Logger {
	if globalSlogger == nil {
		InitGlobalSlogger(DefaultSlogConfig())
	}
	return globalSlogger
}
