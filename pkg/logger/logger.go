// Package logger provides logging bootstrap for the engine and its
// binaries: a zerolog console logger that routes errors to stderr, and the
// slog construction for the component loggers the engine takes everywhere.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var console zerolog.Logger

func init() {
	console = zerolog.New(splitWriter{
		out: zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339},
		err: zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
	}).With().Timestamp().Logger()
}

// SetLevel adjusts the global zerolog level.
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

func Info(msg string) {
	console.Info().Msg(msg)
}

func Infof(format string, args ...any) {
	console.Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	console.Warn().Msgf(format, args...)
}

func Errorf(format string, args ...any) {
	console.Error().Msgf(format, args...)
}

// splitWriter keeps info-level console output on stdout and errors on
// stderr so piped demo output stays clean.
type splitWriter struct {
	out io.Writer
	err io.Writer
}

func (w splitWriter) Write(p []byte) (int, error) {
	return w.out.Write(p)
}

// WriteLevel implements zerolog.LevelWriter.
func (w splitWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level >= zerolog.ErrorLevel {
		return w.err.Write(p)
	}
	return w.out.Write(p)
}
