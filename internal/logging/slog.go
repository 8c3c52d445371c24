// Package logging adapts log/slog to the types.Logger interface used by the
// queue clients and consumers.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/slackmgr/types"
)

// Logger implements types.Logger on top of a *slog.Logger.
type Logger struct {
	logger *slog.Logger
	exit   func(code int)
}

var _ types.Logger = (*Logger)(nil)

// New returns a Logger writing to w. Format is "json" or "text".
func New(w io.Writer, format string, level slog.Level) *Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{logger: slog.New(handler), exit: os.Exit}
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog.Level.
// Anything else returns fallback.
func ParseLevel(raw string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}

// Slog returns the underlying slog logger.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

func (l *Logger) WithField(key string, value any) types.Logger {
	return &Logger{logger: l.logger.With(key, value), exit: l.exit}
}

func (l *Logger) WithFields(fields map[string]any) types.Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}

	return &Logger{logger: l.logger.With(args...), exit: l.exit}
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug(msg)
}

func (l *Logger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *Logger) Info(msg string) {
	l.logger.Info(msg)
}

func (l *Logger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(msg string) {
	l.logger.Warn(msg)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Error(msg string) {
	l.logger.Error(msg)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

// Fatal logs at error level and exits with status 1.
func (l *Logger) Fatal(msg string) {
	l.logger.Error(msg)
	l.exit(1)
}

func (l *Logger) Fatalf(format string, args ...any) {
	l.Fatal(fmt.Sprintf(format, args...))
}
