// Package logging provides the structured logger shared by the relay.
//
// This file defines the Logger interface used across the collaboration
// handlers, the WebSocket hub and the storage layer, plus a log/slog backed
// implementation with level filtering and text or JSON output.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a key/value structured logger.
// Components receive a Logger at construction and scope it with WithComponent.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)

	// With returns a Logger that always includes the given key/value pairs.
	With(keysAndValues ...any) Logger

	// WithComponent returns a Logger tagged with a component name.
	WithComponent(name string) Logger
}

// Log levels accepted by New.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Output formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// slogLogger implements Logger on top of *slog.Logger.
type slogLogger struct {
	logger *slog.Logger
}

// New returns a Logger writing to w at the given minimum level.
// Unknown levels fall back to info; unknown formats fall back to text.
// A nil writer means stderr.
func New(w io.Writer, level, format string) Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.ToLower(format) == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &slogLogger{logger: slog.New(handler)}
}

// parseLevel maps a level string to a slog.Level. Defaults to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *slogLogger) Debugw(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *slogLogger) Infow(msg string, keysAndValues ...any) {
	l.logger.Info(msg, keysAndValues...)
}

func (l *slogLogger) Warnw(msg string, keysAndValues ...any) {
	l.logger.Warn(msg, keysAndValues...)
}

func (l *slogLogger) Errorw(msg string, keysAndValues ...any) {
	l.logger.Error(msg, keysAndValues...)
}

func (l *slogLogger) With(keysAndValues ...any) Logger {
	return &slogLogger{logger: l.logger.With(keysAndValues...)}
}

func (l *slogLogger) WithComponent(name string) Logger {
	return &slogLogger{logger: l.logger.With("component", name)}
}
