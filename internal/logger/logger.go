// Package logger provides structured logging for livreur components.
//
// Components receive a Logger and attach typed fields instead of formatting
// strings, so output stays machine-parseable in both JSON and text modes.
package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"
)

// LogLevel is the minimum severity a logger emits.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// ParseLevel maps a config string to a LogLevel. Unknown values fall back to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger is the logging contract used across the module.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Module(name string) Logger
}

// SlogLogger implements Logger on top of log/slog.
type SlogLogger struct {
	handler slog.Handler
	log     *slog.Logger
}

// Options tunes NewSlogLoggerWithOptions.
type Options struct {
	JSON     bool
	Location *time.Location
}

// NewSlogLogger creates a text logger writing to w. A nil tz keeps local time.
func NewSlogLogger(w io.Writer, level LogLevel, tz *time.Location) *SlogLogger {
	return NewSlogLoggerWithOptions(w, level, Options{Location: tz})
}

// NewSlogLoggerWithOptions creates a logger with an explicit output format.
func NewSlogLoggerWithOptions(w io.Writer, level LogLevel, opts Options) *SlogLogger {
	handlerOpts := &slog.HandlerOptions{
		Level: level.slogLevel(),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && opts.Location != nil {
				return slog.Time(slog.TimeKey, a.Value.Time().In(opts.Location))
			}
			return a
		},
	}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, handlerOpts)
	} else {
		h = slog.NewTextHandler(w, handlerOpts)
	}
	return &SlogLogger{handler: h, log: slog.New(h)}
}

// NewDiscard returns a logger that drops everything. Handy in tests.
func NewDiscard() *SlogLogger {
	return NewSlogLogger(io.Discard, LogLevelError, nil)
}

func (l *SlogLogger) emit(level slog.Level, msg string, fields []Field) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, f.attr())
	}
	l.log.LogAttrs(context.Background(), level, msg, attrs...)
}

func (l *SlogLogger) Debug(msg string, fields ...Field) { l.emit(slog.LevelDebug, msg, fields) }
func (l *SlogLogger) Info(msg string, fields ...Field) { l.emit(slog.LevelInfo, msg, fields) }
func (l *SlogLogger) Warn(msg string, fields ...Field) { l.emit(slog.LevelWarn, msg, fields) }
func (l *SlogLogger) Error(msg string, fields ...Field) { l.emit(slog.LevelError, msg, fields) }

// With returns a child logger carrying the given fields on every record.
func (l *SlogLogger) With(fields ...Field) Logger {
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, f.attr())
	}
	child := l.log.With(args...)
	return &SlogLogger{handler: child.Handler(), log: child}
}

// Module tags records with the emitting component.
func (l *SlogLogger) Module(name string) Logger {
	return l.With(String("module", name))
}

var _ Logger = (*SlogLogger)(nil)
