// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the service's structured logger. It wraps
// charmbracelet/log rather than the standard library's log package so
// every call site attaches key-value context instead of formatting
// strings by hand.
package logging

import (
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// Logger is a thin wrapper so callers depend on this package, not directly
// on the underlying library — the same indirection the audit package took
// with its logger dependency.
type Logger struct {
	l *charmlog.Logger
}

// New creates a Logger writing to w at the given level ("debug", "info",
// "warn", "error"). An unrecognized level falls back to info.
func New(w io.Writer, level string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	l := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02T15:04:05Z07:00",
	})
	l.SetLevel(parseLevel(level))
	return &Logger{l: l}
}

func parseLevel(level string) charmlog.Level {
	switch level {
	case "debug":
		return charmlog.DebugLevel
	case "warn":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

func (lg *Logger) Debug(msg string, kv ...any) { lg.l.Debug(msg, kv...) }
func (lg *Logger) Info(msg string, kv ...any)  { lg.l.Info(msg, kv...) }
func (lg *Logger) Warn(msg string, kv ...any)  { lg.l.Warn(msg, kv...) }
func (lg *Logger) Error(msg string, kv ...any) { lg.l.Error(msg, kv...) }

// With returns a derived Logger with the given key-values attached to
// every subsequent call, matching the sub-logger idiom components use to
// tag their output (e.g. the watcher tagging every line with its path).
func (lg *Logger) With(kv ...any) *Logger {
	return &Logger{l: lg.l.With(kv...)}
}
