package dvoice

import (
	"log"
	"log/slog"
)

// Logger is the narrow logging port the voice session calls into. A host
// application supplies its own sink; the session never assumes a specific
// logging framework, mirroring the original's "logger is an external
// collaborator" framing.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// stdLogger adapts the standard library's log package, tagging each line
// with a bracketed prefix ("[voice] ...").
type stdLogger struct {
	prefix string
	*log.Logger
}

// NewStdLogger returns a Logger backed by log.Default(), tagging every line
// with prefix (e.g. "[voice]").
func NewStdLogger(prefix string) Logger {
	return &stdLogger{prefix: prefix, Logger: log.Default()}
}

func (l *stdLogger) Debug(msg string, kv ...any) { l.log("debug", msg, kv...) }
func (l *stdLogger) Info(msg string, kv ...any)  { l.log("info", msg, kv...) }
func (l *stdLogger) Warn(msg string, kv ...any)  { l.log("warn", msg, kv...) }
func (l *stdLogger) Error(msg string, kv ...any) { l.log("error", msg, kv...) }

func (l *stdLogger) log(level, msg string, kv ...any) {
	args := make([]any, 0, len(kv)+3)
	args = append(args, l.prefix, level, msg)
	args = append(args, kv...)
	l.Logger.Println(args...)
}

// slogLogger adapts log/slog, giving callers a structured option without
// forcing every caller of this package onto it.
type slogLogger struct {
	h *slog.Logger
}

// NewSlogLogger returns a Logger backed by h.
func NewSlogLogger(h *slog.Logger) Logger {
	return &slogLogger{h: h}
}

func (l *slogLogger) Debug(msg string, kv ...any) { l.h.Debug(msg, kv...) }
func (l *slogLogger) Info(msg string, kv ...any)  { l.h.Info(msg, kv...) }
func (l *slogLogger) Warn(msg string, kv ...any)  { l.h.Warn(msg, kv...) }
func (l *slogLogger) Error(msg string, kv ...any) { l.h.Error(msg, kv...) }

// noopLogger discards everything; used when a caller doesn't supply one.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
