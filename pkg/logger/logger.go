// Package logger configures the process-wide slog logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const redacted = "***REDACTED***"

// Config selects level, format and destination.
type Config struct {
	Level     string // debug, info, warn or error
	Format    string // json or text
	AddSource bool
	// Output defaults to stderr; stdout carries the progress bar and summary.
	Output io.Writer
}

// Logger is a slog.Logger with helpers for the attributes the evaluator
// attaches everywhere.
type Logger struct {
	*slog.Logger
}

// ParseLevel accepts slog level names in any case plus "warning". Unknown
// names yield info.
func ParseLevel(name string) slog.Level {
	if strings.EqualFold(name, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// sensitive reports whether an attribute key names a credential. Matching
// is by suffix so "llm.api_key" and "db_password" are caught while token
// counts such as "input_tokens" are not.
func sensitive(key string) bool {
	key = strings.ToLower(key)
	for _, suffix := range []string{"api_key", "apikey", "password", "secret", "_token"} {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return key == "token"
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case sensitive(a.Key):
		return slog.String(a.Key, redacted)
	case a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime:
		return slog.String(a.Key, a.Value.Time().Format("2006-01-02T15:04:05.000Z07:00"))
	case a.Value.Kind() == slog.KindDuration:
		return slog.String(a.Key, a.Value.Duration().Round(time.Millisecond).String())
	}
	return a
}

// New builds a logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: replaceAttr,
	}

	var h slog.Handler = slog.NewTextHandler(out, opts)
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	}
	return &Logger{Logger: slog.New(h)}
}

// Default is an info-level text logger on stderr.
func Default() *Logger {
	return New(Config{Level: "info"})
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithRun tags records with the evaluation run ID.
func (l *Logger) WithRun(runID string) *Logger { return l.with("run_id", runID) }

func (l *Logger) WithComponent(name string) *Logger { return l.with("component", name) }

// WithError attaches err as a string; a nil error leaves l unchanged.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with("error", err.Error())
}

// SetDefault installs l as the slog default, which packages fall back to
// when handed a nil logger.
func (l *Logger) SetDefault() {
	slog.SetDefault(l.Logger)
}
