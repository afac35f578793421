// Package observability provides structured logging with secret redaction
// and Prometheus metrics for the Oak daemon.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures the daemon logger.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format specifies output format: "json" or "text".
	Format string `yaml:"format"`

	// File is the rotated log file path. Empty disables file logging.
	File string `yaml:"file"`

	// MaxSizeMB is the rotation size threshold per log file.
	MaxSizeMB int `yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `yaml:"max_backups"`

	// Output overrides the log destination (tests). When set, File is ignored.
	Output io.Writer `yaml:"-"`
}

// NewLogger creates a slog.Logger with secret redaction applied to every
// record. Logs go to the rotated file when configured, otherwise stderr.
func NewLogger(cfg LogConfig) *slog.Logger {
	var out io.Writer
	switch {
	case cfg.Output != nil:
		out = cfg.Output
	case cfg.File != "":
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		}
	default:
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(&redactingHandler{inner: handler, redactor: DefaultRedactor()})
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactingHandler rewrites string attributes and messages through the
// redactor before delegating to the wrapped handler.
type redactingHandler struct {
	inner    slog.Handler
	redactor *Redactor
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, h.redactor.Redact(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *redactingHandler) redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactor.Redact(a.Value.String()))
	case slog.KindGroup:
		attrs := a.Value.Group()
		redacted := make([]any, 0, len(attrs))
		for _, ga := range attrs {
			redacted = append(redacted, h.redactAttr(ga))
		}
		return slog.Group(a.Key, redacted...)
	default:
		if err, ok := a.Value.Any().(error); ok && err != nil {
			return slog.String(a.Key, h.redactor.Redact(err.Error()))
		}
		return a
	}
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &redactingHandler{inner: h.inner.WithAttrs(redacted), redactor: h.redactor}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{inner: h.inner.WithGroup(name), redactor: h.redactor}
}

// Redactor strips high-confidence secret patterns from text. It is shared by
// the logging handler and the observation sanitizer: nothing matching these
// patterns may reach any persistence path.
type Redactor struct {
	patterns []*regexp.Regexp
}

// DefaultRedactPatterns covers the common API key and token shapes.
var DefaultRedactPatterns = []string{
	// Anthropic API keys
	`sk-ant-[a-zA-Z0-9_-]{24,}`,
	// OpenAI API keys
	`sk-[a-zA-Z0-9]{32,}`,
	// JWT tokens
	`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`,
	// Bearer headers
	`(?i)bearer\s+[a-zA-Z0-9_\-\.]{16,}`,
	// Generic key/secret assignments
	`(?i)(api[_-]?key|secret|token|password)["'\s:=]+[a-zA-Z0-9_\-]{16,}`,
	// AWS access keys
	`AKIA[0-9A-Z]{16}`,
	// GitHub tokens
	`gh[pousr]_[A-Za-z0-9_]{36,}`,
}

// DefaultRedactor compiles the default pattern set.
func DefaultRedactor() *Redactor {
	return NewRedactor(DefaultRedactPatterns)
}

// NewRedactor compiles the given patterns, skipping any that fail to compile.
func NewRedactor(patterns []string) *Redactor {
	r := &Redactor{}
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			r.patterns = append(r.patterns, re)
		}
	}
	return r
}

// Redact replaces every pattern match with [REDACTED].
func (r *Redactor) Redact(s string) string {
	if r == nil || s == "" {
		return s
	}
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
