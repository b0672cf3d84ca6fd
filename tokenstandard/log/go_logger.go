package log

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
)

// logControlCharReplacer escapes control characters that can forge log entries (CWE-117).
var logControlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func sanitizeLogString(s string) string {
	return logControlCharReplacer.Replace(s)
}

// GoLogger writes through the standard library logger. It is the fallback used
// by command-line tools and tests where a zap pipeline is not configured.
//
// All string values are sanitized to prevent log injection.
type GoLogger struct {
	Level  Level
	fields []Field
	groups []string
	out    *stdlog.Logger
}

// NewGoLogger returns a GoLogger writing to w at the given level. A nil writer means stderr.
func NewGoLogger(w io.Writer, level Level) *GoLogger {
	if w == nil {
		w = os.Stderr
	}

	return &GoLogger{Level: level, out: stdlog.New(w, "", stdlog.LstdFlags)}
}

// Enabled reports whether the logger emits entries at level.
func (l *GoLogger) Enabled(level Level) bool {
	if l == nil {
		return false
	}

	return l.Level >= level
}

// Log writes a single line with the level, groups, fields and message.
func (l *GoLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	if !l.Enabled(level) {
		return
	}

	parts := make([]string, 0, 3)
	parts = append(parts, fmt.Sprintf("[%s]", level.String()))

	if len(l.groups) > 0 {
		parts = append(parts, strings.Join(l.groups, "."))
	}

	if rendered := renderFields(l.fields, fields); rendered != "" {
		parts = append(parts, rendered)
	}

	parts = append(parts, sanitizeLogString(msg))

	l.logger().Print(strings.Join(parts, " "))
}

// With returns a child logger carrying the extra fields.
//
//nolint:ireturn
func (l *GoLogger) With(fields ...Field) Logger {
	if l == nil {
		return &GoLogger{}
	}

	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)

	return &GoLogger{Level: l.Level, fields: merged, groups: l.groups, out: l.out}
}

// WithGroup returns a child logger that prefixes lines with the group name.
//
//nolint:ireturn
func (l *GoLogger) WithGroup(name string) Logger {
	if l == nil {
		return &GoLogger{}
	}

	groups := make([]string, 0, len(l.groups)+1)
	groups = append(groups, l.groups...)
	groups = append(groups, name)

	return &GoLogger{Level: l.Level, fields: l.fields, groups: groups, out: l.out}
}

// Sync is a no-op; the standard logger is unbuffered.
func (l *GoLogger) Sync(_ context.Context) error { return nil }

func (l *GoLogger) logger() *stdlog.Logger {
	if l.out == nil {
		return stdlog.Default()
	}

	return l.out
}

func renderFields(base, extra []Field) string {
	if len(base)+len(extra) == 0 {
		return ""
	}

	parts := make([]string, 0, len(base)+len(extra))

	for _, set := range [][]Field{base, extra} {
		for _, f := range set {
			value := fmt.Sprint(f.Value)
			parts = append(parts, fmt.Sprintf("%s=%s", sanitizeLogString(f.Key), sanitizeLogString(value)))
		}
	}

	return fmt.Sprintf("[%s]", strings.Join(parts, ", "))
}
