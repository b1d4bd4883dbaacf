// Package loggingutil holds the pslog helpers shared by every subsystem.
package loggingutil

import (
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the component that logged it.
const SubsystemKey = pslog.TrustedString("sys")

var (
	noopOnce sync.Once
	noop     pslog.Logger
)

// NoopLogger returns a logger that discards everything.
func NoopLogger() pslog.Logger {
	noopOnce.Do(func() {
		noop = pslog.NoopLogger()
	})
	return noop
}

// EnsureLogger returns l, or the noop logger when l is nil.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// Subsystem joins non-empty parts with dots.
func Subsystem(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.Trim(p, ". "); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ".")
}

// WithSubsystem returns a logger that tags entries with subsystem. Applying
// it to a logger that already carries a subsystem replaces the tag instead of
// adding a second one.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return EnsureLogger(logger)
	}
	if s, ok := logger.(*scoped); ok {
		return &scoped{base: s.base, sys: subsystem}
	}
	return &scoped{base: EnsureLogger(logger), sys: subsystem}
}

// scoped prepends the subsystem tag at call time so that it can be swapped
// without rebuilding the underlying logger's fields.
type scoped struct {
	base pslog.Logger
	sys  string
}

func (l *scoped) kv(keyvals []any) []any {
	out := make([]any, 0, len(keyvals)+2)
	out = append(out, SubsystemKey, l.sys)
	return append(out, keyvals...)
}

func (l *scoped) Trace(msg string, keyvals ...any) { l.base.Trace(msg, l.kv(keyvals)...) }
func (l *scoped) Debug(msg string, keyvals ...any) { l.base.Debug(msg, l.kv(keyvals)...) }
func (l *scoped) Info(msg string, keyvals ...any)  { l.base.Info(msg, l.kv(keyvals)...) }
func (l *scoped) Warn(msg string, keyvals ...any)  { l.base.Warn(msg, l.kv(keyvals)...) }
func (l *scoped) Error(msg string, keyvals ...any) { l.base.Error(msg, l.kv(keyvals)...) }
func (l *scoped) Fatal(msg string, keyvals ...any) { l.base.Fatal(msg, l.kv(keyvals)...) }
func (l *scoped) Panic(msg string, keyvals ...any) { l.base.Panic(msg, l.kv(keyvals)...) }

func (l *scoped) Log(level pslog.Level, msg string, keyvals ...any) {
	l.base.Log(level, msg, l.kv(keyvals)...)
}

// With keeps the subsystem out of the base fields; a "sys" pair in keyvals
// becomes the new subsystem.
func (l *scoped) With(keyvals ...any) pslog.Logger {
	sys := l.sys
	rest := make([]any, 0, len(keyvals))
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 < len(keyvals) && isSubsystemKey(keyvals[i]) {
			if s, ok := keyvals[i+1].(string); ok {
				sys = s
				continue
			}
		}
		rest = append(rest, keyvals[i])
		if i+1 < len(keyvals) {
			rest = append(rest, keyvals[i+1])
		}
	}
	base := l.base
	if len(rest) > 0 {
		base = base.With(rest...)
	}
	return &scoped{base: base, sys: sys}
}

func (l *scoped) WithLogLevel() pslog.Logger {
	return &scoped{base: l.base.WithLogLevel(), sys: l.sys}
}

func (l *scoped) LogLevel(level pslog.Level) pslog.Logger {
	return &scoped{base: l.base.LogLevel(level), sys: l.sys}
}

func (l *scoped) LogLevelFromEnv(key string) pslog.Logger {
	return &scoped{base: l.base.LogLevelFromEnv(key), sys: l.sys}
}

func isSubsystemKey(k any) bool {
	switch v := k.(type) {
	case string:
		return v == string(SubsystemKey)
	case pslog.TrustedString:
		return v == SubsystemKey
	}
	return false
}
