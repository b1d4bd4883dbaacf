package loggingutil

import (
	"fmt"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"
)

// Switch is a logger whose minimum level can change at runtime. Loggers
// derived from it with With follow level changes made after they were
// derived.
type Switch struct {
	mu    sync.Mutex
	root  pslog.Logger
	level pslog.Level
	gen   atomic.Uint64
	cur   atomic.Pointer[pslog.Logger]
}

// NewSwitch wraps root at level.
func NewSwitch(root pslog.Logger, level pslog.Level) *Switch {
	s := &Switch{root: EnsureLogger(root)}
	s.SetLevel(level)
	return s
}

// SetLevel changes the minimum level of every logger derived from s.
func (s *Switch) SetLevel(level pslog.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.root.LogLevel(level)
	s.level = level
	s.cur.Store(&l)
	s.gen.Add(1)
}

// SetLevelString parses level and applies it.
func (s *Switch) SetLevelString(level string) error {
	lv, ok := pslog.ParseLevel(level)
	if !ok || lv == pslog.NoLevel {
		return fmt.Errorf("invalid log level %q", level)
	}
	s.SetLevel(lv)
	return nil
}

// Level returns the current minimum level.
func (s *Switch) Level() pslog.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// Logger returns a logger that tracks s.
func (s *Switch) Logger() pslog.Logger {
	return &switched{sw: s}
}

type cachedLogger struct {
	gen    uint64
	logger pslog.Logger
}

type switched struct {
	sw      *Switch
	keyvals []any
	cache   atomic.Pointer[cachedLogger]
}

func (l *switched) current() pslog.Logger {
	gen := l.sw.gen.Load()
	if c := l.cache.Load(); c != nil && c.gen == gen {
		return c.logger
	}
	base := *l.sw.cur.Load()
	if len(l.keyvals) > 0 {
		base = base.With(l.keyvals...)
	}
	l.cache.Store(&cachedLogger{gen: gen, logger: base})
	return base
}

func (l *switched) Trace(msg string, keyvals ...any) { l.current().Trace(msg, keyvals...) }
func (l *switched) Debug(msg string, keyvals ...any) { l.current().Debug(msg, keyvals...) }
func (l *switched) Info(msg string, keyvals ...any)  { l.current().Info(msg, keyvals...) }
func (l *switched) Warn(msg string, keyvals ...any)  { l.current().Warn(msg, keyvals...) }
func (l *switched) Error(msg string, keyvals ...any) { l.current().Error(msg, keyvals...) }
func (l *switched) Fatal(msg string, keyvals ...any) { l.current().Fatal(msg, keyvals...) }
func (l *switched) Panic(msg string, keyvals ...any) { l.current().Panic(msg, keyvals...) }

func (l *switched) Log(level pslog.Level, msg string, keyvals ...any) {
	l.current().Log(level, msg, keyvals...)
}

func (l *switched) With(keyvals ...any) pslog.Logger {
	merged := make([]any, 0, len(l.keyvals)+len(keyvals))
	merged = append(merged, l.keyvals...)
	return &switched{sw: l.sw, keyvals: append(merged, keyvals...)}
}

// The remaining methods pin a level and therefore detach from the switch.
func (l *switched) WithLogLevel() pslog.Logger              { return l.current().WithLogLevel() }
func (l *switched) LogLevel(level pslog.Level) pslog.Logger { return l.current().LogLevel(level) }
func (l *switched) LogLevelFromEnv(key string) pslog.Logger { return l.current().LogLevelFromEnv(key) }
