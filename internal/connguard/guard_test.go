package connguard

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/netlock/internal/clock"
	"pkt.systems/netlock/internal/proto"
)

func TestGuardReportsAndBlocks(t *testing.T) {
	t.Parallel()
	m := clock.NewManual(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	g := New(Config{
		Enabled:          true,
		FailureThreshold: 3,
		FailureWindow:    time.Second,
		BlockDuration:    500 * time.Millisecond,
	}, nil, m)

	remote := "127.0.0.1:5555"
	if g.Report(remote, "bad_prefix") {
		t.Fatalf("first offence should not block")
	}
	m.Advance(50 * time.Millisecond)
	if g.Report(remote, "bad_prefix") {
		t.Fatalf("second offence should not block")
	}
	m.Advance(50 * time.Millisecond)
	if !g.Report(remote, "bad_prefix") {
		t.Fatalf("third offence should block")
	}
	if !g.Blocked("127.0.0.1:6000") {
		t.Fatalf("block must apply to every port of the host")
	}
	m.Advance(600 * time.Millisecond)
	if g.Blocked(remote) {
		t.Fatalf("expected block to expire")
	}
	if g.Report(remote, "bad_prefix") {
		t.Fatalf("post-expiry offence should not block immediately")
	}
}

func TestGuardWindowForgetsOldOffences(t *testing.T) {
	t.Parallel()
	m := clock.NewManual(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	g := New(Config{Enabled: true, FailureThreshold: 2, FailureWindow: time.Second}, nil, m)

	g.Report("10.0.0.1:1", "zero_connect")
	m.Advance(2 * time.Second)
	if g.Report("10.0.0.1:2", "zero_connect") {
		t.Fatalf("offences outside the window must not count")
	}
}

func TestGuardIgnoresUnixPeers(t *testing.T) {
	t.Parallel()
	g := New(Config{Enabled: true, FailureThreshold: 1}, nil, nil)
	for _, remote := range []string{"", "@", "  "} {
		if g.Report(remote, "bad_prefix") || g.Blocked(remote) {
			t.Fatalf("remote %q must not be tracked", remote)
		}
	}
}

func TestGuardLogsBlockLifecycle(t *testing.T) {
	t.Parallel()
	m := clock.NewManual(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	logger := newCaptureLogger()
	g := New(Config{
		Enabled:          true,
		FailureThreshold: 2,
		FailureWindow:    time.Second,
		BlockDuration:    time.Second,
	}, logger, m)

	g.Report("127.0.0.1:1", "bad_prefix")
	g.Report("127.0.0.1:1", "bad_prefix")
	if _, ok := logger.find("connguard.suspicious"); !ok {
		t.Fatalf("expected connguard.suspicious; logs=%v", logger.snapshot())
	}
	entry, ok := logger.find("connguard.blocked")
	if !ok {
		t.Fatalf("expected connguard.blocked; logs=%v", logger.snapshot())
	}
	if !hasField(entry.fields, "sys", "server.connguard") {
		t.Fatalf("expected subsystem field, got %v", entry.fields)
	}
	m.Advance(2 * time.Second)
	g.Blocked("127.0.0.1:1")
	if _, ok := logger.find("connguard.unblocked"); !ok {
		t.Fatalf("expected connguard.unblocked; logs=%v", logger.snapshot())
	}
}

func TestAdmitReplaysPrefix(t *testing.T) {
	t.Parallel()
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	g := New(Config{Enabled: true, FailureThreshold: 1, ProbeTimeout: time.Second}, nil, nil)
	frame, err := proto.AppendFrame(nil, []byte("hello"))
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	go func() { _, _ = client.Write(frame) }()

	conn, err := g.Admit(server)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	payload, err := proto.ReadFrame(conn, proto.DefaultMaxFrame)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("expected hello, got %q", payload)
	}
}

func TestAdmitRejectsGarbage(t *testing.T) {
	t.Parallel()
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	g := New(Config{Enabled: true, FailureThreshold: 1, ProbeTimeout: time.Second}, nil, nil)
	go func() { _, _ = client.Write([]byte("GET / HTTP/1.1\r\n")) }()

	if _, err := g.Admit(server); !errors.Is(err, proto.ErrBadPrefix) {
		t.Fatalf("expected ErrBadPrefix, got %v", err)
	}
	// net.Pipe reports "pipe" as its address, which is tracked like a host.
	if !g.Blocked("pipe") {
		t.Fatalf("expected the peer to be blocked after one offence")
	}
}

func TestAdmitTimeoutIsNotAnOffence(t *testing.T) {
	t.Parallel()
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	g := New(Config{Enabled: true, FailureThreshold: 1, ProbeTimeout: 20 * time.Millisecond}, nil, nil)
	if _, err := g.Admit(server); err == nil {
		t.Fatalf("expected probe timeout")
	}
	if g.Blocked("pipe") {
		t.Fatalf("a slow client must not be blocked")
	}
}

func TestPrefixedConnPreservesBytes(t *testing.T) {
	t.Parallel()
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte("cd"))
		_ = client.Close()
	}()
	pc := &prefixedConn{Conn: server, prefix: []byte("ab")}
	out, err := io.ReadAll(pc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(out) != "abcd" {
		t.Fatalf("expected abcd, got %q", out)
	}
}

func hasField(fields []any, key, value string) bool {
	for i := 0; i+1 < len(fields); i += 2 {
		var name string
		switch k := fields[i].(type) {
		case string:
			name = k
		case pslog.TrustedString:
			name = string(k)
		}
		if name == key && fields[i+1] == value {
			return true
		}
	}
	return false
}

type captureEntry struct {
	level  string
	msg    string
	fields []any
}

type captureLogger struct {
	mu      *sync.Mutex
	fields  []any
	entries *[]captureEntry
}

func newCaptureLogger() *captureLogger {
	entries := make([]captureEntry, 0, 8)
	return &captureLogger{mu: &sync.Mutex{}, entries: &entries}
}

func (l *captureLogger) find(msg string) (captureEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range *l.entries {
		if entry.msg == msg {
			return entry, true
		}
	}
	return captureEntry{}, false
}

func (l *captureLogger) snapshot() []captureEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]captureEntry(nil), *l.entries...)
}

func (l *captureLogger) record(level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fields := append(append([]any{}, l.fields...), args...)
	*l.entries = append(*l.entries, captureEntry{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }
func (l *captureLogger) Panic(msg string, args ...any) { l.record("panic", msg, args...) }
func (l *captureLogger) Log(level pslog.Level, msg string, args ...any) {
	l.record(pslog.LevelString(level), msg, args...)
}
func (l *captureLogger) With(args ...any) pslog.Logger {
	return &captureLogger{mu: l.mu, fields: append(append([]any{}, l.fields...), args...), entries: l.entries}
}
func (l *captureLogger) WithLogLevel() pslog.Logger          { return l }
func (l *captureLogger) LogLevel(pslog.Level) pslog.Logger   { return l }
func (l *captureLogger) LogLevelFromEnv(string) pslog.Logger { return l }
