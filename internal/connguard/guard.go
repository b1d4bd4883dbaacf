// Package connguard blocks remote hosts that keep opening connections the
// daemon cannot make sense of.
package connguard

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/netlock/internal/clock"
	"pkt.systems/netlock/internal/loggingutil"
	"pkt.systems/netlock/internal/proto"
)

// Config controls connection-level protection in front of the acceptor.
type Config struct {
	// Enabled toggles enforcement. A disabled guard still counts reports.
	Enabled bool
	// FailureThreshold is the number of offences before a host is blocked.
	// Zero disables blocking.
	FailureThreshold int
	// FailureWindow is the period offences are counted over.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked host stays blocked.
	BlockDuration time.Duration
	// ProbeTimeout bounds the wait for a frame prefix on new connections.
	// Zero skips probing.
	ProbeTimeout time.Duration
}

// ErrBlocked is returned for connections from a blocked host.
var ErrBlocked = errors.New("connguard: remote blocked")

type offence struct {
	at           []time.Time
	blockedUntil time.Time
}

// Guard keeps per-host offence counts and can wrap a listener.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock
	mu     sync.Mutex
	hosts  map[string]*offence
}

// New returns a guard with cfg, filling in defaults for unset durations.
func New(cfg Config, logger pslog.Logger, clk clock.Clock) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if cfg.ProbeTimeout < 0 {
		cfg.ProbeTimeout = 0
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Guard{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(logger, "server.connguard"),
		clock:  clk,
		hosts:  make(map[string]*offence),
	}
}

// Report records an offence by remote and returns whether the host is now
// blocked.
func (g *Guard) Report(remote, reason string) bool {
	if g == nil || g.cfg.FailureThreshold <= 0 {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.hosts[host]
	if st == nil {
		st = &offence{}
		g.hosts[host] = st
	}
	if st.blockedUntil.After(now) {
		return true
	}
	st.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(st.at) > 0 && st.at[0].Before(cutoff) {
		st.at = st.at[1:]
	}
	st.at = append(st.at, now)
	if len(st.at) < g.cfg.FailureThreshold {
		g.logger.Warn("connguard.suspicious", "remote", host, "reason", reason, "count", len(st.at), "threshold", g.cfg.FailureThreshold)
		return false
	}
	st.blockedUntil = now.Add(g.cfg.BlockDuration)
	st.at = nil
	g.logger.Warn("connguard.blocked",
		"remote", host,
		"reason", reason,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration)
	return true
}

// Blocked reports whether connections from remote are currently refused.
func (g *Guard) Blocked(remote string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.hosts[host]
	if st == nil || st.blockedUntil.IsZero() {
		return false
	}
	if st.blockedUntil.After(now) {
		return true
	}
	st.blockedUntil = time.Time{}
	g.logger.Info("connguard.unblocked", "remote", host)
	if len(st.at) == 0 {
		delete(g.hosts, host)
	}
	return false
}

// hostOf strips the port. Unix socket peers have no usable address and are
// never tracked.
func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "@" {
		return ""
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}

// WrapListener returns ln with connections from blocked hosts refused.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if g == nil || !g.cfg.Enabled || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, guard: g}
}

type guardedListener struct {
	net.Listener
	guard *Guard
}

func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		remote := ""
		if addr := conn.RemoteAddr(); addr != nil {
			remote = addr.String()
		}
		if !l.guard.Blocked(remote) {
			return conn, nil
		}
		l.guard.logger.Debug("connguard.rejected", "remote", remote)
		_ = conn.Close()
	}
}

// Admit probes a freshly accepted connection for a frame prefix within
// ProbeTimeout. Connections that close early or send something other than a
// decimal prefix are reported. The returned conn replays the probed bytes.
// Admit blocks, so call it from the connection's own goroutine.
func (g *Guard) Admit(conn net.Conn) (net.Conn, error) {
	if g == nil || !g.cfg.Enabled {
		return conn, nil
	}
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	if g.Blocked(remote) {
		g.logger.Debug("connguard.rejected", "remote", remote)
		return nil, ErrBlocked
	}
	if g.cfg.ProbeTimeout <= 0 {
		return conn, nil
	}
	if err := conn.SetReadDeadline(time.Now().Add(g.cfg.ProbeTimeout)); err != nil {
		g.logger.Warn("connguard.deadline", "remote", remote, "error", err)
		return conn, nil
	}
	prefix := make([]byte, proto.PrefixWidth)
	n, err := io.ReadFull(conn, prefix)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			g.Report(remote, "zero_connect")
		}
		return nil, err
	}
	if !digits(prefix[:n]) {
		g.Report(remote, "bad_prefix")
		return nil, proto.ErrBadPrefix
	}
	return &prefixedConn{Conn: conn, prefix: prefix[:n]}, nil
}

func digits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(b) > 0
}

// prefixedConn replays the probed bytes before reading from the socket.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) == 0 {
		return c.Conn.Read(p)
	}
	n := copy(p, c.prefix)
	c.prefix = c.prefix[n:]
	return n, nil
}
