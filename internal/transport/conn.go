// Package transport adapts stream connections to the framed protocol. It owns
// the sockets; the lock engine only ever sees connection IDs.
package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"pkt.systems/netlock/internal/ids"
	"pkt.systems/netlock/internal/proto"
)

// Domain is the socket family a connection arrived on.
type Domain string

const (
	DomainTCP  Domain = "tcp"
	DomainUnix Domain = "unix"
	DomainPipe Domain = "pipe"
)

// ErrTimeout is returned by Recv when no frame arrived within the timeout.
var ErrTimeout = errors.New("transport: receive timeout")

// Conn is a framed, bidirectional connection.
type Conn interface {
	ID() string
	Domain() Domain
	RemoteAddr() string
	// Send writes one frame. Concurrent calls are serialized.
	Send(payload []byte) error
	// Recv reads one frame, waiting at most timeout (zero waits forever).
	Recv(timeout time.Duration) ([]byte, error)
	Close() error
}

// Option customises a wrapped connection.
type Option func(*streamConn)

// WithMaxFrame bounds accepted payload sizes.
func WithMaxFrame(n int) Option {
	return func(c *streamConn) {
		if n > 0 {
			c.maxFrame = n
		}
	}
}

// WithWriteTimeout bounds each Send.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *streamConn) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithID overrides the generated connection ID.
func WithID(id string) Option {
	return func(c *streamConn) {
		if id != "" {
			c.id = id
		}
	}
}

type streamConn struct {
	id           string
	domain       Domain
	raw          net.Conn
	reader       *bufio.Reader
	maxFrame     int
	writeTimeout time.Duration

	writeMu   sync.Mutex
	readMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Wrap returns a framed Conn over raw.
func Wrap(raw net.Conn, opts ...Option) Conn {
	c := &streamConn{
		id:       ids.Conn(),
		domain:   domainOf(raw),
		raw:      raw,
		reader:   bufio.NewReader(raw),
		maxFrame: proto.DefaultMaxFrame,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func domainOf(raw net.Conn) Domain {
	switch raw.(type) {
	case *net.TCPConn:
		return DomainTCP
	case *net.UnixConn:
		return DomainUnix
	}
	if addr := raw.LocalAddr(); addr != nil {
		switch addr.Network() {
		case "tcp", "tcp4", "tcp6":
			return DomainTCP
		case "unix":
			return DomainUnix
		}
	}
	return DomainPipe
}

func (c *streamConn) ID() string     { return c.id }
func (c *streamConn) Domain() Domain { return c.domain }

func (c *streamConn) RemoteAddr() string {
	if addr := c.raw.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *streamConn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.raw.SetWriteDeadline(time.Time{})
	}
	return proto.WriteFrame(c.raw, payload)
}

func (c *streamConn) Recv(timeout time.Duration) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if timeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(timeout))
		defer c.raw.SetReadDeadline(time.Time{})
	}
	payload, err := proto.ReadFrame(c.reader, c.maxFrame)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return nil, ErrTimeout
	}
	return payload, err
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// SendMessage marshals and sends m.
func SendMessage(c Conn, m *proto.Message) error {
	payload, err := proto.Marshal(m)
	if err != nil {
		return err
	}
	return c.Send(payload)
}

// RecvMessage receives and decodes one message.
func RecvMessage(c Conn, timeout time.Duration) (*proto.Message, error) {
	payload, err := c.Recv(timeout)
	if err != nil {
		return nil, err
	}
	return proto.Unmarshal(payload)
}

// IsClosed reports whether err means the peer or the local side closed the
// connection.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && !opErr.Timeout()
}
