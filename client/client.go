package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/netlock/internal/ids"
	"pkt.systems/netlock/internal/loggingutil"
	"pkt.systems/netlock/internal/proto"
	"pkt.systems/netlock/internal/transport"
)

const (
	// DefaultDialTimeout bounds connection setup.
	DefaultDialTimeout = 5 * time.Second
	// DefaultAnswerTimeout bounds the wait for an answer that is not a queued
	// grant.
	DefaultAnswerTimeout = 10 * time.Second
)

var (
	// ErrBusy is matched by answers with code busy.
	ErrBusy = errors.New("netlock: resource busy")
	// ErrImpossible is matched by answers with code impossible: the request
	// exceeds what the resource could ever grant.
	ErrImpossible = errors.New("netlock: request can never be granted")
	// ErrNotHeld is matched by answers with code not_held.
	ErrNotHeld = errors.New("netlock: lock not held")
	// ErrNotTransactional is returned by UnlockWithRollback when the resource
	// cannot roll back. The lock is released regardless.
	ErrNotTransactional = errors.New("netlock: resource is not transactional")
	// ErrLeaseClosed is returned when a lease is used after release.
	ErrLeaseClosed = errors.New("netlock: lease closed")
)

// AnswerError is a non-ok answer from the daemon.
type AnswerError struct {
	Verb     proto.Verb
	Resource string
	Code     proto.Code
}

func (e *AnswerError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("netlock: %s answered %s", e.Verb, e.Code)
	}
	return fmt.Sprintf("netlock: %s %q answered %s", e.Verb, e.Resource, e.Code)
}

// Is maps answer codes onto the package sentinels.
func (e *AnswerError) Is(target error) bool {
	switch target {
	case ErrBusy:
		return e.Code == proto.CodeBusy
	case ErrImpossible:
		return e.Code == proto.CodeImpossible
	case ErrNotHeld:
		return e.Code == proto.CodeNotHeld
	}
	return false
}

// Client talks to a netlockd daemon. Every lease uses its own connection,
// since the daemon binds a connection to the resource it first locks.
type Client struct {
	network       string
	address       string
	peer          string
	dialTimeout   time.Duration
	answerTimeout time.Duration
	maxFrame      int
	logger        pslog.Logger

	mu     sync.Mutex
	leases map[string]*Lease
}

// Option customises client construction.
type Option func(*Client)

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = loggingutil.WithSubsystem(full, "client")
			return
		}
		c.logger = loggingutil.NoopLogger()
	}
}

// WithPeer overrides the session peer ID sent with lock requests.
func WithPeer(peer string) Option {
	return func(c *Client) {
		if ids.ValidPeer(peer) {
			c.peer = peer
		}
	}
}

// WithDialTimeout bounds connection setup.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithAnswerTimeout bounds the wait for immediate answers. Queued grants are
// only bounded by the caller's context.
func WithAnswerTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.answerTimeout = d
		}
	}
}

// WithMaxFrame bounds accepted answer sizes.
func WithMaxFrame(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxFrame = n
		}
	}
}

// New returns a client for address, which is host:port, tcp://host:port or
// unix:///path/to/socket.
func New(address string, opts ...Option) (*Client, error) {
	network, addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	c := &Client{
		network:       network,
		address:       addr,
		peer:          ids.Peer(),
		dialTimeout:   DefaultDialTimeout,
		answerTimeout: DefaultAnswerTimeout,
		maxFrame:      proto.DefaultMaxFrame,
		logger:        loggingutil.NoopLogger(),
		leases:        make(map[string]*Lease),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// ParseAddress splits a daemon address into network and address.
func ParseAddress(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "", "", errors.New("netlock: address required")
	case strings.HasPrefix(raw, "unix://"):
		path := strings.TrimPrefix(raw, "unix://")
		if path == "" {
			return "", "", fmt.Errorf("netlock: empty unix socket path in %q", raw)
		}
		return "unix", path, nil
	case strings.HasPrefix(raw, "unix:"):
		return ParseAddress("unix://" + strings.TrimPrefix(raw, "unix:"))
	case strings.HasPrefix(raw, "tcp://"):
		raw = strings.TrimPrefix(raw, "tcp://")
	case strings.Contains(raw, "://"):
		return "", "", fmt.Errorf("netlock: unsupported address scheme in %q", raw)
	}
	if _, _, err := net.SplitHostPort(raw); err != nil {
		return "", "", fmt.Errorf("netlock: address %q: %w", raw, err)
	}
	return "tcp", raw, nil
}

// Peer returns the session peer ID.
func (c *Client) Peer() string {
	return c.peer
}

func (c *Client) dial(ctx context.Context) (transport.Conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	raw, err := d.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, fmt.Errorf("netlock: dial %s %s: %w", c.network, c.address, err)
	}
	return transport.Wrap(raw, transport.WithMaxFrame(c.maxFrame)), nil
}

// exchange sends req on a fresh connection and returns the answer together
// with the still open connection.
func (c *Client) exchange(ctx context.Context, req *proto.Message) (transport.Conn, *proto.Message, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := transport.SendMessage(conn, req); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("netlock: send %s: %w", req.Verb, err)
	}
	answerCtx, cancel := context.WithTimeout(ctx, c.answerTimeout)
	defer cancel()
	out, err := c.await(answerCtx, conn, req.Verb, proto.Phase2)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, out, nil
}

// await reads the next message and checks that it is verb/phase from the
// server. Cancelling ctx closes conn.
func (c *Client) await(ctx context.Context, conn transport.Conn, verb proto.Verb, phase proto.Phase) (*proto.Message, error) {
	type result struct {
		msg *proto.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := transport.RecvMessage(conn, 0)
		ch <- result{msg, err}
	}()
	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		_ = conn.Close()
		<-ch
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, fmt.Errorf("netlock: await %s: %w", verb, r.err)
	}
	if err := proto.CheckDirection(r.msg, proto.RoleServer); err != nil {
		return nil, err
	}
	if r.msg.Verb != verb || r.msg.Phase != phase {
		return nil, fmt.Errorf("%w: expected %s phase %d, got %s phase %d", proto.ErrWrongDirection, verb, phase, r.msg.Verb, r.msg.Phase)
	}
	return r.msg, nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	conn, out, err := c.exchange(ctx, &proto.Message{Level: proto.Level, Verb: proto.VerbPing, Phase: proto.Phase1})
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	if out.Answer.Code != proto.CodeOK {
		return 0, &AnswerError{Verb: proto.VerbPing, Code: out.Answer.Code}
	}
	return time.Since(start), nil
}

// Discover returns the address the daemon advertises.
func (c *Client) Discover(ctx context.Context) (string, int, error) {
	conn, out, err := c.exchange(ctx, &proto.Message{Level: proto.Level, Verb: proto.VerbDiscover, Phase: proto.Phase1})
	if err != nil {
		return "", 0, err
	}
	defer conn.Close()
	if out.Answer != nil && out.Answer.Code != proto.CodeOK {
		return "", 0, &AnswerError{Verb: proto.VerbDiscover, Code: out.Answer.Code}
	}
	return out.Network.Address, out.Network.Port, nil
}

// Manage sends a MANAGEMENT request. The daemon never answers management
// requests, so success only means the request was written.
func (c *Client) Manage(ctx context.Context, action string, params map[string]string) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return errors.New("netlock: management action required")
	}
	mgmt := &proto.Management{Action: action}
	for k, v := range params {
		mgmt.Params = append(mgmt.Params, proto.Param{Key: k, Value: v})
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	msg := &proto.Message{Level: proto.Level, Verb: proto.VerbManagement, Phase: proto.Phase1, Management: mgmt}
	if err := transport.SendMessage(conn, msg); err != nil {
		return fmt.Errorf("netlock: send management: %w", err)
	}
	c.logger.Debug("client.management.sent", "action", action, "params", len(mgmt.Params))
	return nil
}

// Unlock releases the lease this client holds on name.
func (c *Client) Unlock(ctx context.Context, name string) error {
	l, ok := c.lease(name)
	if !ok {
		return &AnswerError{Verb: proto.VerbUnlock, Resource: name, Code: proto.CodeNotHeld}
	}
	return l.Unlock(ctx)
}

// UnlockWithRollback releases the lease on name asking for a rollback.
func (c *Client) UnlockWithRollback(ctx context.Context, name string) error {
	l, ok := c.lease(name)
	if !ok {
		return &AnswerError{Verb: proto.VerbUnlock, Resource: name, Code: proto.CodeNotHeld}
	}
	return l.UnlockWithRollback(ctx)
}

// Close drops every lease held through c. The daemon releases them when the
// connections close.
func (c *Client) Close() error {
	c.mu.Lock()
	leases := make([]*Lease, 0, len(c.leases))
	for _, l := range c.leases {
		leases = append(leases, l)
	}
	c.mu.Unlock()
	var errs []error
	for _, l := range leases {
		if err := l.Close(); err != nil && !errors.Is(err, ErrLeaseClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) lease(name string) (*Lease, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leases[name]
	return l, ok
}

func (c *Client) track(l *Lease) {
	c.mu.Lock()
	c.leases[l.name] = l
	c.mu.Unlock()
}

func (c *Client) forget(l *Lease) {
	c.mu.Lock()
	if c.leases[l.name] == l {
		delete(c.leases, l.name)
	}
	c.mu.Unlock()
}
