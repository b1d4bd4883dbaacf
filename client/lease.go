package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/netlock/internal/proto"
	"pkt.systems/netlock/internal/transport"
)

// LockOption tunes a lock request. Unset options fall back to the daemon's
// defaults.
type LockOption func(*proto.Resource)

// WithMode requests a lock mode (NL, CR, CW, PR, PW, EX or a long name such
// as "protected-read").
func WithMode(mode string) LockOption {
	return func(r *proto.Resource) {
		r.Mode = mode
	}
}

// WithWait controls whether the request queues when the resource is busy.
func WithWait(wait bool) LockOption {
	return func(r *proto.Resource) {
		r.Wait = proto.Bool(wait)
	}
}

// WithQuantity requests a quantity from a numeric resource.
func WithQuantity(n int) LockOption {
	return func(r *proto.Resource) {
		r.Quantity = n
	}
}

// WithCreate controls whether an unknown resource is created.
func WithCreate(create bool) LockOption {
	return func(r *proto.Resource) {
		r.Create = proto.Bool(create)
	}
}

// WithLifespan sets the idle lifespan of a resource created by this request.
// The daemon works in whole seconds; fractions are rounded up.
func WithLifespan(d time.Duration) LockOption {
	return func(r *proto.Resource) {
		r.Lifespan = d
	}
}

// Lease is a granted lock. It stays held until Unlock, Close or the loss of
// its connection.
type Lease struct {
	client  *Client
	conn    transport.Conn
	name    string
	element string
	warning proto.Warning

	mu     sync.Mutex
	closed bool
}

// Lock requests name and blocks until it is granted, refused or ctx ends.
// A queued request waits for the grant for as long as ctx allows; cancelling
// ctx withdraws it.
func (c *Client) Lock(ctx context.Context, name string, opts ...LockOption) (*Lease, error) {
	if name == "" {
		return nil, errors.New("netlock: resource name required")
	}
	res := &proto.Resource{Name: name}
	for _, opt := range opts {
		if opt != nil {
			opt(res)
		}
	}
	req := &proto.Message{
		Level:    proto.Level,
		Verb:     proto.VerbLock,
		Phase:    proto.PhaseLockRequest,
		Session:  &proto.Session{Peer: c.peer},
		Resource: res,
	}
	conn, out, err := c.exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	ans := out.Answer
	switch ans.Code {
	case proto.CodeOK:
	case proto.CodeEnqueued:
		c.logger.Debug("client.lock.enqueued", "resource", name)
		grant, err := c.await(ctx, conn, proto.VerbLock, proto.PhaseLockGranted)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		if grant.Answer.Code != proto.CodeOK {
			_ = conn.Close()
			return nil, &AnswerError{Verb: proto.VerbLock, Resource: name, Code: grant.Answer.Code}
		}
		ack := &proto.Message{Level: proto.Level, Verb: proto.VerbLock, Phase: proto.PhaseLockAck, Resource: &proto.Resource{Name: name}}
		if err := transport.SendMessage(conn, ack); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("netlock: ack grant: %w", err)
		}
		ans = &proto.Answer{Code: proto.CodeOK, Element: grant.Answer.Element, Warning: ans.Warning}
	default:
		_ = conn.Close()
		return nil, &AnswerError{Verb: proto.VerbLock, Resource: name, Code: ans.Code}
	}
	l := &Lease{
		client:  c,
		conn:    conn,
		name:    name,
		element: ans.Element,
		warning: ans.Warning,
	}
	c.track(l)
	c.logger.Debug("client.lock.granted", "resource", name, "element", l.element, "warning", l.warning)
	return l, nil
}

// Name returns the locked resource name.
func (l *Lease) Name() string { return l.name }

// Element returns the element granted from a set resource, or "".
func (l *Lease) Element() string { return l.element }

// Warning returns the warning attached to the grant, if any.
func (l *Lease) Warning() proto.Warning { return l.warning }

// Unlock releases the lock and closes the lease's connection.
func (l *Lease) Unlock(ctx context.Context) error {
	_, err := l.unlock(ctx, false)
	return err
}

// UnlockWithRollback releases the lock asking the resource to roll back.
// Resources that cannot roll back still release the lock and the call returns
// ErrNotTransactional.
func (l *Lease) UnlockWithRollback(ctx context.Context) error {
	warning, err := l.unlock(ctx, true)
	if err != nil {
		return err
	}
	if warning == proto.WarningNotTransactional {
		return ErrNotTransactional
	}
	return nil
}

func (l *Lease) unlock(ctx context.Context, rollback bool) (proto.Warning, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return proto.WarningNone, ErrLeaseClosed
	}
	l.closed = true
	defer l.client.forget(l)
	defer l.conn.Close()

	req := &proto.Message{
		Level:    proto.Level,
		Verb:     proto.VerbUnlock,
		Phase:    proto.Phase1,
		Resource: &proto.Resource{Name: l.name, Rollback: rollback},
	}
	if err := transport.SendMessage(l.conn, req); err != nil {
		return proto.WarningNone, fmt.Errorf("netlock: send unlock: %w", err)
	}
	answerCtx, cancel := context.WithTimeout(ctx, l.client.answerTimeout)
	defer cancel()
	out, err := l.client.await(answerCtx, l.conn, proto.VerbUnlock, proto.Phase2)
	if err != nil {
		return proto.WarningNone, err
	}
	if out.Answer.Code != proto.CodeOK {
		return proto.WarningNone, &AnswerError{Verb: proto.VerbUnlock, Resource: l.name, Code: out.Answer.Code}
	}
	return out.Answer.Warning, nil
}

// Close drops the connection without an UNLOCK. The daemon releases the lock
// as part of its hangup handling.
func (l *Lease) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLeaseClosed
	}
	l.closed = true
	l.client.forget(l)
	return l.conn.Close()
}
