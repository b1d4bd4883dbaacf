package locker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/netlock/internal/proto"
	"pkt.systems/netlock/internal/resource"
	"pkt.systems/netlock/internal/transport"
)

// State is the lifecycle position of a loop.
type State int32

const (
	StateActive State = iota
	StateDraining
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// Token hands a connection to a loop. Seq is assigned by the loop's handoff
// path and only ever grows; a token at or below the last seen Seq is stale.
type Token struct {
	Conn   transport.Conn
	Domain transport.Domain
	Seq    uint64
	// First is the message the acceptor already read from Conn. The loop
	// dispatches it before reading anything else.
	First *proto.Message
}

var errRetired = errors.New("locker: loop retired")

type controlKind uint8

const (
	ctlHandoff controlKind = iota + 1
	ctlSnapshot
	ctlRetire
	ctlQuiesce
)

type control struct {
	kind     controlKind
	token    Token
	reply    chan Status
	deadline time.Time
	reason   string
}

type event struct {
	conn resource.ConnID
	msg  *proto.Message
	err  error
}

type binding struct {
	conn       transport.Conn
	domain     transport.Domain
	since      time.Time
	enqueuedAt time.Time
}

// Status is a loop's introspection snapshot.
type Status struct {
	resource.Snapshot
	State       string        `json:"state"`
	Connections int           `json:"connections"`
	Created     time.Time     `json:"created"`
	Lifespan    time.Duration `json:"lifespan"`
}

// Loop owns one resource instance. Everything below the handoff fields is
// touched only by the loop goroutine.
type Loop struct {
	key      string
	kind     resource.Kind
	res      resource.Resource
	reg      *Registry
	logger   pslog.Logger
	lifespan time.Duration
	created  time.Time

	ctx      context.Context
	control  chan control
	events   chan event
	stopping chan struct{}
	done     chan struct{}
	state    atomic.Int32

	handoffMu sync.Mutex
	nextSeq   uint64
	retired   bool

	conns        map[resource.ConnID]*binding
	lastSeq      uint64
	idlePeriods  int
	lastActivity time.Time
	drainUntil   time.Time
	quiesceBy    time.Time
}

func newLoop(reg *Registry, res resource.Resource, lifespan time.Duration) *Loop {
	now := reg.clock.Now()
	return &Loop{
		key:          res.Key(),
		kind:         res.Kind(),
		res:          res,
		reg:          reg,
		logger:       reg.logger.With("resource", res.Name(), "kind", res.Kind().String()),
		lifespan:     lifespan,
		created:      now,
		control:      make(chan control),
		events:       make(chan event),
		stopping:     make(chan struct{}),
		done:         make(chan struct{}),
		conns:        make(map[resource.ConnID]*binding),
		lastActivity: now,
	}
}

// Key returns the registry key of the loop's resource.
func (l *Loop) Key() string { return l.key }

// State reports the loop state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

func (l *Loop) current() State { return State(l.state.Load()) }

// deliver hands tok to the loop. The sequence number is assigned under the
// handoff lock so tokens reach the loop in Seq order.
func (l *Loop) deliver(ctx context.Context, tok Token) error {
	l.handoffMu.Lock()
	defer l.handoffMu.Unlock()
	if l.retired {
		return errRetired
	}
	l.nextSeq++
	tok.Seq = l.nextSeq
	select {
	case l.control <- control{kind: ctlHandoff, token: tok}:
		return nil
	case <-l.stopping:
		return errRetired
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) command(ctx context.Context, c control) error {
	select {
	case l.control <- c:
		return nil
	case <-l.stopping:
		return errRetired
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	l.ctx = ctx
	l.logger.Debug("locker.loop.start", "lifespan", l.lifespan)
	for l.current() != StateRetired {
		timer := l.reg.clock.NewTimer(l.timeout())
		select {
		case <-ctx.Done():
			timer.Stop()
			l.retire("shutdown")
		case c := <-l.control:
			timer.Stop()
			l.handleControl(c)
		case ev := <-l.events:
			timer.Stop()
			l.handleEvent(ev)
		case <-timer.C():
			l.tick()
		}
	}
}

// timeout is the earliest of the engine deadline, the drain or quiesce
// deadline and the poll interval.
func (l *Loop) timeout() time.Duration {
	now := l.reg.clock.Now()
	if !l.quiesceBy.IsZero() && len(l.conns) == 0 {
		return 0
	}
	d := l.reg.cfg.PollInterval
	if l.current() == StateDraining {
		d = l.drainUntil.Sub(now)
	}
	if dl := l.res.Deadline(); !dl.IsZero() {
		d = min(d, dl.Sub(now))
	}
	if !l.quiesceBy.IsZero() {
		d = min(d, l.quiesceBy.Sub(now))
	}
	return max(d, 0)
}

func (l *Loop) tick() {
	now := l.reg.clock.Now()
	if !l.quiesceBy.IsZero() {
		if len(l.conns) == 0 {
			l.retire("quiesce")
			return
		}
		if !now.Before(l.quiesceBy) {
			l.logger.Warn("locker.loop.quiesce.expired", "connections", len(l.conns))
			l.retire("quiesce_deadline")
			return
		}
	}
	if len(l.conns) > 0 {
		l.idlePeriods = 0
		return
	}
	switch l.current() {
	case StateActive:
		l.idlePeriods++
		if l.idlePeriods <= l.reg.cfg.IdleThreshold {
			return
		}
		l.drainUntil = l.lastActivity.Add(l.lifespan)
		l.setState(StateDraining)
		l.logger.Debug("locker.loop.draining", "until", l.drainUntil, "idle_periods", l.idlePeriods)
		if !now.Before(l.drainUntil) {
			l.retire("idle")
		}
	case StateDraining:
		if !now.Before(l.drainUntil) {
			l.retire("idle")
		}
	}
}

func (l *Loop) handleControl(c control) {
	switch c.kind {
	case ctlHandoff:
		l.accept(c.token)
	case ctlSnapshot:
		c.reply <- l.status()
	case ctlRetire:
		l.retire(c.reason)
	case ctlQuiesce:
		l.quiesceBy = c.deadline
		l.logger.Debug("locker.loop.quiesce", "deadline", c.deadline, "connections", len(l.conns))
	}
}

func (l *Loop) status() Status {
	return Status{
		Snapshot:    l.res.Snapshot(),
		State:       l.current().String(),
		Connections: len(l.conns),
		Created:     l.created,
		Lifespan:    l.lifespan,
	}
}

func (l *Loop) accept(tok Token) {
	if tok.Conn == nil {
		return
	}
	if tok.Seq <= l.lastSeq {
		l.logger.Warn("locker.handoff.stale", "seq", tok.Seq, "last_seq", l.lastSeq, "conn", tok.Conn.ID())
		_ = tok.Conn.Close()
		return
	}
	l.lastSeq = tok.Seq
	id := resource.ConnID(tok.Conn.ID())
	if _, ok := l.conns[id]; ok {
		l.logger.Warn("locker.handoff.duplicate", "seq", tok.Seq, "conn", id)
		return
	}
	now := l.reg.clock.Now()
	b := &binding{conn: tok.Conn, domain: tok.Domain, since: now}
	l.conns[id] = b
	l.reg.metrics.addConns(1)
	l.reg.metrics.recordHandoff(string(tok.Domain))
	l.idlePeriods = 0
	l.lastActivity = now
	if l.current() == StateDraining {
		l.setState(StateActive)
		l.logger.Debug("locker.loop.reactivated", "conn", id)
	}
	l.logger.Trace("locker.conn.bound", "conn", id, "seq", tok.Seq, "domain", tok.Domain, "remote", tok.Conn.RemoteAddr())
	if tok.First != nil {
		l.dispatch(id, b, tok.First)
	}
	if _, bound := l.conns[id]; bound && l.current() != StateRetired {
		go l.read(id, tok.Conn)
	}
}

// read feeds decoded messages from one connection into the loop. It exits on
// the first error, which the loop turns into an unbind.
func (l *Loop) read(id resource.ConnID, conn transport.Conn) {
	for {
		payload, err := conn.Recv(0)
		var msg *proto.Message
		if err == nil {
			msg, err = proto.Unmarshal(payload)
		}
		select {
		case l.events <- event{conn: id, msg: msg, err: err}:
		case <-l.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (l *Loop) handleEvent(ev event) {
	b, ok := l.conns[ev.conn]
	if !ok {
		return
	}
	l.lastActivity = l.reg.clock.Now()
	if ev.err != nil {
		if transport.IsClosed(ev.err) {
			l.drop(ev.conn, "hangup")
			return
		}
		l.logger.Warn("locker.conn.protocol_error", "conn", ev.conn, "remote", b.conn.RemoteAddr(), "error", ev.err)
		l.reg.protocolError(b.conn.RemoteAddr(), ev.err)
		l.drop(ev.conn, "protocol_error")
		return
	}
	l.dispatch(ev.conn, b, ev.msg)
}

func (l *Loop) dispatch(id resource.ConnID, b *binding, msg *proto.Message) {
	if err := proto.CheckDirection(msg, proto.RoleClient); err != nil {
		l.violation(id, b, msg, err)
		return
	}
	if msg.Verb != proto.VerbLock && msg.Verb != proto.VerbUnlock {
		l.violation(id, b, msg, fmt.Errorf("%s is not accepted on a bound connection", msg.Verb))
		return
	}
	_, span := l.reg.tracer.Start(l.ctx, "netlock.locker."+msg.Verb.String(), trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.String("netlock.resource", l.res.Name()),
		attribute.String("netlock.resource.kind", l.kind.String()),
		attribute.Int("netlock.phase", int(msg.Phase)),
	)

	out, err := l.res.HandleMessage(id, msg)
	if err != nil {
		f, ok := resource.AsFailure(err)
		if !ok {
			span.RecordError(err)
			span.SetStatus(codes.Error, "engine_fault")
			l.reg.metrics.recordRequest(l.ctx, l.kind, msg.Verb, proto.CodeInternalError)
			_ = transport.SendMessage(b.conn, proto.NewAnswer(msg, proto.CodeInternalError))
			l.fail(err)
			return
		}
		span.SetAttributes(attribute.String("netlock.code", string(f.Code)))
		l.reg.metrics.recordRequest(l.ctx, l.kind, msg.Verb, f.Code)
		if f.Code == proto.CodeProtocolError {
			l.violation(id, b, msg, err)
			return
		}
		l.logger.Debug("locker.request.rejected", "conn", id, "verb", msg.Verb, "code", f.Code, "detail", f.Detail)
		l.send(id, b, proto.NewAnswer(msg, f.Code))
		return
	}
	span.SetStatus(codes.Ok, "")
	if out == nil {
		return
	}
	code := out.Answer.Code
	span.SetAttributes(attribute.String("netlock.code", string(code)))
	l.reg.metrics.recordRequest(l.ctx, l.kind, msg.Verb, code)
	if code == proto.CodeEnqueued {
		b.enqueuedAt = l.reg.clock.Now()
	}
	l.logger.Trace("locker.request.answered", "conn", id, "verb", msg.Verb, "code", code, "element", out.Answer.Element)
	if !l.send(id, b, out) {
		return
	}
	if msg.Verb == proto.VerbUnlock {
		l.flush()
	}
}

// violation answers a protocol error where the verb has an answer, then
// unbinds the connection.
func (l *Loop) violation(id resource.ConnID, b *binding, msg *proto.Message, cause error) {
	l.logger.Warn("locker.conn.protocol_error", "conn", id, "verb", msg.Verb, "phase", msg.Phase, "error", cause)
	if _, ok := proto.AnswerPhase(msg.Verb); ok {
		_ = transport.SendMessage(b.conn, proto.NewAnswer(msg, proto.CodeProtocolError))
	}
	l.reg.protocolError(b.conn.RemoteAddr(), cause)
	l.drop(id, "protocol_error")
}

func (l *Loop) send(id resource.ConnID, b *binding, m *proto.Message) bool {
	if err := transport.SendMessage(b.conn, m); err != nil {
		l.logger.Debug("locker.conn.send_failed", "conn", id, "error", err)
		l.drop(id, "send_failed")
		return false
	}
	return true
}

// flush delivers every grant the engine can make after a release. Grants are
// written before the loop reads its next event.
func (l *Loop) flush() {
	for again := true; again; {
		again = false
		for _, g := range l.res.Waitings() {
			b, ok := l.conns[g.Conn]
			if !ok {
				l.logger.Error("locker.grant.orphaned", "conn", g.Conn)
				l.res.Clean(g.Conn)
				again = true
				continue
			}
			waited := time.Duration(-1)
			if !b.enqueuedAt.IsZero() {
				waited = l.reg.clock.Now().Sub(b.enqueuedAt)
			}
			b.enqueuedAt = time.Time{}
			l.reg.metrics.recordGrant(l.ctx, l.kind, waited)
			l.logger.Debug("locker.waiter.granted", "conn", g.Conn, "element", g.Message.Answer.Element, "waited", waited)
			l.send(g.Conn, b, g.Message)
		}
	}
}

// drop unbinds a connection. Clean is the implicit unlock of a hangup.
func (l *Loop) drop(id resource.ConnID, reason string) {
	b, ok := l.conns[id]
	if !ok {
		return
	}
	delete(l.conns, id)
	_ = b.conn.Close()
	l.reg.metrics.addConns(-1)
	l.lastActivity = l.reg.clock.Now()
	cleaned := l.res.Clean(id)
	l.logger.Trace("locker.conn.unbound", "conn", id, "reason", reason, "cleaned", cleaned)
	if cleaned {
		l.flush()
	}
}

func (l *Loop) fail(err error) {
	l.reg.fault(l, err, len(l.conns))
	l.retire("fault")
}

// retire stops accepting handoffs, closes every bound connection, frees the
// engine and removes the loop from the registry.
func (l *Loop) retire(reason string) {
	if l.current() == StateRetired {
		return
	}
	l.setState(StateRetired)
	close(l.stopping)
	l.handoffMu.Lock()
	l.retired = true
	l.handoffMu.Unlock()
	for id, b := range l.conns {
		_ = b.conn.Close()
		delete(l.conns, id)
		l.reg.metrics.addConns(-1)
	}
	l.res.Free()
	l.reg.remove(l, reason)
	l.logger.Info("locker.loop.retired", "reason", reason, "lifetime", l.reg.clock.Now().Sub(l.created))
}
