// Package resource implements the lock engine: one Resource per named lock
// target, holding the holder and waiter bookkeeping for the kinds derived
// from the name grammar. Instances are owned by a single goroutine and carry
// no internal locking.
package resource

import (
	"errors"
	"fmt"
	"time"

	"pkt.systems/netlock/internal/proto"
)

// ConnID identifies a client connection. The engine references connections
// only by ID and never owns them.
type ConnID string

// ErrInternal marks an invariant violation inside the engine. The owning loop
// treats it as fatal for the instance.
var ErrInternal = errors.New("resource: internal error")

// Failure is a rejected request. The engine state is unchanged and the caller
// answers the request with Code.
type Failure struct {
	Code   proto.Code
	Detail string
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return string(f.Code)
}

// AsFailure extracts a Failure from err.
func AsFailure(err error) (Failure, bool) {
	var f Failure
	if errors.As(err, &f) {
		return f, true
	}
	return Failure{}, false
}

func failf(code proto.Code, format string, args ...any) error {
	return Failure{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Default request values applied when neither the request nor Options carry
// a value.
const (
	DefaultMode     = ModeEX
	DefaultQuantity = 1
)

// Options are the per-resource defaults captured when the instance is
// created. They are never re-read afterwards.
type Options struct {
	Lifespan        time.Duration
	DefaultMode     Mode
	DefaultWait     bool
	DefaultQuantity int
	Now             func() time.Time
}

func (o Options) normalized() Options {
	if !o.DefaultMode.Valid() {
		o.DefaultMode = DefaultMode
	}
	if o.DefaultQuantity <= 0 {
		o.DefaultQuantity = DefaultQuantity
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Holder is a grant (or, while queued, a pending request) owned by one
// connection. The same record moves from the waiter queue to the holders.
type Holder struct {
	Conn     ConnID    `json:"conn"`
	Name     string    `json:"name"`
	Mode     Mode      `json:"mode,omitempty"`
	Quantity int       `json:"quantity,omitempty"`
	Element  string    `json:"element,omitempty"`
	Path     []string  `json:"path,omitempty"`
	Since    time.Time `json:"since"`
}

// Grant is an unsolicited answer for a waiter that became a holder.
type Grant struct {
	Conn    ConnID
	Message *proto.Message
}

// Snapshot is a read-only copy of an instance's state.
type Snapshot struct {
	Key      string   `json:"key"`
	Name     string   `json:"name"`
	Kind     Kind     `json:"kind"`
	Capacity int      `json:"capacity,omitempty"`
	Elements []string `json:"elements,omitempty"`
	Holders  []Holder `json:"holders"`
	Waiters  []Holder `json:"waiters"`
}

// Resource is the contract shared by every kind.
type Resource interface {
	Key() string
	Name() string
	Kind() Kind
	// HandleMessage processes a LOCK or UNLOCK request from conn and returns
	// the answer. Rejections are reported as Failure with no state change;
	// any other error means the instance is no longer consistent.
	HandleMessage(conn ConnID, msg *proto.Message) (*proto.Message, error)
	// Clean drops every holder and waiter of conn. It is idempotent and
	// reports whether anything was removed; either case may let queued
	// requests through.
	Clean(conn ConnID) bool
	// Waitings grants every queued request that fits now, removing it from
	// the queue.
	Waitings() []Grant
	// Free releases all collections. The instance must not be used afterwards.
	Free()
	// Deadline is the next time the instance wants to be woken; zero means
	// never.
	Deadline() time.Time
	// Busy reports whether any holder or waiter exists.
	Busy() bool
	Snapshot() Snapshot
}

// Init parses name and allocates the kind-specific state.
func Init(name string, opts Options) (Resource, error) {
	spec, err := Classify(name)
	if err != nil {
		return nil, err
	}
	return New(spec, opts)
}

// New allocates an instance for an already classified name.
func New(spec Spec, opts Options) (Resource, error) {
	opts = opts.normalized()
	base := queue{spec: spec, opts: opts}
	switch spec.Kind {
	case KindSimple:
		return &Simple{queue: base}, nil
	case KindNumeric:
		return &Numeric{queue: base, capacity: spec.Capacity}, nil
	case KindSet:
		return newSet(base), nil
	case KindHierarchical:
		return newTree(base), nil
	case KindSequence, KindTimestamp:
		return nil, fmt.Errorf("%w: %s %q", ErrUnsupportedKind, spec.Kind, spec.Name)
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidResourceName, spec.Kind)
	}
}

// allocator is the kind-specific half of an engine.
type allocator interface {
	// request validates the lock request against this instance and builds
	// the pending holder record.
	request(conn ConnID, spec Spec, r *proto.Resource) (*Holder, proto.Warning, error)
	// possible reports whether h could ever be granted.
	possible(h *Holder) bool
	fits(h *Holder) bool
	take(h *Holder)
	held(conn ConnID) *Holder
	// release removes the holder of conn and returns it.
	release(conn ConnID) *Holder
	// owns reports whether the unlock name addresses grant h.
	owns(h *Holder, name string) bool
	// fifo is true when waiters must be served strictly in order.
	fifo() bool
	holders() []Holder
	reset()
}

// queue is the bookkeeping every kind shares: identity, defaults and the
// FIFO waiter queue.
type queue struct {
	spec    Spec
	opts    Options
	waiters []*Holder
}

func (q *queue) Key() string          { return q.spec.Key }
func (q *queue) Kind() Kind           { return q.spec.Kind }
func (q *queue) Deadline() time.Time  { return time.Time{} }
func (q *queue) waiting(c ConnID) int { return indexOf(q.waiters, c) }

func (q *queue) Name() string {
	if q.spec.Kind == KindHierarchical && len(q.spec.Path) > 0 {
		return q.spec.Path[0]
	}
	return q.spec.Name
}

func indexOf(list []*Holder, c ConnID) int {
	for i, h := range list {
		if h.Conn == c {
			return i
		}
	}
	return -1
}

func (q *queue) dequeue(c ConnID) *Holder {
	i := q.waiting(c)
	if i < 0 {
		return nil
	}
	h := q.waiters[i]
	q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
	return h
}

func (q *queue) snapshotWaiters() []Holder {
	out := make([]Holder, 0, len(q.waiters))
	for _, w := range q.waiters {
		out = append(out, cloneHolder(w))
	}
	return out
}

func cloneHolder(h *Holder) Holder {
	c := *h
	if h.Path != nil {
		c.Path = append([]string(nil), h.Path...)
	}
	return c
}

// wantsWait resolves the optional wait flag.
func (q *queue) wantsWait(r *proto.Resource) bool {
	if r.Wait != nil {
		return *r.Wait
	}
	return q.opts.DefaultWait
}

// mode resolves the requested mode, falling back to the default with a
// warning when the text is not understood.
func (q *queue) mode(r *proto.Resource) (Mode, proto.Warning) {
	m, ok := ParseMode(r.Mode)
	if !ok {
		return q.opts.DefaultMode, proto.WarningAmbiguousMode
	}
	if m == ModeUnset {
		return q.opts.DefaultMode, proto.WarningNone
	}
	return m, proto.WarningNone
}

func (q *queue) quantity(r *proto.Resource) int {
	if r.Quantity > 0 {
		return r.Quantity
	}
	return q.opts.DefaultQuantity
}

// handle implements HandleMessage for every kind.
func handle(q *queue, a allocator, conn ConnID, msg *proto.Message) (*proto.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInternal)
	}
	if conn == "" {
		return nil, fmt.Errorf("%w: message without connection", ErrInternal)
	}
	switch {
	case msg.Verb == proto.VerbLock && msg.Phase == proto.PhaseLockRequest:
		return lock(q, a, conn, msg)
	case msg.Verb == proto.VerbLock && msg.Phase == proto.PhaseLockAck:
		return nil, nil
	case msg.Verb == proto.VerbUnlock && msg.Phase == proto.Phase1:
		return unlock(q, a, conn, msg)
	default:
		return nil, failf(proto.CodeProtocolError, "%s phase %d is not handled by resources", msg.Verb, msg.Phase)
	}
}

func lock(q *queue, a allocator, conn ConnID, msg *proto.Message) (*proto.Message, error) {
	if msg.Resource == nil {
		return nil, failf(proto.CodeInvalidOption, "lock without resource")
	}
	spec, err := Classify(msg.Resource.Name)
	if err != nil {
		return nil, failf(proto.CodeInvalidOption, "%v", err)
	}
	if spec.Key != q.spec.Key {
		return nil, failf(proto.CodeInvalidOption, "%q is not served by %q", spec.Name, q.spec.Name)
	}
	if a.held(conn) != nil || q.waiting(conn) >= 0 {
		return nil, failf(proto.CodeDuplicate, "connection already holds or waits on %q", q.Name())
	}
	h, warning, err := a.request(conn, spec, msg.Resource)
	if err != nil {
		return nil, err
	}
	h.Since = q.opts.Now()
	answer := proto.NewAnswer(msg, proto.CodeOK)
	answer.Answer.Warning = warning
	switch {
	case !a.possible(h):
		answer.Answer.Code = proto.CodeImpossible
	case a.fits(h):
		a.take(h)
		answer.Answer.Element = h.Element
	case q.wantsWait(msg.Resource):
		q.waiters = append(q.waiters, h)
		answer.Answer.Code = proto.CodeEnqueued
	default:
		answer.Answer.Code = proto.CodeBusy
	}
	return answer, nil
}

func unlock(q *queue, a allocator, conn ConnID, msg *proto.Message) (*proto.Message, error) {
	if msg.Resource == nil {
		return nil, failf(proto.CodeInvalidOption, "unlock without resource")
	}
	name := msg.Resource.Name
	h := a.held(conn)
	if h == nil {
		i := q.waiting(conn)
		if i < 0 {
			return nil, failf(proto.CodeNotHeld, "connection holds nothing on %q", q.Name())
		}
		if !a.owns(q.waiters[i], name) {
			return nil, failf(proto.CodeInvalidOption, "unlock %q while waiting on %q", name, q.waiters[i].Name)
		}
		q.dequeue(conn)
	} else {
		if !a.owns(h, name) {
			return nil, failf(proto.CodeInvalidOption, "unlock %q while holding %q", name, h.Name)
		}
		if a.release(conn) == nil {
			return nil, fmt.Errorf("%w: holder of %s vanished during release", ErrInternal, conn)
		}
	}
	answer := proto.NewAnswer(msg, proto.CodeOK)
	if msg.Resource.Rollback {
		answer.Answer.Warning = proto.WarningNotTransactional
	}
	return answer, nil
}

func clean(q *queue, a allocator, conn ConnID) bool {
	dequeued := q.dequeue(conn) != nil
	released := a.release(conn) != nil
	return dequeued || released
}

// waitings serves the queue front to back. FIFO kinds stop at the first
// waiter that does not fit; the others keep scanning while capacity remains.
func waitings(q *queue, a allocator) []Grant {
	if len(q.waiters) == 0 {
		return nil
	}
	var grants []Grant
	kept := q.waiters[:0]
	blocked := false
	for _, w := range q.waiters {
		if blocked || !a.fits(w) {
			if a.fifo() {
				blocked = true
			}
			kept = append(kept, w)
			continue
		}
		a.take(w)
		grants = append(grants, Grant{Conn: w.Conn, Message: grantMessage(w)})
	}
	for i := len(kept); i < len(q.waiters); i++ {
		q.waiters[i] = nil
	}
	q.waiters = kept
	return grants
}

func grantMessage(h *Holder) *proto.Message {
	return &proto.Message{
		Level:    proto.Level,
		Verb:     proto.VerbLock,
		Phase:    proto.PhaseLockGranted,
		Resource: &proto.Resource{Name: h.Name},
		Answer:   &proto.Answer{Code: proto.CodeOK, Element: h.Element},
	}
}

func snapshot(q *queue, a allocator) Snapshot {
	s := Snapshot{
		Key:      q.spec.Key,
		Name:     q.Name(),
		Kind:     q.spec.Kind,
		Capacity: q.spec.Capacity,
		Holders:  a.holders(),
		Waiters:  q.snapshotWaiters(),
	}
	if q.spec.Elements != nil {
		s.Elements = append([]string(nil), q.spec.Elements...)
	}
	return s
}

func free(q *queue, a allocator) {
	q.waiters = nil
	a.reset()
}

func busy(q *queue, a allocator) bool {
	return len(q.waiters) > 0 || len(a.holders()) > 0
}
