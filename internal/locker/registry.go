// Package locker runs one goroutine per live resource and routes client
// connections to it.
package locker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/netlock/internal/clock"
	"pkt.systems/netlock/internal/loggingutil"
	"pkt.systems/netlock/internal/proto"
	"pkt.systems/netlock/internal/resource"
)

const (
	// DefaultPollInterval is how often an idle loop re-checks its state.
	DefaultPollInterval = time.Second
	// DefaultIdleThreshold is the number of idle polls before draining.
	DefaultIdleThreshold = 3
	// DefaultLifespan is how long a drained resource survives without
	// connections.
	DefaultLifespan = 30 * time.Second

	shardCount   = 64
	routeRetries = 8
)

var (
	// ErrShuttingDown is returned once the registry stopped accepting work.
	ErrShuttingDown = errors.New("locker: shutting down")
	// ErrNotFound is returned for an unseen resource when creation is off.
	ErrNotFound = errors.New("locker: resource not found")
	// ErrNotRoutable is returned for a token whose first message is not a
	// lock request.
	ErrNotRoutable = errors.New("locker: first message is not a lock request")
)

// Config tunes loop timing.
type Config struct {
	PollInterval  time.Duration
	IdleThreshold int
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	return c
}

// Defaults are applied to resources created after they are set. A live
// resource keeps the values it was created with.
type Defaults struct {
	Create   bool
	Lifespan time.Duration
	Mode     resource.Mode
	Wait     bool
	Quantity int
}

// DefaultDefaults returns the built-in resource defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		Create:   true,
		Lifespan: DefaultLifespan,
		Mode:     resource.DefaultMode,
		Wait:     true,
		Quantity: resource.DefaultQuantity,
	}
}

// ProtocolErrorFunc is told about every connection dropped for a protocol
// violation.
type ProtocolErrorFunc func(remote string, err error)

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithDefaults sets the initial resource defaults.
func WithDefaults(d Defaults) Option {
	return func(r *Registry) {
		r.SetDefaults(d)
	}
}

// WithProtocolErrorHook registers fn for protocol violations.
func WithProtocolErrorHook(fn ProtocolErrorFunc) Option {
	return func(r *Registry) {
		r.onProtocolError = fn
	}
}

type shard struct {
	mu    sync.Mutex
	loops map[string]*Loop
}

// Registry maps resource keys to their loops.
type Registry struct {
	cfg             Config
	logger          pslog.Logger
	clock           clock.Clock
	tracer          trace.Tracer
	metrics         *lockerMetrics
	defaults        atomic.Pointer[Defaults]
	onProtocolError ProtocolErrorFunc
	newResource     func(resource.Spec, resource.Options) (resource.Resource, error)

	shards  [shardCount]shard
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closing atomic.Bool
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:         cfg.normalized(),
		logger:      loggingutil.NoopLogger(),
		clock:       clock.Real{},
		newResource: resource.New,
	}
	r.SetDefaults(DefaultDefaults())
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = loggingutil.WithSubsystem(r.logger, "locker.registry")
	r.tracer = otel.Tracer("pkt.systems/netlock/locker")
	r.metrics = newLockerMetrics(r.logger)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	for i := range r.shards {
		r.shards[i].loops = make(map[string]*Loop)
	}
	return r
}

// SetDefaults replaces the defaults for resources created from now on.
func (r *Registry) SetDefaults(d Defaults) {
	if !d.Mode.Valid() {
		d.Mode = resource.DefaultMode
	}
	if d.Quantity <= 0 {
		d.Quantity = resource.DefaultQuantity
	}
	if d.Lifespan < 0 {
		d.Lifespan = 0
	}
	r.defaults.Store(&d)
}

// Defaults returns the current resource defaults.
func (r *Registry) Defaults() Defaults {
	return *r.defaults.Load()
}

func (r *Registry) shardFor(key string) *shard {
	return &r.shards[xxh3.HashString(key)%shardCount]
}

// Route hands tok to the loop owning the resource named by tok.First,
// spawning the loop when the resource is unseen. On error the caller still
// owns tok.Conn.
func (r *Registry) Route(ctx context.Context, tok Token) error {
	if r.closing.Load() {
		return ErrShuttingDown
	}
	if tok.First == nil || tok.First.Verb != proto.VerbLock || tok.First.Phase != proto.PhaseLockRequest || tok.First.Resource == nil {
		return ErrNotRoutable
	}
	spec, err := resource.Classify(tok.First.Resource.Name)
	if err != nil {
		return err
	}
	for range routeRetries {
		loop, err := r.loadOrSpawn(spec, tok.First.Resource)
		if err != nil {
			return err
		}
		err = loop.deliver(ctx, tok)
		if !errors.Is(err, errRetired) {
			return err
		}
		// The loop retired between lookup and delivery. A retired loop is
		// treated as absent, so the next lookup spawns a fresh one.
	}
	return fmt.Errorf("locker: route %q: %w", spec.Key, errRetired)
}

func (r *Registry) loadOrSpawn(spec resource.Spec, req *proto.Resource) (*Loop, error) {
	sh := r.shardFor(spec.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if loop, ok := sh.loops[spec.Key]; ok && loop.current() != StateRetired {
		return loop, nil
	}
	if r.closing.Load() {
		return nil, ErrShuttingDown
	}
	d := r.Defaults()
	create := d.Create
	if req.Create != nil {
		create = *req.Create
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, spec.Name)
	}
	lifespan := d.Lifespan
	if req.Lifespan > 0 {
		lifespan = req.Lifespan
	}
	res, err := r.newResource(spec, resource.Options{
		Lifespan:        lifespan,
		DefaultMode:     d.Mode,
		DefaultWait:     d.Wait,
		DefaultQuantity: d.Quantity,
		Now:             r.clock.Now,
	})
	if err != nil {
		return nil, err
	}
	loop := newLoop(r, res, lifespan)
	sh.loops[spec.Key] = loop
	r.metrics.addLoops(1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		loop.run(r.ctx)
	}()
	r.logger.Debug("locker.loop.spawn", "resource", res.Name(), "kind", res.Kind().String(), "lifespan", lifespan)
	return loop, nil
}

// remove is called exactly once by a retiring loop. The entry may already
// have been replaced by a fresh loop for the same key.
func (r *Registry) remove(l *Loop, reason string) {
	r.removeIf(l)
	r.metrics.addLoops(-1)
	r.metrics.recordRetired(reason)
}

func (r *Registry) removeIf(l *Loop) bool {
	sh := r.shardFor(l.key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.loops[l.key]; ok && cur == l {
		delete(sh.loops, l.key)
		return true
	}
	return false
}

func (r *Registry) loops() []*Loop {
	var out []*Loop
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for _, l := range sh.loops {
			out = append(out, l)
		}
		sh.mu.Unlock()
	}
	return out
}

func (r *Registry) lookup(name string) (*Loop, error) {
	spec, err := resource.Classify(name)
	if err != nil {
		return nil, err
	}
	sh := r.shardFor(spec.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	loop, ok := sh.loops[spec.Key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return loop, nil
}

// Len returns the number of live loops.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		n += len(sh.loops)
		sh.mu.Unlock()
	}
	return n
}

// Snapshots asks every live loop for its state. Loops that retire while
// being asked are skipped.
func (r *Registry) Snapshots(ctx context.Context) ([]Status, error) {
	loops := r.loops()
	out := make([]Status, 0, len(loops))
	for _, l := range loops {
		st, err := l.snapshot(ctx)
		if errors.Is(err, errRetired) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Snapshot returns the state of the resource addressed by name.
func (r *Registry) Snapshot(ctx context.Context, name string) (Status, error) {
	l, err := r.lookup(name)
	if err != nil {
		return Status{}, err
	}
	st, err := l.snapshot(ctx)
	if errors.Is(err, errRetired) {
		return Status{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return st, err
}

func (l *Loop) snapshot(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := l.command(ctx, control{kind: ctlSnapshot, reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Retire forcibly retires the resource addressed by name, closing its
// connections.
func (r *Registry) Retire(ctx context.Context, name string) error {
	l, err := r.lookup(name)
	if err != nil {
		return err
	}
	if err := l.command(ctx, control{kind: ctlRetire, reason: "management"}); err != nil && !errors.Is(err, errRetired) {
		return err
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShutdownMode selects how live loops are stopped.
type ShutdownMode int

const (
	// ShutdownImmediate stops every loop at once.
	ShutdownImmediate ShutdownMode = iota
	// ShutdownQuiesce lets loops finish until their connections close or the
	// context deadline passes.
	ShutdownQuiesce
)

func (m ShutdownMode) String() string {
	if m == ShutdownQuiesce {
		return "quiesce"
	}
	return "immediate"
}

// ParseShutdownMode maps "immediate" and "quiesce" to a mode.
func ParseShutdownMode(s string) (ShutdownMode, bool) {
	switch s {
	case "", "immediate", "now":
		return ShutdownImmediate, true
	case "quiesce", "graceful", "drain":
		return ShutdownQuiesce, true
	}
	return ShutdownImmediate, false
}

// Shutdown stops accepting routes and waits for every loop to retire. When
// ctx expires first the remaining loops are stopped at once and ctx's error
// is returned.
func (r *Registry) Shutdown(ctx context.Context, mode ShutdownMode) error {
	if !r.beginClosing() {
		return r.wait(ctx)
	}
	r.logger.Info("locker.shutdown.begin", "mode", mode.String(), "loops", r.Len())
	if mode == ShutdownImmediate {
		r.cancel()
		return r.wait(ctx)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = r.clock.Now().Add(r.Defaults().Lifespan)
	}
	for _, l := range r.loops() {
		if err := l.command(ctx, control{kind: ctlQuiesce, deadline: deadline}); err != nil && !errors.Is(err, errRetired) {
			break
		}
	}
	return r.wait(ctx)
}

// beginClosing flips closing with every shard held, so no spawn can slip a
// wg.Add in after the flag is set.
func (r *Registry) beginClosing() bool {
	for i := range r.shards {
		r.shards[i].mu.Lock()
	}
	defer func() {
		for i := range r.shards {
			r.shards[i].mu.Unlock()
		}
	}()
	return r.closing.CompareAndSwap(false, true)
}

func (r *Registry) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		r.logger.Info("locker.shutdown.complete")
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		r.logger.Warn("locker.shutdown.forced", "error", ctx.Err())
		return ctx.Err()
	}
}

// Close stops every loop immediately.
func (r *Registry) Close() error {
	return r.Shutdown(context.Background(), ShutdownImmediate)
}

func (r *Registry) protocolError(remote string, err error) {
	if r.onProtocolError != nil {
		r.onProtocolError(remote, err)
	}
}

func (r *Registry) fault(l *Loop, err error, conns int) {
	r.logger.Error("locker.loop.fault", "resource", l.res.Name(), "connections", conns, "error", err)
}

// CodeFor maps a Route error to the answer code sent to the client.
func CodeFor(err error) proto.Code {
	switch {
	case err == nil:
		return proto.CodeOK
	case errors.Is(err, ErrShuttingDown):
		return proto.CodeShuttingDown
	case errors.Is(err, ErrNotFound):
		return proto.CodeNotFound
	case errors.Is(err, ErrNotRoutable):
		return proto.CodeProtocolError
	case errors.Is(err, resource.ErrInvalidResourceName), errors.Is(err, resource.ErrUnsupportedKind):
		return proto.CodeInvalidOption
	}
	if f, ok := resource.AsFailure(err); ok {
		return f.Code
	}
	return proto.CodeInternalError
}
