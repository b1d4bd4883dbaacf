package netlock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"pkt.systems/pslog"

	"pkt.systems/netlock/internal/admin"
	"pkt.systems/netlock/internal/clock"
	"pkt.systems/netlock/internal/connguard"
	"pkt.systems/netlock/internal/locker"
	"pkt.systems/netlock/internal/loggingutil"
	"pkt.systems/netlock/internal/lsf"
	"pkt.systems/netlock/internal/proto"
	"pkt.systems/netlock/internal/qrf"
	"pkt.systems/netlock/internal/transport"
)

// ErrServerClosed is returned by Start after the server has been shut down.
var ErrServerClosed = errors.New("netlock: server closed")

// Server accepts lock clients, answers connection level requests itself and
// hands LOCK requests to the locker registry.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	levels    *loggingutil.Switch
	clock     clock.Clock
	registry  *locker.Registry
	guard     *connguard.Guard
	qrf       *qrf.Controller
	lsf       *lsf.Observer
	telemetry *telemetry
	metrics   *serverMetrics
	started   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	shutdown     bool
	listeners    []endpoint
	tcpAddr      net.Addr
	unixAddr     net.Addr
	adminSrv     *http.Server
	adminLn      net.Listener
	pending      map[transport.Conn]struct{}
	lastServeErr error

	handlers  sync.WaitGroup
	readyOnce sync.Once
	readyCh   chan struct{}
	done      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger    pslog.Logger
	Clock     clock.Clock
	Levels    *loggingutil.Switch
	HostProbe lsf.HostProbe
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithLevelSwitch lets MANAGEMENT log-level requests change the level of sw.
// When no logger is supplied the server logs through sw.
func WithLevelSwitch(sw *loggingutil.Switch) Option {
	return func(o *options) {
		o.Levels = sw
	}
}

// WithHostProbe replaces the host sampler used by the overload guard.
func WithHostProbe(p lsf.HostProbe) Option {
	return func(o *options) {
		o.HostProbe = p
	}
}

// NewServer constructs a netlockd server according to cfg.
// Example:
//
//	srv, err := netlock.NewServer(netlock.Config{Listen: ":9342"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil && o.Levels != nil {
		logger = o.Levels.Logger()
	}
	logger = loggingutil.EnsureLogger(logger)
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	tel, err := setupTelemetry(context.Background(), cfg.telemetryConfig(), logger)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		logger:    loggingutil.WithSubsystem(logger, "server"),
		levels:    o.Levels,
		clock:     clk,
		telemetry: tel,
		pending:   make(map[transport.Conn]struct{}),
		readyCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.metrics = newServerMetrics(s.logger)
	s.guard = connguard.New(cfg.guardConfig(), logger, clk)
	qcfg := cfg.qrfConfig()
	qcfg.Logger = logger
	s.qrf = qrf.NewController(qcfg)
	s.lsf = lsf.NewObserver(cfg.lsfConfig(), s.qrf, s, logger, lsf.WithHostProbe(o.HostProbe))
	s.registry = locker.NewRegistry(cfg.lockerConfig(),
		locker.WithLogger(logger),
		locker.WithClock(clk),
		locker.WithDefaults(cfg.ResourceDefaults()),
		locker.WithProtocolErrorHook(s.protocolError),
	)
	return s, nil
}

// Start opens the listeners and serves until the server is shut down. It
// returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.started = s.clock.Now()
	if err := s.listen(); err != nil {
		lns := s.listeners
		s.listeners = nil
		s.mu.Unlock()
		for _, ln := range lns {
			_ = ln.Close()
		}
		return err
	}
	lns := s.listeners
	adminSrv, adminLn := s.adminSrv, s.adminLn
	s.mu.Unlock()
	s.lsf.Start(s.ctx)
	s.signalReady()

	g, gctx := errgroup.WithContext(s.ctx)
	for _, ln := range lns {
		g.Go(func() error {
			return s.serve(ln)
		})
	}
	if adminSrv != nil {
		g.Go(func() error {
			if err := adminSrv.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin serve: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		// A failing listener takes the others down with it.
		<-gctx.Done()
		s.closeListeners()
		return nil
	})
	err := g.Wait()
	s.recordServeErr(err)
	return err
}

// listen opens every configured listener. s.mu is held.
func (s *Server) listen() error {
	if s.cfg.Listen != "-" {
		ln, err := transport.Listen(s.ctx, "tcp", s.cfg.Listen)
		if err != nil {
			return err
		}
		s.tcpAddr = ln.Addr()
		if s.cfg.MaxConnections > 0 {
			ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
		}
		s.listeners = append(s.listeners, endpoint{Listener: s.guard.WrapListener(ln), guarded: true})
		s.logger.Info("server.listen", "network", "tcp", "address", s.tcpAddr.String(), "max_connections", s.cfg.MaxConnections)
	}
	if s.cfg.UnixSocket != "" {
		ln, err := transport.Listen(s.ctx, "unix", s.cfg.UnixSocket)
		if err != nil {
			return err
		}
		s.unixAddr = ln.Addr()
		if s.cfg.MaxConnections > 0 {
			ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
		}
		s.listeners = append(s.listeners, endpoint{Listener: ln})
		s.logger.Info("server.listen", "network", "unix", "address", s.cfg.UnixSocket)
	}
	if s.cfg.AdminListen != "" {
		ln, err := net.Listen("tcp", s.cfg.AdminListen)
		if err != nil {
			return fmt.Errorf("admin listen: %w", err)
		}
		s.adminLn = ln
		s.adminSrv = &http.Server{
			Handler: admin.NewHandler(s.registry, admin.Options{
				Logger:  s.logger,
				Metrics: s.telemetry.MetricsHandler(),
				Started: s.started,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.logger.Info("server.admin.listen", "address", ln.Addr().String())
	}
	return nil
}

// endpoint is a client listener. Connections from guarded endpoints are
// probed by the connection guard.
type endpoint struct {
	net.Listener
	guarded bool
}

func (s *Server) serve(ln endpoint) error {
	var backoff time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.closing() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.logger.Warn("server.accept.retry", "address", ln.Addr().String(), "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept %s: %w", ln.Addr(), err)
		}
		backoff = 0
		if !s.addHandler() {
			_ = raw.Close()
			return nil
		}
		go func() {
			defer s.handlers.Done()
			s.handle(raw, ln.guarded)
		}()
	}
}

// handle serves one connection until it is handed to a locker loop or
// closed.
func (s *Server) handle(raw net.Conn, guarded bool) {
	if guarded {
		checked, err := s.guard.Admit(raw)
		if err != nil {
			s.logger.Debug("server.conn.refused", "remote", raw.RemoteAddr().String(), "error", err)
			_ = raw.Close()
			return
		}
		raw = checked
	}
	conn := transport.Wrap(raw,
		transport.WithMaxFrame(s.cfg.MaxFrame),
		transport.WithWriteTimeout(s.cfg.WriteTimeout),
	)
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	s.metrics.recordAccepted(string(conn.Domain()))
	logger := s.logger.With("conn", conn.ID(), "remote", conn.RemoteAddr(), "domain", conn.Domain())
	logger.Trace("server.conn.accepted")
	if err := s.qrf.Wait(s.ctx); err != nil {
		s.shed(conn, err, logger)
		return
	}

	for {
		msg, err := transport.RecvMessage(conn, s.cfg.HandshakeTimeout)
		if err != nil {
			switch {
			case transport.IsClosed(err):
				logger.Trace("server.conn.closed")
			case errors.Is(err, transport.ErrTimeout):
				logger.Debug("server.conn.idle_timeout", "timeout", s.cfg.HandshakeTimeout)
			default:
				logger.Warn("server.conn.protocol_error", "error", err)
				s.protocolError(conn.RemoteAddr(), err)
			}
			s.release(conn)
			return
		}
		switch s.dispatch(conn, msg, logger) {
		case connHanded:
			s.untrack(conn)
			return
		case connClose:
			s.release(conn)
			return
		}
	}
}

// shed refuses a connection the overload guard would not pace. A request
// that arrives in time is answered busy so the client can retry.
func (s *Server) shed(conn transport.Conn, err error, logger pslog.Logger) {
	defer s.release(conn)
	var waitErr *qrf.WaitError
	if !errors.As(err, &waitErr) {
		return
	}
	s.metrics.recordShed(waitErr.Reason)
	logger.Debug("server.conn.shed", "reason", waitErr.Reason, "delay", waitErr.Delay)
	msg, err := transport.RecvMessage(conn, s.cfg.HandshakeTimeout)
	if err != nil {
		return
	}
	s.answer(conn, msg, proto.CodeBusy)
}

type connOutcome uint8

const (
	connKeep connOutcome = iota
	connHanded
	connClose
)

// dispatch handles one message from an unbound connection.
func (s *Server) dispatch(conn transport.Conn, msg *proto.Message, logger pslog.Logger) connOutcome {
	if err := proto.CheckDirection(msg, proto.RoleClient); err != nil {
		logger.Warn("server.conn.protocol_error", "verb", msg.Verb, "phase", msg.Phase, "error", err)
		s.answer(conn, msg, proto.CodeProtocolError)
		s.protocolError(conn.RemoteAddr(), err)
		return connClose
	}
	switch msg.Verb {
	case proto.VerbPing:
		return s.reply(conn, proto.NewAnswer(msg, proto.CodeOK))
	case proto.VerbDiscover:
		out := proto.NewAnswer(msg, proto.CodeOK)
		out.Network = s.cfg.advertised(s.tcpAddr)
		return s.reply(conn, out)
	case proto.VerbManagement:
		return s.manage(msg, logger)
	case proto.VerbUnlock:
		return s.reply(conn, proto.NewAnswer(msg, proto.CodeNotHeld))
	case proto.VerbLock:
		if msg.Phase == proto.PhaseLockAck {
			return connKeep
		}
		err := s.registry.Route(s.ctx, locker.Token{Conn: conn, Domain: conn.Domain(), First: msg})
		if err == nil {
			logger.Debug("server.conn.handoff", "resource", msg.Resource.Name)
			return connHanded
		}
		code := locker.CodeFor(err)
		logger.Debug("server.conn.route_failed", "resource", msg.Resource.Name, "code", code, "error", err)
		if code == proto.CodeProtocolError {
			s.answer(conn, msg, code)
			s.protocolError(conn.RemoteAddr(), err)
			return connClose
		}
		return s.reply(conn, proto.NewAnswer(msg, code))
	}
	return connClose
}

func (s *Server) reply(conn transport.Conn, out *proto.Message) connOutcome {
	if err := transport.SendMessage(conn, out); err != nil {
		s.logger.Debug("server.conn.send_failed", "conn", conn.ID(), "error", err)
		return connClose
	}
	return connKeep
}

func (s *Server) answer(conn transport.Conn, msg *proto.Message, code proto.Code) {
	if _, ok := proto.AnswerPhase(msg.Verb); ok {
		_ = transport.SendMessage(conn, proto.NewAnswer(msg, code))
	}
}

// manage applies a MANAGEMENT request. Management requests are never
// answered.
func (s *Server) manage(msg *proto.Message, logger pslog.Logger) connOutcome {
	action := msg.Management.Action
	if !s.cfg.Management {
		logger.Warn("server.management.disabled", "action", action)
		s.metrics.recordManagement(action, "disabled")
		return connClose
	}
	logger.Info("server.management", "action", action, "params", len(msg.Management.Params))
	switch action {
	case "shutdown":
		raw, _ := msg.Management.Param("mode")
		mode, ok := locker.ParseShutdownMode(raw)
		if !ok {
			logger.Warn("server.management.invalid", "action", action, "mode", raw)
			s.metrics.recordManagement(action, "invalid")
			return connKeep
		}
		s.metrics.recordManagement(action, "ok")
		// Shutdown waits for this handler, so it cannot run inline.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			defer cancel()
			if err := s.ShutdownWithMode(ctx, mode); err != nil {
				s.logger.Warn("server.management.shutdown_failed", "error", err)
			}
		}()
		return connClose
	case "retire":
		name, ok := msg.Management.Param("resource")
		if !ok || name == "" {
			logger.Warn("server.management.invalid", "action", action)
			s.metrics.recordManagement(action, "invalid")
			return connKeep
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
		defer cancel()
		if err := s.registry.Retire(ctx, name); err != nil {
			logger.Warn("server.management.retire_failed", "resource", name, "error", err)
			s.metrics.recordManagement(action, "failed")
			return connKeep
		}
		s.metrics.recordManagement(action, "ok")
	case "log-level":
		level, _ := msg.Management.Param("level")
		if err := s.SetLogLevel(level); err != nil {
			logger.Warn("server.management.invalid", "action", action, "error", err)
			s.metrics.recordManagement(action, "invalid")
			return connKeep
		}
		s.metrics.recordManagement(action, "ok")
	default:
		logger.Warn("server.management.unknown", "action", action)
		s.metrics.recordManagement(action, "unknown")
	}
	return connKeep
}

// protocolError counts a violation and feeds the connection guard. The
// locker registry calls it for violations on bound connections.
func (s *Server) protocolError(remote string, _ error) {
	s.metrics.recordProtocolError()
	s.guard.Report(remote, "protocol_error")
}

// addHandler registers a connection goroutine unless shutdown has begun, so
// that Shutdown's wait never races a late Add.
func (s *Server) addHandler() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.handlers.Add(1)
	return true
}

func (s *Server) track(conn transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.pending[conn] = struct{}{}
	s.metrics.addPending(1)
	return true
}

func (s *Server) untrack(conn transport.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[conn]; ok {
		delete(s.pending, conn)
		s.metrics.addPending(-1)
	}
}

func (s *Server) release(conn transport.Conn) {
	s.untrack(conn)
	_ = conn.Close()
}

func (s *Server) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown || s.ctx.Err() != nil
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	lns := s.listeners
	s.listeners = nil
	s.mu.Unlock()
	for _, ln := range lns {
		_ = ln.Close()
	}
}

// Shutdown stops accepting connections and lets live resources drain for up
// to DrainGrace before they are stopped. Pending connections that have not
// asked for a lock are closed at once.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.ShutdownWithMode(ctx, locker.ShutdownQuiesce)
}

// Close stops the server immediately, closing every client connection.
func (s *Server) Close() error {
	return s.ShutdownWithMode(context.Background(), locker.ShutdownImmediate)
}

// ShutdownWithMode stops the server. Calls after the first wait for the
// first one to finish.
func (s *Server) ShutdownWithMode(ctx context.Context, mode locker.ShutdownMode) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.shutdown = true
	pending := make([]transport.Conn, 0, len(s.pending))
	for conn := range s.pending {
		pending = append(pending, conn)
	}
	adminSrv := s.adminSrv
	s.mu.Unlock()
	defer close(s.done)

	s.logger.Info("server.shutdown.begin", "mode", mode.String(), "pending", len(pending), "resources", s.registry.Len())
	s.closeListeners()
	for _, conn := range pending {
		_ = conn.Close()
	}

	var errs []error
	drainCtx, cancel := ctx, context.CancelFunc(func() {})
	if mode == locker.ShutdownQuiesce {
		drainCtx, cancel = context.WithTimeout(ctx, s.cfg.DrainGrace)
	}
	err := s.registry.Shutdown(drainCtx, mode)
	cancel()
	// Running past the drain grace is the normal end of a quiesce.
	if err != nil && !(errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
		errs = append(errs, fmt.Errorf("locker shutdown: %w", err))
	}
	s.cancel()
	s.handlers.Wait()
	s.lsf.Wait()

	if adminSrv != nil {
		if err := adminSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("server.shutdown.error", "error", err)
		return err
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Done is closed once a shutdown has completed.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listeners are open or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound TCP address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcpAddr
}

// UnixAddr returns the bound unix socket address once available.
func (s *Server) UnixAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unixAddr
}

// AdminAddr returns the bound admin HTTP address once available.
func (s *Server) AdminAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

// PendingConnections counts accepted connections not yet bound to a
// resource.
func (s *Server) PendingConnections() int64 {
	return s.metrics.pending.Load()
}

// Resources counts live resource loops.
func (s *Server) Resources() int64 {
	return int64(s.registry.Len())
}

// Overload reports the state of the overload guard.
func (s *Server) Overload() qrf.Status {
	return s.qrf.Status()
}

// Registry exposes the locker registry, mainly for introspection.
func (s *Server) Registry() *locker.Registry {
	return s.registry
}

// SetResourceDefaults changes the defaults applied to resources created from
// now on. Live resources keep their settings.
func (s *Server) SetResourceDefaults(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d := cfg.ResourceDefaults()
	s.registry.SetDefaults(d)
	s.logger.Info("server.defaults.updated",
		"create", d.Create,
		"lifespan", d.Lifespan,
		"mode", d.Mode.String(),
		"wait", d.Wait,
		"quantity", d.Quantity)
	return nil
}

// SetLogLevel changes the level of the logger installed with
// WithLevelSwitch.
func (s *Server) SetLogLevel(level string) error {
	if s.levels == nil {
		return errors.New("netlock: log level is not adjustable")
	}
	if err := s.levels.SetLevelString(level); err != nil {
		return err
	}
	s.logger.Info("server.log_level.updated", "level", level)
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error Start returned, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a goroutine, waits until it is ready and
// returns a stop function that shuts it down with a quiesce. When ctx ends
// the server is stopped as well.
// Example:
//
//	srv, stop, err := netlock.StartServer(ctx, netlock.Config{Listen: "127.0.0.1:0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = ErrServerClosed
		}
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			stopErr = srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = stop(context.Background())
		case <-srv.done:
		}
	}()
	return srv, stop, nil
}
