package netlock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/netlock/client"
)

// TestServer wraps a running Server with the handles tests usually need.
type TestServer struct {
	Server *Server
	// Address is what clients dial: host:port, the chaos proxy in front of
	// it, or unix:///path.
	Address string
	Client  *client.Client
	Config  Config

	stop  func(context.Context) error
	proxy *chaosProxy
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the owning test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					if strings.Contains(fmt.Sprint(r), "Log in goroutine after") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger returns a structured pslog logger that writes through t.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(writer)
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "testserver")
}

// Stop drops the helper client's leases, closes the proxy and shuts the
// server down.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	if ts.Client != nil {
		_ = ts.Client.Close()
	}
	if ts.proxy != nil {
		_ = ts.proxy.Close()
		ts.proxy = nil
	}
	return ts.stop(ctx)
}

// NewClient returns another client for the test server.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, errors.New("nil test server")
	}
	return client.New(ts.Address, opts...)
}

type testServerOptions struct {
	cfg           Config
	mutators      []func(*Config)
	logger        pslog.Logger
	serverOpts    []Option
	clientOpts    []client.Option
	disableClient bool
	startTimeout  time.Duration
	chaosConfig   *ChaosConfig
	testTB        testing.TB
	testLogLevel  pslog.Level
}

// TestServerOption customises NewTestServer and StartTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfig provides the base Config. Unset fields are defaulted by
// validation.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc mutates the configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestUnixSocket serves on path only; the helper client dials the socket.
func WithTestUnixSocket(path string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.Listen = "-"
		cfg.UnixSocket = path
	})
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestServerOptions appends server options.
func WithTestServerOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// WithTestClientOptions appends options for the helper client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient disables the helper client.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.disableClient = true
	}
}

// WithTestStartTimeout bounds the wait for the listeners.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// WithTestChaos puts a connection disrupting proxy in front of the TCP
// listener. Passing nil disables it.
func WithTestChaos(cfg *ChaosConfig) TestServerOption {
	return func(o *testServerOptions) {
		if cfg == nil {
			o.chaosConfig = nil
			return
		}
		copyCfg := *cfg
		o.chaosConfig = &copyCfg
	}
}

// WithTestLoggerFromTB routes server logs to t at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// NewTestServer starts a server on 127.0.0.1:0 unless configured otherwise.
// Call Stop to clean up.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		startTimeout: 5 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := options.cfg
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.DrainGrace == 0 {
		cfg.DrainGrace = 250 * time.Millisecond
	}
	for _, mut := range options.mutators {
		mut(&cfg)
	}

	logger := options.logger
	if logger == nil && options.testTB != nil {
		logger = NewTestingLogger(options.testTB, options.testLogLevel)
	}
	startOpts := append([]Option{WithLogger(logger)}, options.serverOpts...)

	if ctx == nil {
		ctx = context.Background()
	}
	// The server outlives startCtx; only the wait for readiness is bounded.
	startCtx := ctx
	if options.startTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, options.startTimeout)
		defer cancel()
	}
	srv, err := NewServer(cfg, startOpts...)
	if err != nil {
		return nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if err := srv.WaitUntilReady(startCtx); err != nil {
		_ = srv.Close()
		return nil, fmt.Errorf("test server start: %w", err)
	}
	stop := func(stopCtx context.Context) error {
		if stopCtx == nil {
			stopCtx = context.Background()
		}
		err := srv.Shutdown(stopCtx)
		select {
		case serveErr := <-errCh:
			if err == nil {
				err = serveErr
			}
		case <-stopCtx.Done():
		}
		return err
	}

	ts := &TestServer{Server: srv, Config: cfg, stop: stop}
	switch {
	case srv.ListenerAddr() != nil:
		ts.Address = srv.ListenerAddr().String()
	case srv.UnixAddr() != nil:
		ts.Address = "unix://" + srv.UnixAddr().String()
	default:
		_ = stop(context.Background())
		return nil, errors.New("test server: no listener")
	}

	if options.chaosConfig != nil {
		if srv.ListenerAddr() == nil {
			_ = stop(context.Background())
			return nil, errors.New("chaos proxy only supported for tcp listeners")
		}
		proxy, err := newChaosProxy(ts.Address, options.chaosConfig)
		if err != nil {
			_ = stop(context.Background())
			return nil, err
		}
		ts.proxy = proxy
		ts.Address = proxy.Addr().String()
	}

	if !options.disableClient {
		cli, err := client.New(ts.Address, options.clientOpts...)
		if err != nil {
			_ = ts.Stop(context.Background())
			return nil, err
		}
		ts.Client = cli
	}
	return ts, nil
}

// StartTestServer is NewTestServer that fails t on error and stops the
// server in t.Cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

// ChaosConfig describes how the chaos proxy disturbs connections. Bytes are
// never dropped or reordered, since that only produces framing errors.
type ChaosConfig struct {
	// Seed controls the pseudo-random source. Zero uses the clock.
	Seed int64
	// MinDelay and MaxDelay bound the latency added to each chunk.
	MinDelay time.Duration
	MaxDelay time.Duration
	// ResetProbability closes a new connection before any byte is relayed.
	ResetProbability float64
	// DisconnectAfter cuts a relayed connection after the given duration.
	DisconnectAfter time.Duration
	// MaxDisconnects limits how many connections DisconnectAfter applies to
	// (0 means all).
	MaxDisconnects int
}

type chaosProxy struct {
	listener net.Listener
	remote   string
	cfg      ChaosConfig

	mu          sync.Mutex
	rng         *rand.Rand
	disconnects int
	closeOnce   sync.Once
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

func newChaosProxy(remote string, cfg *ChaosConfig) (*chaosProxy, error) {
	c := *cfg
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	seed := c.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	cp := &chaosProxy{
		listener: ln,
		remote:   remote,
		cfg:      c,
		rng:      rand.New(rand.NewSource(seed)),
		stopCh:   make(chan struct{}),
	}
	cp.wg.Add(1)
	go cp.acceptLoop()
	return cp, nil
}

func (cp *chaosProxy) Addr() net.Addr {
	return cp.listener.Addr()
}

func (cp *chaosProxy) Close() error {
	var err error
	cp.closeOnce.Do(func() {
		close(cp.stopCh)
		err = cp.listener.Close()
	})
	cp.wg.Wait()
	return err
}

func (cp *chaosProxy) acceptLoop() {
	defer cp.wg.Done()
	for {
		conn, err := cp.listener.Accept()
		if err != nil {
			select {
			case <-cp.stopCh:
				return
			default:
			}
			continue
		}
		cp.wg.Add(1)
		go func() {
			defer cp.wg.Done()
			cp.relay(conn)
		}()
	}
}

func (cp *chaosProxy) float() float64 {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.rng.Float64()
}

func (cp *chaosProxy) delay() time.Duration {
	if cp.cfg.MaxDelay <= 0 {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	spread := cp.cfg.MaxDelay - cp.cfg.MinDelay
	if spread <= 0 {
		return cp.cfg.MinDelay
	}
	return cp.cfg.MinDelay + time.Duration(cp.rng.Int63n(int64(spread)+1))
}

func (cp *chaosProxy) shouldDisconnect() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.cfg.DisconnectAfter <= 0 {
		return false
	}
	if cp.cfg.MaxDisconnects > 0 && cp.disconnects >= cp.cfg.MaxDisconnects {
		return false
	}
	cp.disconnects++
	return true
}

func (cp *chaosProxy) relay(downstream net.Conn) {
	defer downstream.Close()
	if cp.cfg.ResetProbability > 0 && cp.float() < cp.cfg.ResetProbability {
		return
	}
	upstream, err := net.DialTimeout("tcp", cp.remote, time.Second)
	if err != nil {
		return
	}
	defer upstream.Close()

	var cut <-chan time.Time
	if cp.shouldDisconnect() {
		timer := time.NewTimer(cp.cfg.DisconnectAfter)
		defer timer.Stop()
		cut = timer.C
	}
	done := make(chan struct{}, 2)
	go cp.pipe(done, upstream, downstream)
	go cp.pipe(done, downstream, upstream)
	select {
	case <-cp.stopCh:
	case <-cut:
	case <-done:
	}
}

func (cp *chaosProxy) pipe(done chan<- struct{}, dst, src net.Conn) {
	defer func() { done <- struct{}{} }()
	buf := make([]byte, 32<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if d := cp.delay(); d > 0 {
				time.Sleep(d)
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				_ = dst.Close()
			}
			return
		}
	}
}
