package netlock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"

	"pkt.systems/netlock/internal/loggingutil"
)

const serviceName = "netlockd"

type telemetryConfig struct {
	endpoint       string
	metrics        bool
	metricsListen  string
	pprofListen    string
	runtimeMetrics bool
}

func (c Config) telemetryConfig() telemetryConfig {
	return telemetryConfig{
		endpoint:       strings.TrimSpace(c.OTLPEndpoint),
		metrics:        strings.TrimSpace(c.MetricsListen) != "" || strings.TrimSpace(c.AdminListen) != "",
		metricsListen:  strings.TrimSpace(c.MetricsListen),
		pprofListen:    strings.TrimSpace(c.PprofListen),
		runtimeMetrics: c.EnableProfilingMetrics,
	}
}

func (c telemetryConfig) empty() bool {
	return c.endpoint == "" && !c.metrics && c.pprofListen == "" && !c.runtimeMetrics
}

// telemetry owns the otel providers and the side HTTP listeners for metrics
// and pprof.
type telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metricsHandler http.Handler
	servers        []*sideServer
	logger         pslog.Logger
}

type sideServer struct {
	name string
	srv  *http.Server
	ln   net.Listener
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

func setupTelemetry(ctx context.Context, cfg telemetryConfig, logger pslog.Logger) (*telemetry, error) {
	if cfg.empty() {
		return nil, nil
	}
	if cfg.runtimeMetrics && cfg.metricsListen == "" {
		return nil, errors.New("telemetry: profiling metrics require metrics listen address")
	}
	logger = loggingutil.WithSubsystem(logger, "telemetry")
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	t := &telemetry{logger: logger}
	if err := t.start(ctx, cfg, res); err != nil {
		_ = t.Shutdown(context.Background())
		return nil, err
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return t, nil
}

func (t *telemetry) start(ctx context.Context, cfg telemetryConfig, res *resource.Resource) error {
	if cfg.endpoint != "" {
		target, err := resolveOTLPTarget(cfg.endpoint)
		if err != nil {
			return err
		}
		t.tracerProvider, err = newTracerProvider(ctx, target, res)
		if err != nil {
			return err
		}
		otel.SetTracerProvider(t.tracerProvider)
		t.logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
		)
	}
	if cfg.metrics {
		registry := prometheus.NewRegistry()
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if cfg.runtimeMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			return fmt.Errorf("telemetry: start prometheus exporter: %w", err)
		}
		t.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(t.meterProvider)
		t.metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		if cfg.runtimeMetrics {
			if err := startRuntimeMetrics(t.meterProvider); err != nil {
				return err
			}
			t.logger.Info("profiling.metrics.enabled")
		}
	}
	if cfg.metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", t.metricsHandler)
		if err := t.serve("metrics", cfg.metricsListen, mux); err != nil {
			return err
		}
		t.logger.Info("telemetry.metrics.enabled", "listen", cfg.metricsListen)
	}
	if cfg.pprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		if err := t.serve("pprof", cfg.pprofListen, mux); err != nil {
			return err
		}
		t.logger.Info("profiling.pprof.enabled", "listen", cfg.pprofListen)
	}
	return nil
}

func (t *telemetry) serve(name, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	s := &sideServer{name: name, ln: ln, srv: &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}}
	t.servers = append(t.servers, s)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.serve_error", "server", name, "error", err)
		}
	}()
	return nil
}

// MetricsHandler returns the Prometheus handler, or nil when metrics are off.
func (t *telemetry) MetricsHandler() http.Handler {
	if t == nil {
		return nil
	}
	return t.metricsHandler
}

// Shutdown flushes the providers and stops the side listeners.
func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	for _, s := range t.servers {
		if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("%s server shutdown: %w", s.name, err))
		}
		_ = s.ln.Close()
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		t.logger.Warn("telemetry.shutdown.failure", "error", err)
		return err
	}
	t.logger.Info("telemetry.shutdown.complete")
	return nil
}

func startRuntimeMetrics(provider metric.MeterProvider) error {
	runtimeMetricsOnce.Do(func() {
		runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
	})
	return runtimeMetricsErr
}

func newTracerProvider(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch target.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (%s): %w", target.protocol, err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
		sdktrace.WithBatcher(exporter),
	), nil
}

type otlpTarget struct {
	protocol string
	endpoint string
	path     string
	insecure bool
}

// otlpSchemes maps endpoint schemes to protocol, transport security and the
// collector's default port.
var otlpSchemes = map[string]struct {
	protocol string
	insecure bool
	port     string
}{
	"grpc":  {"grpc", true, "4317"},
	"grpcs": {"grpc", false, "4317"},
	"http":  {"http", true, "4318"},
	"https": {"http", false, "4318"},
}

// resolveOTLPTarget parses an OTLP endpoint. A bare host[:port] means
// plaintext gRPC.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, errors.New("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	scheme, ok := otlpSchemes[strings.ToLower(u.Scheme)]
	if !ok {
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return otlpTarget{}, errors.New("telemetry: missing endpoint host")
	}
	target := otlpTarget{
		protocol: scheme.protocol,
		endpoint: u.Host,
		insecure: scheme.insecure,
	}
	if u.Port() == "" {
		target.endpoint = net.JoinHostPort(u.Hostname(), scheme.port)
	}
	if p := strings.TrimSuffix(u.Path, "/"); scheme.protocol == "http" {
		target.path = p
	}
	return target, nil
}
