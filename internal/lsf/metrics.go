package lsf

import (
	"context"
	"math"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/netlock/internal/qrf"
)

type lsfMetrics struct {
	sample         metric.Int64Counter
	pending        metric.Int64ObservableGauge
	resources      metric.Int64ObservableGauge
	rssBytes       metric.Int64ObservableGauge
	memoryPercent  metric.Float64ObservableGauge
	swapPercent    metric.Float64ObservableGauge
	cpuPercent     metric.Float64ObservableGauge
	load           metric.Float64ObservableGauge
	loadMultiplier metric.Float64ObservableGauge

	snapshot atomic.Pointer[qrf.Snapshot]
}

func newLSFMetrics(logger pslog.Logger) *lsfMetrics {
	meter := otel.Meter("pkt.systems/netlock/lsf")
	m := &lsfMetrics{}
	var err error

	m.sample, err = meter.Int64Counter("netlock.lsf.sample", metric.WithDescription("Pressure samples collected"))
	logMetricInitError(logger, "netlock.lsf.sample", err)

	m.pending, err = meter.Int64ObservableGauge("netlock.lsf.pending_connections", metric.WithDescription("Accepted connections not yet bound to a resource"))
	logMetricInitError(logger, "netlock.lsf.pending_connections", err)

	m.resources, err = meter.Int64ObservableGauge("netlock.lsf.resources", metric.WithDescription("Live resource loops"))
	logMetricInitError(logger, "netlock.lsf.resources", err)

	m.rssBytes, err = meter.Int64ObservableGauge("netlock.lsf.rss.bytes", metric.WithDescription("Daemon resident set size"), metric.WithUnit("By"))
	logMetricInitError(logger, "netlock.lsf.rss.bytes", err)

	m.memoryPercent, err = meter.Float64ObservableGauge("netlock.lsf.memory.percent", metric.WithDescription("Host memory used percent"))
	logMetricInitError(logger, "netlock.lsf.memory.percent", err)

	m.swapPercent, err = meter.Float64ObservableGauge("netlock.lsf.swap.percent", metric.WithDescription("Host swap used percent"))
	logMetricInitError(logger, "netlock.lsf.swap.percent", err)

	m.cpuPercent, err = meter.Float64ObservableGauge("netlock.lsf.cpu.percent", metric.WithDescription("Host CPU percent"))
	logMetricInitError(logger, "netlock.lsf.cpu.percent", err)

	m.load, err = meter.Float64ObservableGauge("netlock.lsf.load", metric.WithDescription("Host one minute load average"))
	logMetricInitError(logger, "netlock.lsf.load", err)

	m.loadMultiplier, err = meter.Float64ObservableGauge("netlock.lsf.load.multiplier", metric.WithDescription("One minute load over its moving baseline"))
	logMetricInitError(logger, "netlock.lsf.load.multiplier", err)

	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		m.observe(o)
		return nil
	}, m.pending, m.resources, m.rssBytes, m.memoryPercent, m.swapPercent, m.cpuPercent, m.load, m.loadMultiplier); err != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "netlock.lsf.metrics", "error", err)
	}
	return m
}

func (m *lsfMetrics) recordSample(ctx context.Context, snapshot qrf.Snapshot) {
	if m == nil {
		return
	}
	m.snapshot.Store(&snapshot)
	if m.sample != nil {
		m.sample.Add(ctx, 1)
	}
}

func (m *lsfMetrics) observe(o metric.Observer) {
	s := m.snapshot.Load()
	if s == nil {
		return
	}
	if m.pending != nil {
		o.ObserveInt64(m.pending, s.PendingConnections)
	}
	if m.resources != nil {
		o.ObserveInt64(m.resources, s.Resources)
	}
	if m.rssBytes != nil {
		o.ObserveInt64(m.rssBytes, clampUint64(s.RSSBytes))
	}
	if m.memoryPercent != nil {
		o.ObserveFloat64(m.memoryPercent, s.MemoryUsedPercent)
	}
	if m.swapPercent != nil {
		o.ObserveFloat64(m.swapPercent, s.SwapUsedPercent)
	}
	if m.cpuPercent != nil {
		o.ObserveFloat64(m.cpuPercent, s.CPUPercent)
	}
	if m.load != nil {
		o.ObserveFloat64(m.load, s.Load1)
	}
	if m.loadMultiplier != nil {
		o.ObserveFloat64(m.loadMultiplier, s.Load1Multiplier)
	}
}

func clampUint64(value uint64) int64 {
	if value > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(value)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
