package locker

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/netlock/internal/proto"
	"pkt.systems/netlock/internal/resource"
)

type lockerMetrics struct {
	requests    metric.Int64Counter
	grants      metric.Int64Counter
	grantWait   metric.Int64Histogram
	retired     metric.Int64Counter
	handoffs    metric.Int64Counter
	loopsGauge  metric.Int64ObservableGauge
	connsGauge  metric.Int64ObservableGauge
	activeLoops atomic.Int64
	boundConns  atomic.Int64
}

func newLockerMetrics(logger pslog.Logger) *lockerMetrics {
	meter := otel.Meter("pkt.systems/netlock/locker")
	m := &lockerMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"netlock.locker.requests",
		metric.WithDescription("LOCK and UNLOCK requests by answer code"),
	)
	logMetricInitError(logger, "netlock.locker.requests", err)

	m.grants, err = meter.Int64Counter(
		"netlock.locker.waiter_grants",
		metric.WithDescription("Queued requests granted after a release"),
	)
	logMetricInitError(logger, "netlock.locker.waiter_grants", err)

	m.grantWait, err = meter.Int64Histogram(
		"netlock.locker.waiter_grants.wait_ms",
		metric.WithDescription("Time a waiter spent queued before its grant"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "netlock.locker.waiter_grants.wait_ms", err)

	m.retired, err = meter.Int64Counter(
		"netlock.locker.retired",
		metric.WithDescription("Locker loops retired by reason"),
	)
	logMetricInitError(logger, "netlock.locker.retired", err)

	m.handoffs, err = meter.Int64Counter(
		"netlock.locker.handoffs",
		metric.WithDescription("Connections handed to locker loops"),
	)
	logMetricInitError(logger, "netlock.locker.handoffs", err)

	m.loopsGauge, err = meter.Int64ObservableGauge(
		"netlock.locker.loops",
		metric.WithDescription("Live locker loops"),
	)
	logMetricInitError(logger, "netlock.locker.loops", err)

	m.connsGauge, err = meter.Int64ObservableGauge(
		"netlock.locker.connections",
		metric.WithDescription("Connections bound to locker loops"),
	)
	logMetricInitError(logger, "netlock.locker.connections", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if m.loopsGauge != nil {
			o.ObserveInt64(m.loopsGauge, m.activeLoops.Load())
		}
		if m.connsGauge != nil {
			o.ObserveInt64(m.connsGauge, m.boundConns.Load())
		}
		return nil
	}, m.loopsGauge, m.connsGauge); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "netlock.locker.loops", "error", err)
	}
	return m
}

func (m *lockerMetrics) recordRequest(ctx context.Context, kind resource.Kind, verb proto.Verb, code proto.Code) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("netlock.resource.kind", kind.String()),
		attribute.String("netlock.verb", verb.String()),
		attribute.String("netlock.code", string(code)),
	))
}

func (m *lockerMetrics) recordGrant(ctx context.Context, kind resource.Kind, waited time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("netlock.resource.kind", kind.String()))
	if m.grants != nil {
		m.grants.Add(ctx, 1, attrs)
	}
	if m.grantWait != nil && waited >= 0 {
		m.grantWait.Record(ctx, waited.Milliseconds(), attrs)
	}
}

func (m *lockerMetrics) recordRetired(reason string) {
	if m == nil || m.retired == nil {
		return
	}
	m.retired.Add(context.Background(), 1, metric.WithAttributes(attribute.String("netlock.retire.reason", reason)))
}

func (m *lockerMetrics) recordHandoff(domain string) {
	if m == nil || m.handoffs == nil {
		return
	}
	m.handoffs.Add(context.Background(), 1, metric.WithAttributes(attribute.String("netlock.domain", domain)))
}

func (m *lockerMetrics) addLoops(delta int64) {
	if m != nil {
		m.activeLoops.Add(delta)
	}
}

func (m *lockerMetrics) addConns(delta int64) {
	if m != nil {
		m.boundConns.Add(delta)
	}
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
