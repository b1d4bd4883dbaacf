package netlock

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type serverMetrics struct {
	accepted       metric.Int64Counter
	protocolErrors metric.Int64Counter
	management     metric.Int64Counter
	shed           metric.Int64Counter
	pendingGauge   metric.Int64ObservableGauge
	pending        atomic.Int64
}

func newServerMetrics(logger pslog.Logger) *serverMetrics {
	meter := otel.Meter("pkt.systems/netlock/server")
	m := &serverMetrics{}
	var err error

	m.accepted, err = meter.Int64Counter(
		"netlock.server.connections",
		metric.WithDescription("Accepted client connections by socket domain"),
	)
	logMetricInitError(logger, "netlock.server.connections", err)

	m.protocolErrors, err = meter.Int64Counter(
		"netlock.server.protocol_errors",
		metric.WithDescription("Connections dropped for protocol violations"),
	)
	logMetricInitError(logger, "netlock.server.protocol_errors", err)

	m.management, err = meter.Int64Counter(
		"netlock.server.management",
		metric.WithDescription("MANAGEMENT requests by action and outcome"),
	)
	logMetricInitError(logger, "netlock.server.management", err)

	m.shed, err = meter.Int64Counter(
		"netlock.server.shed",
		metric.WithDescription("Connections refused with busy while overloaded"),
	)
	logMetricInitError(logger, "netlock.server.shed", err)

	m.pendingGauge, err = meter.Int64ObservableGauge(
		"netlock.server.pending_connections",
		metric.WithDescription("Connections not yet handed to a locker loop"),
	)
	logMetricInitError(logger, "netlock.server.pending_connections", err)
	if m.pendingGauge != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.pendingGauge, m.pending.Load())
			return nil
		}, m.pendingGauge); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "netlock.server.pending_connections", "error", err)
		}
	}
	return m
}

func (m *serverMetrics) recordAccepted(domain string) {
	if m == nil || m.accepted == nil {
		return
	}
	m.accepted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("netlock.domain", domain)))
}

func (m *serverMetrics) recordProtocolError() {
	if m == nil || m.protocolErrors == nil {
		return
	}
	m.protocolErrors.Add(context.Background(), 1)
}

func (m *serverMetrics) recordManagement(action, outcome string) {
	if m == nil || m.management == nil {
		return
	}
	m.management.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("netlock.management.action", action),
		attribute.String("netlock.management.outcome", outcome),
	))
}

func (m *serverMetrics) recordShed(reason string) {
	if m == nil || m.shed == nil {
		return
	}
	m.shed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("netlock.qrf.reason", reason)))
}

func (m *serverMetrics) addPending(delta int64) {
	if m != nil {
		m.pending.Add(delta)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
