package qrf

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type qrfMetrics struct {
	state       metric.Int64ObservableGauge
	decisions   metric.Int64Counter
	transitions metric.Int64Counter
}

func newQRFMetrics(logger pslog.Logger, controller *Controller) *qrfMetrics {
	meter := otel.Meter("pkt.systems/netlock/qrf")
	m := &qrfMetrics{}
	var err error

	m.state, err = meter.Int64ObservableGauge(
		"netlock.qrf.state",
		metric.WithDescription("Current pacing state (0 disengaged, 1 soft_arm, 2 engaged, 3 recovery)"),
	)
	logMetricInitError(logger, "netlock.qrf.state", err)

	m.decisions, err = meter.Int64Counter(
		"netlock.qrf.decision",
		metric.WithDescription("Pacing decisions for new connections"),
	)
	logMetricInitError(logger, "netlock.qrf.decision", err)

	m.transitions, err = meter.Int64Counter(
		"netlock.qrf.transition",
		metric.WithDescription("Pacing state transitions"),
	)
	logMetricInitError(logger, "netlock.qrf.transition", err)

	if m.state != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.state, int64(controller.State()))
			return nil
		}, m.state); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "netlock.qrf.state", "error", err)
		}
	}
	return m
}

func (m *qrfMetrics) recordDecision(ctx context.Context, decision Decision) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("netlock.qrf.state", decision.State.String()),
		attribute.Bool("netlock.qrf.throttle", decision.Throttle),
	))
}

func (m *qrfMetrics) recordTransition(ctx context.Context, from, to State, reason string) {
	if m == nil || m.transitions == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("netlock.qrf.from", from.String()),
		attribute.String("netlock.qrf.to", to.String()),
		attribute.String("netlock.qrf.reason", reason),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
