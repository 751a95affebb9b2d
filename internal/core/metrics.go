package core

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type coreMetrics struct {
	events      metric.Int64Counter
	illegals    metric.Int64Counter
	expirations metric.Int64Counter
	queueGauge  metric.Int64ObservableGauge
	clientGauge metric.Int64ObservableGauge
	queueLen    atomic.Int64
	clients     atomic.Int64
}

func newCoreMetrics(logger pslog.Logger) *coreMetrics {
	meter := otel.Meter("pkt.systems/keyd/core")
	m := &coreMetrics{}
	var err error

	m.events, err = meter.Int64Counter(
		"keyd.events",
		metric.WithDescription("State change events broadcast to observers"),
	)
	logMetricInitError(logger, "keyd.events", err)

	m.illegals, err = meter.Int64Counter(
		"keyd.transition.illegal",
		metric.WithDescription("Ignored take/return requests that did not match the current state"),
	)
	logMetricInitError(logger, "keyd.transition.illegal", err)

	m.expirations, err = meter.Int64Counter(
		"keyd.queue.expired",
		metric.WithDescription("Queue heads removed because their hold expired"),
	)
	logMetricInitError(logger, "keyd.queue.expired", err)

	m.queueGauge, err = meter.Int64ObservableGauge(
		"keyd.queue.length",
		metric.WithDescription("Reservations currently queued"),
	)
	logMetricInitError(logger, "keyd.queue.length", err)

	m.clientGauge, err = meter.Int64ObservableGauge(
		"keyd.clients.connected",
		metric.WithDescription("Clients with at least one live connection"),
	)
	logMetricInitError(logger, "keyd.clients.connected", err)

	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.queueGauge, m.queueLen.Load())
		o.ObserveInt64(m.clientGauge, m.clients.Load())
		return nil
	}, m.queueGauge, m.clientGauge); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "keyd.queue.length", "error", err)
	}
	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func (m *coreMetrics) event(kind EventType, queueLen int) {
	if m == nil {
		return
	}
	m.queueLen.Store(int64(queueLen))
	if m.events != nil {
		m.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("keyd.event.type", string(kind))))
	}
}

func (m *coreMetrics) illegal(op string) {
	if m == nil || m.illegals == nil {
		return
	}
	m.illegals.Add(context.Background(), 1, metric.WithAttributes(attribute.String("keyd.transition.op", op)))
}

func (m *coreMetrics) expired() {
	if m == nil || m.expirations == nil {
		return
	}
	m.expirations.Add(context.Background(), 1)
}

func (m *coreMetrics) setClients(n int) {
	if m == nil {
		return
	}
	m.clients.Store(int64(n))
}
