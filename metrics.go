package cpfd

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/cpfd/internal/admission"
	"pkt.systems/pslog"
)

type serverMetrics struct {
	accepted   metric.Int64Counter
	requests   metric.Int64Counter
	failures   metric.Int64Counter
	duration   metric.Float64Histogram
	inFlight   metric.Int64ObservableGauge
	capacity   metric.Int64ObservableGauge
	peak       metric.Int64ObservableGauge
	registered metric.Registration
}

func newServerMetrics(logger pslog.Logger, pool func() *admission.Pool) *serverMetrics {
	meter := otel.Meter("pkt.systems/cpfd")
	m := &serverMetrics{}
	var err error

	m.accepted, err = meter.Int64Counter(
		"cpfd.conn.accepted",
		metric.WithDescription("Connections handed to a handler"),
	)
	logMetricInitError(logger, "cpfd.conn.accepted", err)

	m.requests, err = meter.Int64Counter(
		"cpfd.request.count",
		metric.WithDescription("Requests answered, by route and status"),
	)
	logMetricInitError(logger, "cpfd.request.count", err)

	m.failures, err = meter.Int64Counter(
		"cpfd.conn.failure",
		metric.WithDescription("Connections that ended in an error, by kind"),
	)
	logMetricInitError(logger, "cpfd.conn.failure", err)

	m.duration, err = meter.Float64Histogram(
		"cpfd.conn.duration",
		metric.WithDescription("Connection handling time"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "cpfd.conn.duration", err)

	m.inFlight, err = meter.Int64ObservableGauge(
		"cpfd.admission.in_flight",
		metric.WithDescription("Permits currently held"),
	)
	logMetricInitError(logger, "cpfd.admission.in_flight", err)

	m.capacity, err = meter.Int64ObservableGauge(
		"cpfd.admission.capacity",
		metric.WithDescription("Permit pool capacity"),
	)
	logMetricInitError(logger, "cpfd.admission.capacity", err)

	m.peak, err = meter.Int64ObservableGauge(
		"cpfd.admission.peak",
		metric.WithDescription("Highest number of permits held at once"),
	)
	logMetricInitError(logger, "cpfd.admission.peak", err)

	if m.inFlight != nil && m.capacity != nil && m.peak != nil {
		m.registered, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			p := pool()
			if p == nil {
				return nil
			}
			stats := p.Stats()
			o.ObserveInt64(m.inFlight, stats.InFlight)
			o.ObserveInt64(m.capacity, stats.Capacity)
			o.ObserveInt64(m.peak, stats.Peak)
			return nil
		}, m.inFlight, m.capacity, m.peak)
		if err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "cpfd.admission", "error", err)
		}
	}
	return m
}

func (m *serverMetrics) recordAccepted(ctx context.Context) {
	if m == nil || m.accepted == nil {
		return
	}
	m.accepted.Add(metricContext(ctx), 1)
}

func (m *serverMetrics) recordRequest(ctx context.Context, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("cpfd.route", route),
		attribute.String("cpfd.status", strconv.Itoa(status)),
	)
	if m.requests != nil && status > 0 {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (m *serverMetrics) recordFailure(ctx context.Context, kind string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("cpfd.kind", kind)))
}

func (m *serverMetrics) close() {
	if m == nil || m.registered == nil {
		return
	}
	_ = m.registered.Unregister()
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
