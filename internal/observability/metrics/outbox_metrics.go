package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics captures outbox dispatcher health signals.
type OutboxMetrics struct {
	published       *prometheus.CounterVec
	dispatched      *prometheus.CounterVec
	dispatchErrors  *prometheus.CounterVec
	dispatchLatency prometheus.Histogram
	pending         prometheus.Gauge
}

var (
	outboxOnce     sync.Once
	outboxInstance *OutboxMetrics
)

// Outbox returns the process-wide outbox metrics, registering collectors on
// the default prometheus registry on first use.
func Outbox() *OutboxMetrics {
	outboxOnce.Do(func() {
		outboxInstance = newOutboxMetrics(prometheus.DefaultRegisterer)
	})
	return outboxInstance
}

func newOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	m := &OutboxMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditbook_outbox_published_total",
			Help: "Outbox events written, by event type.",
		}, []string{"event_type"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditbook_outbox_dispatched_total",
			Help: "Outbox events delivered to handlers, by event type.",
		}, []string{"event_type"}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditbook_outbox_dispatch_errors_total",
			Help: "Handler failures during outbox dispatch, by event type.",
		}, []string{"event_type"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "creditbook_outbox_dispatch_latency_seconds",
			Help:    "Time from event publication to delivery.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditbook_outbox_pending",
			Help: "Outbox events awaiting delivery as of the last poll.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.published, m.dispatched, m.dispatchErrors, m.dispatchLatency, m.pending,
	} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}

	return m
}

func (m *OutboxMetrics) ObservePublished(eventType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(eventType).Inc()
}

func (m *OutboxMetrics) ObserveDispatched(eventType string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(eventType).Inc()
	m.dispatchLatency.Observe(latencySeconds)
}

func (m *OutboxMetrics) ObserveDispatchError(eventType string) {
	if m == nil {
		return
	}
	m.dispatchErrors.WithLabelValues(eventType).Inc()
}

func (m *OutboxMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
