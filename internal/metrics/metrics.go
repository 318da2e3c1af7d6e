// Package metrics exposes broker counters over a dedicated prometheus
// registry. All record methods are nil-receiver safe so the broker can
// run without metrics wired at all.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for the invocation broker.
type Metrics struct {
	registry *prometheus.Registry

	transactionsTotal *prometheus.CounterVec
	invocationsTotal  *prometheus.CounterVec
	expiredTotal      prometheus.Counter
	pendingGauge      prometheus.Gauge
	deliveryWait      prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.transactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lambdatest_transactions_total",
		Help: "Control-protocol transactions processed, by route and outcome.",
	}, []string{"route", "outcome"})

	m.invocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lambdatest_invocations_total",
		Help: "Queued invocations resolved, by final disposition.",
	}, []string{"disposition"})

	m.expiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lambdatest_invocations_expired_total",
		Help: "Invocations whose deadline passed before delivery.",
	})

	m.pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lambdatest_pending_invocations",
		Help: "Invocations currently queued or awaiting a report.",
	})

	m.deliveryWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lambdatest_delivery_wait_seconds",
		Help:    "Time from enqueue until a poller picked the invocation up.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	m.registry.MustRegister(
		m.transactionsTotal,
		m.invocationsTotal,
		m.expiredTotal,
		m.pendingGauge,
		m.deliveryWait,
	)
	return m
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTransaction counts one processed transaction.
func (m *Metrics) RecordTransaction(route, outcome string) {
	if m == nil {
		return
	}
	m.transactionsTotal.WithLabelValues(route, outcome).Inc()
}

// RecordInvocation counts one resolved invocation by disposition
// (succeeded, failed, expired, cancelled, disposed).
func (m *Metrics) RecordInvocation(disposition string) {
	if m == nil {
		return
	}
	m.invocationsTotal.WithLabelValues(disposition).Inc()
	if disposition == "expired" {
		m.expiredTotal.Inc()
	}
}

// SetPending publishes the current pending-invocation count.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingGauge.Set(float64(n))
}

// ObserveDeliveryWait records how long an invocation sat queued before
// delivery.
func (m *Metrics) ObserveDeliveryWait(d time.Duration) {
	if m == nil {
		return
	}
	m.deliveryWait.Observe(d.Seconds())
}
