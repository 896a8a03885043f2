package settlement

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "escrowmarket"

// Metrics counts settlement outcomes on a private registry. A nil *Metrics records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	orders        *prometheus.CounterVec
	verifications *prometheus.CounterVec
	releases      *prometheus.CounterVec
	releaseTime   prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "orders_total",
			Help:      "Order creation attempts by result code.",
		}, []string{"result"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "verifications_total",
			Help:      "Payment verification calls by result.",
		}, []string{"result"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "escrow_releases_total",
			Help:      "On-chain escrow release attempts by result.",
		}, []string{"result"}),
		releaseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "escrow_release_duration_seconds",
			Help:      "Time from sending a release to its receipt.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
	m.registry.MustRegister(m.orders, m.verifications, m.releases, m.releaseTime)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) order(result string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(result).Inc()
}

func (m *Metrics) verification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) release(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(result).Inc()
	m.releaseTime.Observe(took.Seconds())
}
