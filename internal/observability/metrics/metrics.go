// Package metrics exposes livreur's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "livreur"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	outboxDepth     prometheus.Gauge
	outboxRetries   prometheus.Counter
	outboxDelivered prometheus.Counter
	outboxBackoff   prometheus.Histogram

	cacheResults *prometheus.CounterVec
	online       prometheus.Gauge
	pushMessages *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "depth",
			Help:      "Number of submissions waiting in the outbox.",
		}),
		outboxRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "retries_total",
			Help:      "Failed delivery attempts that scheduled a retry.",
		}),
		outboxDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "delivered_total",
			Help:      "Tasks delivered and removed from the outbox.",
		}),
		outboxBackoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "backoff_seconds",
			Help:      "Backoff delays scheduled after failed attempts.",
			Buckets:   []float64{5, 10, 20, 40, 80, 160, 300},
		}),
		cacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Requests handled by the cache layer by policy and result.",
		}, []string{"policy", "result"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the backend is reachable, 0 otherwise.",
		}),
		pushMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "messages_total",
			Help:      "Push messages received by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.outboxDepth,
		m.outboxRetries,
		m.outboxDelivered,
		m.outboxBackoff,
		m.cacheResults,
		m.online,
		m.pushMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetDepth records the current outbox length.
func (m *Metrics) SetDepth(n int) {
	m.outboxDepth.Set(float64(n))
}

// RetryScheduled records a failed attempt and its backoff delay.
func (m *Metrics) RetryScheduled(_ int, delay time.Duration) {
	m.outboxRetries.Inc()
	m.outboxBackoff.Observe(delay.Seconds())
}

// Delivered records a successful delivery.
func (m *Metrics) Delivered() {
	m.outboxDelivered.Inc()
}

// CacheResult counts a cache-layer decision.
func (m *Metrics) CacheResult(policy, result string) {
	m.cacheResults.WithLabelValues(policy, result).Inc()
}

// SetOnline records connectivity state.
func (m *Metrics) SetOnline(online bool) {
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}

// PushReceived counts a push message by outcome (dispatched, ignored, invalid).
func (m *Metrics) PushReceived(outcome string) {
	m.pushMessages.WithLabelValues(outcome).Inc()
}
