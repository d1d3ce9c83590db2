// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors instrumenting the relay hot path.
type Metrics struct {
	registry *prometheus.Registry

	ActiveStreams  prometheus.Gauge
	EventsRelayed  prometheus.Counter
	TokensRelayed  prometheus.Counter
	StreamsStarted *prometheus.CounterVec
	Debits         *prometheus.CounterVec
	UpstreamErrors *prometheus.CounterVec
}

// New creates and registers the service collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_active_streams",
			Help: "Number of prediction streams currently being relayed.",
		}),
		EventsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_events_relayed_total",
			Help: "Upstream events forwarded to clients.",
		}),
		TokensRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_tokens_relayed_total",
			Help: "Token events forwarded to clients.",
		}),
		StreamsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_streams_started_total",
			Help: "Prediction requests admitted, by outcome.",
		}, []string{"outcome"}),
		Debits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_credit_debits_total",
			Help: "Credit debit attempts, by result.",
		}, []string{"result"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_upstream_errors_total",
			Help: "Upstream prediction failures, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.ActiveStreams,
		m.EventsRelayed,
		m.TokensRelayed,
		m.StreamsStarted,
		m.Debits,
		m.UpstreamErrors,
	)
	return m
}

// Handler returns the gin handler serving the scrape endpoint.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
