package watcher

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors on a private registry, so several
// watchers (tests) never collide on the default one.
type Metrics struct {
	reg *prometheus.Registry

	polls         *prometheus.CounterVec
	finds         *prometheus.CounterVec
	retries       *prometheus.CounterVec
	notifyFailed  *prometheus.CounterVec
	cycleDuration prometheus.Histogram
}

// NewMetrics registers the vintwatch collectors.
func NewMetrics() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}
	m.polls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vintwatch",
		Name:      "polls_total",
		Help:      "Profile polls by outcome",
	}, []string{"profile", "outcome"})
	m.finds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vintwatch",
		Name:      "finds_total",
		Help:      "New listings surfaced per profile",
	}, []string{"profile"})
	m.retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vintwatch",
		Name:      "retries_total",
		Help:      "Retried API attempts by failure class",
	}, []string{"class"})
	m.notifyFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vintwatch",
		Name:      "notify_failures_total",
		Help:      "Failed notification deliveries by sink",
	}, []string{"sink"})
	m.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vintwatch",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one pass over the active profiles",
		Buckets:   []float64{30, 60, 120, 300, 600, 1200, 2400},
	})
	m.reg.MustRegister(m.polls, m.finds, m.retries, m.notifyFailed, m.cycleDuration)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
