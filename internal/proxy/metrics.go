package proxy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors exported at /metrics.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheRequests   *prometheus.CounterVec
}

// NewMetrics registers the proxy's collectors against reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid collisions with other cases
// registering against prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cargobay",
			Name:      "requests_total",
			Help:      "Total v2 requests handled, by method, route class, and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cargobay",
			Name:      "request_duration_seconds",
			Help:      "Request handling latency by route class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cargobay",
			Name:      "cache_requests_total",
			Help:      "Blob cache lookups, by hit or miss.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.requestsTotal, m.requestDuration, m.cacheRequests)
	return m
}

func (m *Metrics) observeRequest(method, route string, status int) {
	m.requestsTotal.WithLabelValues(method, route, http.StatusText(status)).Inc()
}

// Timer starts a latency observation for route, stopped via the returned func.
func (m *Metrics) Timer(route string) func() {
	timer := prometheus.NewTimer(m.requestDuration.WithLabelValues(route))
	return func() { timer.ObserveDuration() }
}

func (m *Metrics) observeCacheResult(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}
