package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors on a private registry
// so tests can run several gateways in one process.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	attemptsTotal    *prometheus.CounterVec
	providerFailures *prometheus.CounterVec
	requestSeconds   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uniapi",
			Name:      "requests_total",
			Help:      "Caller requests by final status code.",
		}, []string{"status"}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uniapi",
			Name:      "upstream_attempts_total",
			Help:      "Upstream attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		providerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uniapi",
			Name:      "provider_failures_total",
			Help:      "Failures that placed a provider into cooldown.",
		}, []string{"provider"}),
		requestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "uniapi",
			Name:      "request_duration_seconds",
			Help:      "End-to-end caller request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"streaming"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.attemptsTotal,
		m.providerFailures,
		m.requestSeconds,
	)
	return m
}

func (m *Metrics) ObserveRequest(status int, streaming bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	m.requestSeconds.WithLabelValues(strconv.FormatBool(streaming)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveAttempt(provider, outcome string) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveProviderFailure(provider string) {
	if m == nil {
		return
	}
	m.providerFailures.WithLabelValues(provider).Inc()
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
