package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServletMetrics holds the Prometheus metrics of the federation HTTP
// boundary.
type ServletMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	authFailures    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewServletMetrics creates and registers the servlet metrics on a private
// registry.
func NewServletMetrics() *ServletMetrics {
	registry := prometheus.NewRegistry()

	m := &ServletMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_requests_total",
				Help: "Total number of inbound federation requests by servlet, method and status",
			},
			[]string{"servlet", "method", "code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "federation_request_duration_seconds",
				Help:    "Inbound federation request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"servlet", "method"},
		),

		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "federation_requests_in_flight",
				Help: "Number of federation requests currently being processed",
			},
			[]string{"servlet"},
		),

		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_auth_failures_total",
				Help: "Total number of rejected federation requests by error code",
			},
			[]string{"errcode", "code"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.inFlight,
		m.authFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Start marks a request to servlet as in flight and returns a function that
// records its completion with the written status.
func (m *ServletMetrics) Start(servlet, method string) func(status int) {
	if m == nil {
		return func(int) {}
	}
	start := time.Now()
	m.inFlight.WithLabelValues(servlet).Inc()
	return func(status int) {
		m.inFlight.WithLabelValues(servlet).Dec()
		m.requestsTotal.WithLabelValues(servlet, method, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(servlet, method).Observe(time.Since(start).Seconds())
	}
}

// RecordError counts an error response by protocol error code.
func (m *ServletMetrics) RecordError(errcode string, status int) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(errcode, strconv.Itoa(status)).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *ServletMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *ServletMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
