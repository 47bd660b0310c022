// Package metrics holds the Prometheus collectors for solver outcomes and
// the HTTP service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/contactkeval/vol-surface/internal/logger"
)

const namespace = "volsurface"

// Metrics is the collector set. Each instance owns its registry so tests
// and multiple servers never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	// IV solver
	SolvesTotal     *prometheus.CounterVec
	SolveIterations prometheus.Histogram
	SkipsTotal      *prometheus.CounterVec

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	SurfacePoints *prometheus.GaugeVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SolvesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "solves_total",
			Help:      "Implied volatility solves by final status",
		}, []string{"status"}),
		SolveIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "iterations",
			Help:      "Iterations used per implied volatility solve",
			Buckets:   prometheus.LinearBuckets(1, 1, 20),
		}),
		SkipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "surface",
			Name:      "skipped_contracts_total",
			Help:      "Contracts left off a surface, by reason",
		}, []string{"reason"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "route", "code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		SurfacePoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "surface",
			Name:      "points",
			Help:      "Points on the most recent surface per underlying",
		}, []string{"underlying"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SolvesTotal,
		m.SolveIterations,
		m.SkipsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SurfacePoints,
	)
	logger.Debugf("metrics registered")
	return m
}

// ObserveSolve records one finished solve.
func (m *Metrics) ObserveSolve(status string, iterations int) {
	m.SolvesTotal.WithLabelValues(status).Inc()
	m.SolveIterations.Observe(float64(iterations))
}

// ObserveSkip records a contract that produced no point.
func (m *Metrics) ObserveSkip(reason string) {
	m.SkipsTotal.WithLabelValues(reason).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
