// Package metrics provides the gateway's Prometheus instrumentation.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the gateway's metric instruments.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	modelMemoryGB   *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewCollector creates a Collector on its own registry, so repeated
// construction in tests never collides.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{registry: registry}

	c.requestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of LLM gateway requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	c.requestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM gateway request duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"method", "endpoint"},
	)

	c.activeRequests = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_active_requests",
			Help: "Number of requests currently in flight",
		},
	)

	c.modelMemoryGB = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llm_model_memory_gb",
			Help: "Declared memory of each resident model in GB",
		},
		[]string{"model"},
	)

	return c
}

// ObserveRequest records one served request.
func (c *Collector) ObserveRequest(method, endpoint string, status int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RequestStarted bumps the in-flight gauge.
func (c *Collector) RequestStarted() { c.activeRequests.Inc() }

// RequestFinished drops the in-flight gauge.
func (c *Collector) RequestFinished() { c.activeRequests.Dec() }

// SetModelMemory records the declared memory of a resident model. Zero
// clears the series value on unload.
func (c *Collector) SetModelMemory(model string, gb float64) {
	c.modelMemoryGB.WithLabelValues(model).Set(gb)
}

// Handler returns the /metrics scrape handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the backing registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
