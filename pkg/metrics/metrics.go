// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatgate"

// Upstream outcomes recorded per forwarded call.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

type Collector struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	requestShapes    *prometheus.CounterVec
	rejected         *prometheus.CounterVec
}

// NewCollector registers every collector on registry, or on a fresh
// registry when nil.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests handled, by route, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{0.005, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"route"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Chat completion calls forwarded upstream, by model and outcome.",
		}, []string{"model", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream chat completion latency by model.",
			// LLM calls range from sub-second to the two minute upstream timeout.
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"model"}),
		requestShapes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "normalized_requests_total",
			Help:      "Chat requests accepted, by the calling convention that supplied the content.",
		}, []string{"shape"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_requests_total",
			Help:      "Chat requests rejected before reaching upstream, by error kind.",
		}, []string{"kind"}),
	}
	registry.MustRegister(
		c.httpRequests,
		c.httpDuration,
		c.upstreamRequests,
		c.upstreamDuration,
		c.requestShapes,
		c.rejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (c *Collector) ObserveHTTP(route, method string, code int, elapsed time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObserveUpgrade counts a protocol upgrade without a latency sample.
func (c *Collector) ObserveUpgrade(route string) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.httpRequests.WithLabelValues(route, http.MethodGet, strconv.Itoa(http.StatusSwitchingProtocols)).Inc()
}

func (c *Collector) ObserveUpstream(model, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.upstreamRequests.WithLabelValues(model, outcome).Inc()
	c.upstreamDuration.WithLabelValues(model).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveShape(shape string) {
	if c == nil {
		return
	}
	c.requestShapes.WithLabelValues(shape).Inc()
}

func (c *Collector) ObserveRejected(kind string) {
	if c == nil {
		return
	}
	c.rejected.WithLabelValues(kind).Inc()
}
