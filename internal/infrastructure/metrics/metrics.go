package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its registry, so several instances can coexist (tests, embedded use).
// All methods accept a nil receiver and do nothing.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	UpstreamAttempts *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec

	GateDecisions *prometheus.CounterVec
	Outcomes      *prometheus.CounterVec
	DroppedItems  prometheus.Counter
}

// NewCollector creates and registers all metrics under namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
			},
			[]string{"method", "route"},
		),
		UpstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_attempts_total",
				Help:      "Model provider call attempts by stage and classification",
			},
			[]string{"stage", "outcome"},
		),
		UpstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_attempt_duration_seconds",
				Help:      "Duration of a single model provider attempt",
				Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 12, 16, 20, 30},
			},
			[]string{"stage"},
		),
		GateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_decisions_total",
				Help:      "Food gate decisions: pass, reject or error",
			},
			[]string{"decision"},
		),
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recognition_outcomes_total",
				Help:      "Recognition outcomes by error kind (success for successes)",
			},
			[]string{"kind"},
		),
		DroppedItems: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "normalizer_dropped_items_total",
				Help:      "Items dropped because no nutrition value could be parsed",
			},
		),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.UpstreamAttempts,
		c.UpstreamDuration,
		c.GateDecisions,
		c.Outcomes,
		c.DroppedItems,
	)

	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves this collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one finished HTTP request.
func (c *Collector) ObserveHTTP(method, route, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, status).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveAttempt records one upstream attempt.
func (c *Collector) ObserveAttempt(stage, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.UpstreamAttempts.WithLabelValues(stage, outcome).Inc()
	c.UpstreamDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveGate records a gate decision.
func (c *Collector) ObserveGate(decision string) {
	if c == nil {
		return
	}
	c.GateDecisions.WithLabelValues(decision).Inc()
}

// ObserveOutcome records the final outcome kind of a recognition.
func (c *Collector) ObserveOutcome(kind string) {
	if c == nil {
		return
	}
	c.Outcomes.WithLabelValues(kind).Inc()
}

// AddDroppedItems counts items the normalizer discarded.
func (c *Collector) AddDroppedItems(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.DroppedItems.Add(float64(n))
}
