package crmbase

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance.
// A nil registry gets a fresh one.
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

func (p *PrometheusMetrics) registerDefaultMetrics() {
	factory := promauto.With(p.registry)

	p.counters[MetricBackendErrors] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crmbase",
			Subsystem: "backend",
			Name:      "errors_total",
			Help:      "Total number of backend errors",
		},
		[]string{"operation", "backend"},
	)

	p.counters[MetricCacheHits] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crmbase",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Session cache lookups answered from cached companies",
		},
		[]string{"operation"},
	)

	p.counters[MetricCacheMisses] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crmbase",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Session cache lookups delegated to the backend",
		},
		[]string{"operation"},
	)

	p.counters[MetricHTTPRequests] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crmbase",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP API requests by route and status",
		},
		[]string{"route", "status"},
	)

	p.histograms[MetricBackendLatency] = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crmbase",
			Subsystem: "backend",
			Name:      "operation_duration_seconds",
			Help:      "Backend operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "backend"},
	)

	p.histograms[MetricHTTPLatency] = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crmbase",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"route"},
	)

	p.gauges[MetricCacheCompanies] = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "crmbase",
			Subsystem: "cache",
			Name:      "companies",
			Help:      "Companies currently held by the last active session cache",
		},
		[]string{},
	)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.mu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crmbase",
				Name:      metricIdentifier(name),
				Help:      "Dynamic counter: " + name,
			},
			labelNames(tags),
		)
		p.counters[name] = counter
	}
	p.mu.Unlock()

	counter.With(labelValues(tags)).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.mu.Lock()
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "crmbase",
				Name:      metricIdentifier(name),
				Help:      "Dynamic gauge: " + name,
			},
			labelNames(tags),
		)
		p.gauges[name] = gauge
	}
	p.mu.Unlock()

	gauge.With(labelValues(tags)).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	p.mu.Lock()
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "crmbase",
				Name:      metricIdentifier(name),
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			labelNames(tags),
		)
		p.histograms[name] = histogram
	}
	p.mu.Unlock()

	histogram.With(labelValues(tags)).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// Registry returns the underlying Prometheus registry
func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

// metricIdentifier turns "crmbase.file.saves" into "file_saves".
func metricIdentifier(name string) string {
	name = strings.TrimPrefix(name, "crmbase.")
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// labelNames extracts label names from tags (every even index)
func labelNames(tags []string) []string {
	labels := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// labelValues creates a label map from tags (key-value pairs)
func labelValues(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels)
	for i := 0; i+1 < len(tags); i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}
