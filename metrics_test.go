package crmbase

import (
	"testing"
	"time"
)

func TestNoOpMetrics(t *testing.T) {
	metrics := &NoOpMetrics{}

	metrics.Increment(MetricCacheHits, "operation", "find_company")
	metrics.Gauge(MetricCacheCompanies, 3)
	metrics.Histogram(MetricBackendLatency, 0.5)
	metrics.Timing(MetricHTTPLatency, 10*time.Millisecond, "route", "/companies")
}

func TestInMemoryMetrics(t *testing.T) {
	metrics := NewInMemoryMetrics()

	metrics.Increment(MetricFileSaves)
	metrics.Increment(MetricFileSaves)
	metrics.Increment(MetricCacheMisses, "operation", "dump")
	metrics.Gauge(MetricCacheCompanies, 2)
	metrics.Gauge(MetricCacheCompanies, 5)
	metrics.Histogram(MetricBackendLatency, 0.1)
	metrics.Timing(MetricHTTPLatency, 50*time.Millisecond)
	metrics.Timing(MetricHTTPLatency, 150*time.Millisecond)

	if got := metrics.Count(MetricFileSaves); got != 2 {
		t.Errorf("file saves = %d, want 2", got)
	}
	if got := metrics.Count(MetricCacheMisses); got != 1 {
		t.Errorf("cache misses = %d, want 1", got)
	}
	if got := metrics.Gauges[MetricCacheCompanies]; got != 5 {
		t.Errorf("gauge = %v, want last value 5", got)
	}
	if got := len(metrics.Histograms[MetricBackendLatency]); got != 1 {
		t.Errorf("histogram samples = %d, want 1", got)
	}
	if got := len(metrics.Timings[MetricHTTPLatency]); got != 2 {
		t.Errorf("timing samples = %d, want 2", got)
	}
	if got := metrics.Count("never.incremented"); got != 0 {
		t.Errorf("unknown counter = %d, want 0", got)
	}
}

func TestMetricsInterface(t *testing.T) {
	var _ Metrics = &NoOpMetrics{}
	var _ Metrics = &InMemoryMetrics{}
	var _ Metrics = &PrometheusMetrics{}
}

func BenchmarkInMemoryMetricsIncrement(b *testing.B) {
	metrics := NewInMemoryMetrics()
	for i := 0; i < b.N; i++ {
		metrics.Increment(MetricCacheHits)
	}
}
