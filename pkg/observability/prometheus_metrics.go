package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient on Prometheus collectors.
// Collectors are created lazily; the label schema of a metric is fixed by its
// first use.
type PrometheusMetricsClient struct {
	namespace string
	subsystem string
	registry  prometheus.Registerer

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	commonLabels prometheus.Labels
}

// NewPrometheusMetricsClient creates a Prometheus-backed metrics client
// registered on the default registry.
func NewPrometheusMetricsClient(namespace, subsystem string, commonLabels map[string]string) *PrometheusMetricsClient {
	return NewPrometheusMetricsClientWithRegistry(namespace, subsystem, commonLabels, prometheus.DefaultRegisterer)
}

// NewPrometheusMetricsClientWithRegistry creates a client on an explicit
// registry (used by tests to avoid global registration collisions).
func NewPrometheusMetricsClientWithRegistry(namespace, subsystem string, commonLabels map[string]string, reg prometheus.Registerer) *PrometheusMetricsClient {
	labels := prometheus.Labels{}
	for k, v := range commonLabels {
		labels[k] = v
	}
	return &PrometheusMetricsClient{
		namespace:    namespace,
		subsystem:    subsystem,
		registry:     reg,
		counters:     make(map[string]*prometheus.CounterVec),
		gauges:       make(map[string]*prometheus.GaugeVec),
		histograms:   make(map[string]*prometheus.HistogramVec),
		commonLabels: labels,
	}
}

// sanitizeName converts dotted metric names to the underscore form
// Prometheus requires.
func sanitizeName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}

func (c *PrometheusMetricsClient) getOrCreateCounter(name string, labels map[string]string) *prometheus.CounterVec {
	key := sanitizeName(name)
	c.mu.RLock()
	counter, ok := c.counters[key]
	c.mu.RUnlock()
	if ok {
		return counter
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if counter, ok = c.counters[key]; ok {
		return counter
	}
	counter = promauto.With(c.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace:   c.namespace,
		Subsystem:   c.subsystem,
		Name:        key,
		Help:        "Counter " + key,
		ConstLabels: c.commonLabels,
	}, labelNames(labels))
	c.counters[key] = counter
	return counter
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name string, labels map[string]string) *prometheus.GaugeVec {
	key := sanitizeName(name)
	c.mu.RLock()
	gauge, ok := c.gauges[key]
	c.mu.RUnlock()
	if ok {
		return gauge
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gauge, ok = c.gauges[key]; ok {
		return gauge
	}
	gauge = promauto.With(c.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   c.namespace,
		Subsystem:   c.subsystem,
		Name:        key,
		Help:        "Gauge " + key,
		ConstLabels: c.commonLabels,
	}, labelNames(labels))
	c.gauges[key] = gauge
	return gauge
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name string, labels map[string]string) *prometheus.HistogramVec {
	key := sanitizeName(name)
	c.mu.RLock()
	histogram, ok := c.histograms[key]
	c.mu.RUnlock()
	if ok {
		return histogram
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if histogram, ok = c.histograms[key]; ok {
		return histogram
	}
	histogram = promauto.With(c.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   c.namespace,
		Subsystem:   c.subsystem,
		Name:        key,
		Help:        "Histogram " + key,
		ConstLabels: c.commonLabels,
		Buckets:     prometheus.DefBuckets,
	}, labelNames(labels))
	c.histograms[key] = histogram
	return histogram
}

func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.getOrCreateCounter(name, nil).With(nil).Add(value)
}

func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	c.getOrCreateCounter(name, labels).With(prometheus.Labels(labels)).Add(value)
}

func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	c.getOrCreateGauge(name, labels).With(prometheus.Labels(labels)).Set(value)
}

func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	c.getOrCreateHistogram(name, labels).With(prometheus.Labels(labels)).Observe(value)
}

func (c *PrometheusMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	c.RecordHistogram(name, duration.Seconds(), labels)
}

func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordTimer(name, time.Since(start), labels)
	}
}

func (c *PrometheusMetricsClient) Close() error { return nil }
