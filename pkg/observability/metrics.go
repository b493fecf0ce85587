package observability

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryMetricsClient aggregates metrics in process memory. Counters and
// gauges are readable back through MetricsSnapshot, which is how alert rules
// observe operational counters (e.g. rate-limit fail-open) without an
// external metrics backend.
type InMemoryMetricsClient struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*histogramState
}

type histogramState struct {
	count uint64
	sum   float64
	min   float64
	max   float64
}

// NewMetricsClient creates the default in-memory metrics client.
func NewMetricsClient() *InMemoryMetricsClient {
	return &InMemoryMetricsClient{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogramState),
	}
}

// metricKey folds labels into the metric name so that series with different
// label sets stay distinct. Labels are sorted for stable keys.
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range keys {
		sb.WriteString("," + k + "=" + labels[k])
	}
	return sb.String()
}

func (m *InMemoryMetricsClient) IncrementCounter(name string, value float64) {
	m.IncrementCounterWithLabels(name, value, nil)
}

func (m *InMemoryMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Aggregate both the labeled series and the bare name so snapshot
	// consumers can read totals without knowing the label sets.
	m.counters[name] += value
	if len(labels) > 0 {
		m.counters[metricKey(name, labels)] += value
	}
}

func (m *InMemoryMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
	if len(labels) > 0 {
		m.gauges[metricKey(name, labels)] = value
	}
}

func (m *InMemoryMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := metricKey(name, labels)
	h, ok := m.histograms[key]
	if !ok {
		h = &histogramState{min: value, max: value}
		m.histograms[key] = h
	}
	h.count++
	h.sum += value
	if value < h.min {
		h.min = value
	}
	if value > h.max {
		h.max = value
	}
}

func (m *InMemoryMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	m.RecordHistogram(name, duration.Seconds(), labels)
}

func (m *InMemoryMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.RecordTimer(name, time.Since(start), labels)
	}
}

func (m *InMemoryMetricsClient) Close() error { return nil }

// MetricsSnapshot returns all counters and gauges by flattened key. Counter
// totals appear under the bare metric name; labeled series under
// "name,k=v,...".
func (m *InMemoryMetricsClient) MetricsSnapshot() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.counters)+len(m.gauges))
	for k, v := range m.counters {
		out[k] = v
	}
	for k, v := range m.gauges {
		out[k] = v
	}
	return out
}

// CounterValue returns the aggregate value of a counter by bare name.
func (m *InMemoryMetricsClient) CounterValue(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

// SnapshotProvider is implemented by metrics clients that can be read back
// in-process. The health monitor folds provider snapshots into the metric
// view evaluated by alert rules.
type SnapshotProvider interface {
	MetricsSnapshot() map[string]float64
}

// FanoutMetricsClient duplicates every record onto each underlying client,
// typically the in-memory client for alerting plus Prometheus for export.
type FanoutMetricsClient struct {
	clients []MetricsClient
}

// NewFanoutMetricsClient combines several metrics clients into one.
func NewFanoutMetricsClient(clients ...MetricsClient) *FanoutMetricsClient {
	return &FanoutMetricsClient{clients: clients}
}

func (f *FanoutMetricsClient) IncrementCounter(name string, value float64) {
	for _, c := range f.clients {
		c.IncrementCounter(name, value)
	}
}

func (f *FanoutMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	for _, c := range f.clients {
		c.IncrementCounterWithLabels(name, value, labels)
	}
}

func (f *FanoutMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	for _, c := range f.clients {
		c.RecordGauge(name, value, labels)
	}
}

func (f *FanoutMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	for _, c := range f.clients {
		c.RecordHistogram(name, value, labels)
	}
}

func (f *FanoutMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	for _, c := range f.clients {
		c.RecordTimer(name, duration, labels)
	}
}

func (f *FanoutMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		d := time.Since(start)
		for _, c := range f.clients {
			c.RecordTimer(name, d, labels)
		}
	}
}

func (f *FanoutMetricsClient) Close() error {
	var first error
	for _, c := range f.clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// MetricsSnapshot surfaces the first snapshot-capable underlying client.
func (f *FanoutMetricsClient) MetricsSnapshot() map[string]float64 {
	for _, c := range f.clients {
		if p, ok := c.(SnapshotProvider); ok {
			return p.MetricsSnapshot()
		}
	}
	return nil
}
