// Package health implements the sampling monitor, per-command latency
// statistics, the health check registry, and the alert manager. The monitor
// and command stats feed a dotted-path metric snapshot; the alert manager
// evaluates rules against that snapshot and fans triggered alerts out to
// notification channels.
package health

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"

	"github.com/developer-mesh/coordination/pkg/observability"
	"github.com/developer-mesh/coordination/pkg/redis"
)

// MemorySample is one point of server memory state.
type MemorySample struct {
	At                 time.Time `json:"at"`
	UsedBytes          int64     `json:"used_bytes"`
	RSSBytes           int64     `json:"rss_bytes"`
	MaxBytes           int64     `json:"max_bytes"`
	FragmentationRatio float64   `json:"fragmentation_ratio"`
	KeyspaceHits       int64     `json:"keyspace_hits"`
	KeyspaceMisses     int64     `json:"keyspace_misses"`
	EvictedKeys        int64     `json:"evicted_keys"`
}

// ConnectionSample is one point of server connection state.
type ConnectionSample struct {
	At        time.Time `json:"at"`
	Connected int64     `json:"connected"`
	Blocked   int64     `json:"blocked"`
	Rejected  int64     `json:"rejected"`
}

// MonitorConfig configures the sampling monitor.
type MonitorConfig struct {
	// SampleInterval is the sampling loop period.
	SampleInterval time.Duration
	// Retention bounds how far back memory and connection history goes.
	Retention time.Duration

	Logger  observability.Logger
	Metrics observability.MetricsClient
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Monitor samples server and pool state over the admin connection and merges
// it with command statistics and in-process metric snapshots into the metric
// view alert rules evaluate.
type Monitor struct {
	factory   *redis.ConnectionFactory
	commands  *CommandStats
	providers []observability.SnapshotProvider
	config    MonitorConfig
	logger    observability.Logger
	metrics   observability.MetricsClient
	now       func() time.Time

	mu     sync.RWMutex
	memory []MemorySample
	conns  []ConnectionSample
}

// NewMonitor creates a monitor. Providers are optional in-process metric
// sources (typically the in-memory metrics client) folded into Snapshot.
func NewMonitor(factory *redis.ConnectionFactory, commands *CommandStats, config MonitorConfig, providers ...observability.SnapshotProvider) *Monitor {
	if config.SampleInterval <= 0 {
		config.SampleInterval = 30 * time.Second
	}
	if config.Retention <= 0 {
		config.Retention = time.Hour
	}
	if config.Logger == nil {
		config.Logger = observability.NewStandardLogger("health-monitor")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Monitor{
		factory:   factory,
		commands:  commands,
		providers: providers,
		config:    config,
		logger:    config.Logger,
		metrics:   config.Metrics,
		now:       config.Now,
	}
}

// Run samples on the configured interval until the context is cancelled.
// Sampling failures back off before the loop resumes its cadence.
func (m *Monitor) Run(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	for {
		if err := m.Sample(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := policy.NextBackOff()
			m.logger.Warn("Health sample failed, backing off", map[string]interface{}{
				"error":   err.Error(),
				"backoff": delay.String(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		policy.Reset()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sample collects one round of INFO sections and pool statistics.
func (m *Monitor) Sample(ctx context.Context) error {
	var memInfo, clientsInfo, statsInfo string
	err := m.factory.WithAdminConnection(ctx, func(ctx context.Context, client *goredis.Client) error {
		var err error
		if memInfo, err = client.Info(ctx, "memory").Result(); err != nil {
			return err
		}
		if clientsInfo, err = client.Info(ctx, "clients").Result(); err != nil {
			return err
		}
		statsInfo, err = client.Info(ctx, "stats").Result()
		return err
	})
	if err != nil {
		return err
	}

	m.ingest(m.now().UTC(), memInfo, clientsInfo, statsInfo)
	return nil
}

// ingest parses the INFO payloads into samples and publishes gauges. Fields
// a server does not report simply stay zero.
func (m *Monitor) ingest(now time.Time, memInfo, clientsInfo, statsInfo string) {
	mem := parseInfo(memInfo)
	clients := parseInfo(clientsInfo)
	stats := parseInfo(statsInfo)

	memSample := MemorySample{
		At:                 now,
		UsedBytes:          infoInt(mem, "used_memory"),
		RSSBytes:           infoInt(mem, "used_memory_rss"),
		MaxBytes:           infoInt(mem, "maxmemory"),
		FragmentationRatio: infoFloat(mem, "mem_fragmentation_ratio"),
		KeyspaceHits:       infoInt(stats, "keyspace_hits"),
		KeyspaceMisses:     infoInt(stats, "keyspace_misses"),
		EvictedKeys:        infoInt(stats, "evicted_keys"),
	}
	connSample := ConnectionSample{
		At:        now,
		Connected: infoInt(clients, "connected_clients"),
		Blocked:   infoInt(clients, "blocked_clients"),
		Rejected:  infoInt(stats, "rejected_connections"),
	}

	m.mu.Lock()
	m.memory = appendTrimmed(m.memory, memSample, now.Add(-m.config.Retention))
	m.conns = appendTrimmed(m.conns, connSample, now.Add(-m.config.Retention))
	m.mu.Unlock()

	m.metrics.RecordGauge("redis.memory.used_memory", float64(memSample.UsedBytes), nil)
	m.metrics.RecordGauge("redis.memory.fragmentation_ratio", memSample.FragmentationRatio, nil)
	m.metrics.RecordGauge("redis.clients.connected", float64(connSample.Connected), nil)
	for name, ps := range m.factory.PoolStats() {
		m.metrics.RecordGauge("pool.total_conns", float64(ps.TotalConns), map[string]string{"pool": name})
		m.metrics.RecordGauge("pool.idle_conns", float64(ps.IdleConns), map[string]string{"pool": name})
	}
}

// MemoryHistory returns the retained memory samples, oldest first.
func (m *Monitor) MemoryHistory() []MemorySample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MemorySample, len(m.memory))
	copy(out, m.memory)
	return out
}

// ConnectionHistory returns the retained connection samples, oldest first.
func (m *Monitor) ConnectionHistory() []ConnectionSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConnectionSample, len(m.conns))
	copy(out, m.conns)
	return out
}

// Snapshot builds the dotted-path metric view: latest server samples, pool
// statistics, command percentiles, and any provider snapshots merged in.
func (m *Monitor) Snapshot() map[string]float64 {
	snap := make(map[string]float64)

	m.mu.RLock()
	if n := len(m.memory); n > 0 {
		mem := m.memory[n-1]
		snap["redis.memory.used_memory"] = float64(mem.UsedBytes)
		snap["redis.memory.used_memory_rss"] = float64(mem.RSSBytes)
		snap["redis.memory.maxmemory"] = float64(mem.MaxBytes)
		snap["redis.memory.fragmentation_ratio"] = mem.FragmentationRatio
		snap["redis.stats.keyspace_hits"] = float64(mem.KeyspaceHits)
		snap["redis.stats.keyspace_misses"] = float64(mem.KeyspaceMisses)
		snap["redis.stats.evicted_keys"] = float64(mem.EvictedKeys)
		if mem.MaxBytes > 0 {
			snap["redis.memory.used_percent"] = float64(mem.UsedBytes) / float64(mem.MaxBytes) * 100
		}
		if total := mem.KeyspaceHits + mem.KeyspaceMisses; total > 0 {
			snap["redis.stats.hit_rate"] = float64(mem.KeyspaceHits) / float64(total)
		}
	}
	if n := len(m.conns); n > 0 {
		conn := m.conns[n-1]
		snap["redis.clients.connected"] = float64(conn.Connected)
		snap["redis.clients.blocked"] = float64(conn.Blocked)
		snap["redis.stats.rejected_connections"] = float64(conn.Rejected)
	}
	m.mu.RUnlock()

	for name, ps := range m.factory.PoolStats() {
		snap["pool."+name+".total_conns"] = float64(ps.TotalConns)
		snap["pool."+name+".idle_conns"] = float64(ps.IdleConns)
		snap["pool."+name+".timeouts"] = float64(ps.Timeouts)
	}

	if m.commands != nil {
		for k, v := range m.commands.Snapshot() {
			snap[k] = v
		}
	}
	for _, p := range m.providers {
		for k, v := range p.MetricsSnapshot() {
			snap[k] = v
		}
	}
	return snap
}

type timed interface{ at() time.Time }

func (s MemorySample) at() time.Time     { return s.At }
func (s ConnectionSample) at() time.Time { return s.At }

// appendTrimmed appends a sample and drops everything older than cutoff.
func appendTrimmed[T timed](samples []T, sample T, cutoff time.Time) []T {
	samples = append(samples, sample)
	idx := 0
	for idx < len(samples) && !samples[idx].at().After(cutoff) {
		idx++
	}
	return samples[idx:]
}

// parseInfo splits an INFO section payload into its key:value pairs.
func parseInfo(payload string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[key] = value
	}
	return fields
}

func infoInt(fields map[string]string, key string) int64 {
	n, _ := strconv.ParseInt(fields[key], 10, 64)
	return n
}

func infoFloat(fields map[string]string, key string) float64 {
	f, _ := strconv.ParseFloat(fields[key], 64)
	return f
}
