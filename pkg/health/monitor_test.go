package health

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/coordination/pkg/observability"
	"github.com/developer-mesh/coordination/pkg/redis"
)

// fakeClock lets tests advance the monitor's notion of now.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestFactory(t *testing.T) (*redis.ConnectionFactory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	factory, err := redis.NewConnectionFactory(redis.FactoryConfig{
		URL:              "redis://" + mr.Addr(),
		ConnectTimeout:   200 * time.Millisecond,
		OperationTimeout: time.Second,
		Breaker:          redis.CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute},
		Logger:           observability.NewNoopLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = factory.Close() })
	return factory, mr
}

const sampleMemInfo = `# Memory
used_memory:1048576
used_memory_rss:2097152
maxmemory:4194304
mem_fragmentation_ratio:2.00
`

const sampleClientsInfo = `# Clients
connected_clients:12
blocked_clients:1
`

const sampleStatsInfo = `# Stats
keyspace_hits:90
keyspace_misses:10
evicted_keys:3
rejected_connections:2
`

func TestMonitor(t *testing.T) {
	t.Run("Ingest parses INFO sections into the snapshot", func(t *testing.T) {
		factory, _ := newTestFactory(t)
		clock := newFakeClock()
		m := NewMonitor(factory, nil, MonitorConfig{
			Logger:  observability.NewNoopLogger(),
			Metrics: observability.NewMetricsClient(),
			Now:     clock.Now,
		})

		m.ingest(clock.Now(), sampleMemInfo, sampleClientsInfo, sampleStatsInfo)

		snap := m.Snapshot()
		assert.Equal(t, float64(1048576), snap["redis.memory.used_memory"])
		assert.Equal(t, 2.0, snap["redis.memory.fragmentation_ratio"])
		assert.Equal(t, 25.0, snap["redis.memory.used_percent"])
		assert.Equal(t, 0.9, snap["redis.stats.hit_rate"])
		assert.Equal(t, float64(12), snap["redis.clients.connected"])
		assert.Equal(t, float64(2), snap["redis.stats.rejected_connections"])
	})

	t.Run("History is bounded by retention", func(t *testing.T) {
		factory, _ := newTestFactory(t)
		clock := newFakeClock()
		m := NewMonitor(factory, nil, MonitorConfig{
			Retention: time.Hour,
			Logger:    observability.NewNoopLogger(),
			Now:       clock.Now,
		})

		for i := 0; i < 5; i++ {
			m.ingest(clock.Now(), sampleMemInfo, sampleClientsInfo, sampleStatsInfo)
			clock.Advance(30 * time.Minute)
		}

		// 150 minutes elapsed; only samples within the last hour survive.
		history := m.MemoryHistory()
		assert.Len(t, history, 2)
		assert.Len(t, m.ConnectionHistory(), 2)
	})

	t.Run("Snapshot includes pool statistics", func(t *testing.T) {
		factory, _ := newTestFactory(t)
		m := NewMonitor(factory, nil, MonitorConfig{Logger: observability.NewNoopLogger()})

		snap := m.Snapshot()
		_, ok := snap["pool.admin.total_conns"]
		assert.True(t, ok)
	})

	t.Run("Provider snapshots are merged in", func(t *testing.T) {
		factory, _ := newTestFactory(t)
		mem := observability.NewMetricsClient()
		mem.IncrementCounter("rate_limit.fail_open", 4)

		m := NewMonitor(factory, nil, MonitorConfig{Logger: observability.NewNoopLogger()}, mem)
		assert.Equal(t, float64(4), m.Snapshot()["rate_limit.fail_open"])
	})

	t.Run("Command percentiles appear under dotted paths", func(t *testing.T) {
		factory, _ := newTestFactory(t)
		stats := NewCommandStats(100)
		for i := 1; i <= 100; i++ {
			stats.observe("get", time.Duration(i)*time.Millisecond, true)
		}

		m := NewMonitor(factory, stats, MonitorConfig{Logger: observability.NewNoopLogger()})
		snap := m.Snapshot()
		assert.Equal(t, float64(100), snap["commands.get.count"])
		assert.Equal(t, 95.0, snap["commands.get.p95_ms"])
	})
}

func TestParseInfo(t *testing.T) {
	fields := parseInfo("# Memory\r\nused_memory:42\r\nmem_fragmentation_ratio:1.25\r\n")
	assert.Equal(t, "42", fields["used_memory"])
	assert.Equal(t, int64(42), infoInt(fields, "used_memory"))
	assert.Equal(t, 1.25, infoFloat(fields, "mem_fragmentation_ratio"))
	assert.Equal(t, int64(0), infoInt(fields, "missing"))
}
