package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/coordination/pkg/observability"
)

// captureChannel records sent alerts for assertions.
type captureChannel struct {
	mu     sync.Mutex
	min    Severity
	alerts []*Alert
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Accepts(alert *Alert) bool {
	return severityRank(alert.Severity) >= severityRank(c.min)
}

func (c *captureChannel) Send(ctx context.Context, alert *Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *captureChannel) sent() []*Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

func newTestManager(mutate func(*AlertManagerConfig)) (*AlertManager, *fakeClock, map[string]float64) {
	clock := newFakeClock()
	snapshot := map[string]float64{}
	cfg := AlertManagerConfig{
		DefaultCooldown: 5 * time.Minute,
		SystemProjectID: "00000000-0000-0000-0000-000000000000",
		Logger:          observability.NewNoopLogger(),
		Metrics:         observability.NewMetricsClient(),
		Now:             clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewAlertManager(func() map[string]float64 { return snapshot }, cfg)
	return m, clock, snapshot
}

func memoryRule() *AlertRule {
	return &AlertRule{
		ID: "memory-usage", Name: "Memory usage above 90%",
		MetricPath: "redis.memory.used_percent",
		Operator:   OpGreaterThan, Threshold: 90,
		Severity: SeverityCritical, Enabled: true,
	}
}

func TestAlertManager(t *testing.T) {
	ctx := context.Background()

	t.Run("Triggers, updates, and auto-resolves", func(t *testing.T) {
		m, clock, snapshot := newTestManager(nil)
		ch := &captureChannel{}
		m.AddChannel(ch)
		m.AddRule(memoryRule())

		snapshot["redis.memory.used_percent"] = 95
		m.EvaluateOnce(ctx)

		active := m.ActiveAlerts()
		require.Len(t, active, 1)
		assert.Equal(t, StateActive, active[0].State)
		assert.Equal(t, 95.0, active[0].CurrentValue)
		assert.Equal(t, "00000000-0000-0000-0000-000000000000", active[0].ProjectID)
		require.Len(t, ch.sent(), 1)

		// Still firing: same alert updated, no second notification.
		clock.Advance(time.Minute)
		snapshot["redis.memory.used_percent"] = 97
		m.EvaluateOnce(ctx)
		active = m.ActiveAlerts()
		require.Len(t, active, 1)
		assert.Equal(t, 97.0, active[0].CurrentValue)
		assert.Len(t, ch.sent(), 1)

		// Recovered: auto-resolve.
		snapshot["redis.memory.used_percent"] = 50
		m.EvaluateOnce(ctx)
		assert.Empty(t, m.ActiveAlerts())
		history := m.History()
		require.Len(t, history, 1)
		assert.Equal(t, StateResolved, history[0].State)
		assert.NotNil(t, history[0].ResolvedAt)
	})

	t.Run("Cooldown holds back re-triggering after resolution", func(t *testing.T) {
		m, clock, snapshot := newTestManager(nil)
		m.AddRule(memoryRule())

		snapshot["redis.memory.used_percent"] = 95
		m.EvaluateOnce(ctx)
		snapshot["redis.memory.used_percent"] = 50
		m.EvaluateOnce(ctx)
		require.Empty(t, m.ActiveAlerts())

		// Flaps back within the cooldown: no new alert.
		clock.Advance(time.Minute)
		snapshot["redis.memory.used_percent"] = 95
		m.EvaluateOnce(ctx)
		assert.Empty(t, m.ActiveAlerts())

		// After the cooldown it may fire again.
		clock.Advance(5 * time.Minute)
		m.EvaluateOnce(ctx)
		assert.Len(t, m.ActiveAlerts(), 1)
	})

	t.Run("Missing metrics do not trigger", func(t *testing.T) {
		m, _, _ := newTestManager(nil)
		m.AddRule(memoryRule())
		m.EvaluateOnce(ctx)
		assert.Empty(t, m.ActiveAlerts())
	})

	t.Run("Disabled rules are skipped", func(t *testing.T) {
		m, _, snapshot := newTestManager(nil)
		rule := memoryRule()
		rule.Enabled = false
		m.AddRule(rule)

		snapshot["redis.memory.used_percent"] = 95
		m.EvaluateOnce(ctx)
		assert.Empty(t, m.ActiveAlerts())
	})

	t.Run("Closure extraction wins over the dotted path", func(t *testing.T) {
		m, _, snapshot := newTestManager(nil)
		m.AddRule(&AlertRule{
			ID: "hit-rate", Name: "Cache hit rate low",
			Extract: func(snap map[string]float64) (float64, bool) {
				hits, misses := snap["hits"], snap["misses"]
				if hits+misses == 0 {
					return 0, false
				}
				return hits / (hits + misses), true
			},
			Operator: OpLessThan, Threshold: 0.5,
			Severity: SeverityWarning, Enabled: true,
		})

		snapshot["hits"] = 1
		snapshot["misses"] = 9
		m.EvaluateOnce(ctx)
		require.Len(t, m.ActiveAlerts(), 1)
		assert.Equal(t, 0.1, m.ActiveAlerts()[0].CurrentValue)
	})

	t.Run("Acknowledge and resolve lifecycle", func(t *testing.T) {
		m, _, snapshot := newTestManager(nil)
		m.AddRule(memoryRule())
		snapshot["redis.memory.used_percent"] = 95
		m.EvaluateOnce(ctx)
		alert := m.ActiveAlerts()[0]

		require.NoError(t, m.Acknowledge(alert.ID, "oncall"))
		assert.Equal(t, StateAcknowledged, alert.State)
		assert.Equal(t, "oncall", alert.AcknowledgedBy)
		assert.Error(t, m.Acknowledge(alert.ID, "again"), "double acknowledge rejected")

		require.NoError(t, m.Resolve(alert.ID))
		assert.Empty(t, m.ActiveAlerts())
		assert.Error(t, m.Resolve(alert.ID))
	})

	t.Run("Suppress mutes the rule and closes its alert", func(t *testing.T) {
		m, clock, snapshot := newTestManager(nil)
		m.AddRule(memoryRule())
		snapshot["redis.memory.used_percent"] = 95
		m.EvaluateOnce(ctx)
		require.Len(t, m.ActiveAlerts(), 1)

		require.NoError(t, m.Suppress("memory-usage", 2))
		assert.Empty(t, m.ActiveAlerts())
		assert.Equal(t, StateSuppressed, m.History()[0].State)

		clock.Advance(time.Hour)
		m.EvaluateOnce(ctx)
		assert.Empty(t, m.ActiveAlerts(), "still suppressed")

		clock.Advance(90 * time.Minute)
		m.EvaluateOnce(ctx)
		assert.Len(t, m.ActiveAlerts(), 1, "suppression expired")

		assert.Error(t, m.Suppress("memory-usage", 0))
		assert.Error(t, m.Suppress("unknown", 1))
	})

	t.Run("Channel severity filters apply", func(t *testing.T) {
		m, _, snapshot := newTestManager(nil)
		criticalOnly := &captureChannel{min: SeverityCritical}
		everything := &captureChannel{}
		m.AddChannel(criticalOnly)
		m.AddChannel(everything)

		m.AddRule(&AlertRule{
			ID: "fragmentation", Name: "Fragmentation high",
			MetricPath: "redis.memory.fragmentation_ratio",
			Operator:   OpGreaterThan, Threshold: 1.5,
			Severity: SeverityWarning, Enabled: true,
		})
		snapshot["redis.memory.fragmentation_ratio"] = 2.0
		m.EvaluateOnce(ctx)

		assert.Empty(t, criticalOnly.sent())
		assert.Len(t, everything.sent(), 1)
	})

	t.Run("Default rules cover the stock metrics", func(t *testing.T) {
		paths := make(map[string]bool)
		for _, rule := range DefaultRules() {
			assert.True(t, rule.Enabled)
			paths[rule.MetricPath] = true
		}
		assert.True(t, paths["redis.memory.used_percent"])
		assert.True(t, paths["rate_limit.fail_open"])
		assert.True(t, paths["queue.dead_letter.size"])
	})
}

func TestWebhookChannel(t *testing.T) {
	ctx := context.Background()
	alert := &Alert{ID: "a-1", RuleID: "memory-usage", Severity: SeverityCritical, State: StateActive}

	t.Run("Delivers alerts as JSON", func(t *testing.T) {
		var got int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			got++
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		ch := NewWebhookChannel(srv.URL, SeverityWarning, observability.NewNoopLogger())
		require.True(t, ch.Accepts(alert))
		require.NoError(t, ch.Send(ctx, alert))
		assert.Equal(t, 1, got)
	})

	t.Run("Retries before giving up", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		ch := NewWebhookChannel(srv.URL, SeverityWarning, observability.NewNoopLogger())
		ch.retryDelay = time.Millisecond
		require.NoError(t, ch.Send(ctx, alert))
		assert.Equal(t, 3, calls)
	})

	t.Run("Breaker opens after repeated failures", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		ch := NewWebhookChannel(srv.URL, SeverityWarning, observability.NewNoopLogger())
		ch.retryDelay = time.Millisecond
		for i := 0; i < 3; i++ {
			assert.Error(t, ch.Send(ctx, alert))
		}

		srv.Close()
		err := ch.Send(ctx, alert)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "circuit breaker is open")
	})

	t.Run("Empty URL accepts nothing", func(t *testing.T) {
		ch := NewWebhookChannel("", SeverityWarning, observability.NewNoopLogger())
		assert.False(t, ch.Accepts(alert))
	})
}
