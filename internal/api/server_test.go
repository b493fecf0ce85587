package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/coordination/pkg/common/config"
	"github.com/developer-mesh/coordination/pkg/coordinator"
	"github.com/developer-mesh/coordination/pkg/health"
	"github.com/developer-mesh/coordination/pkg/observability"
	"github.com/developer-mesh/coordination/pkg/ratelimit"
)

func newTestServer(t *testing.T, opts ...coordinator.Option) (*Server, *coordinator.Coordinator) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		Redis: config.RedisConfig{
			URL:                       "redis://" + mr.Addr(),
			MaxConnections:            10,
			ConnectionTimeoutSeconds:  1,
			OperationTimeoutSeconds:   1,
			BreakerFailureThreshold:   2,
			BreakerRecoveryTimeoutSec: 60,
		},
		Agent:   config.AgentConfig{MaxRetries: 3, RetryDelaySeconds: 1, CircuitBreakerThreshold: 5, CircuitBreakerTimeoutSeconds: 60},
		Queue:   config.QueueConfig{MaxSize: 100, DefaultMaxAttempts: 3, DefaultTimeoutSecs: 60, WorkerPollIntervalMs: 50, WorkerMaxConcurrent: 2, WorkerDrainTimeoutS: 5, DLQScanIntervalSecs: 3600, DLQRetryPerSecond: 5},
		Cache:   config.CacheConfig{DefaultTTLSeconds: 3600, LocalTTLSeconds: 5, ProgressTTLMinutes: 30},
		Session: config.SessionConfig{DefaultTTLSeconds: 3600},
		Health:  config.HealthConfig{SampleIntervalSeconds: 3600, SampleRetentionMins: 60, CommandHistorySize: 100},
		Alerts:  config.AlertsConfig{EvaluationIntervalSecs: 3600, DefaultCooldownSeconds: 300, SystemProjectID: "00000000-0000-0000-0000-000000000000"},
		Metrics: config.MetricsConfig{PrometheusEnabled: false},
	}

	opts = append([]coordinator.Option{coordinator.WithLogger(observability.NewNoopLogger())}, opts...)
	coord, err := coordinator.New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() { _ = coord.Shutdown(context.Background()) })

	return NewServer(coord, Config{ListenAddress: ":0"}, observability.NewNoopLogger()), coord
}

func doJSON(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestServer(t *testing.T) {
	t.Run("Health endpoint reports healthy against a live server", func(t *testing.T) {
		s, _ := newTestServer(t)
		w := doJSON(t, s, http.MethodGet, "/healthz", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var agg health.AggregatedHealth
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agg))
		assert.Equal(t, health.StatusHealthy, agg.Status)
		assert.Contains(t, agg.Checks, "redis")
	})

	t.Run("Snapshot includes pool statistics", func(t *testing.T) {
		s, _ := newTestServer(t)
		w := doJSON(t, s, http.MethodGet, "/api/v1/monitoring/snapshot", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var snap map[string]float64
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
		assert.Contains(t, snap, "pool.admin.total_conns")
	})

	t.Run("Alert acknowledge and resolve round-trip", func(t *testing.T) {
		s, coord := newTestServer(t)
		coord.Alerts().AddRule(&health.AlertRule{
			ID: "always", Name: "Always firing",
			Extract:  func(map[string]float64) (float64, bool) { return 100, true },
			Operator: health.OpGreaterThan, Threshold: 1,
			Severity: health.SeverityWarning, Enabled: true,
		})
		coord.Alerts().EvaluateOnce(context.Background())
		active := coord.Alerts().ActiveAlerts()
		require.Len(t, active, 1)

		w := doJSON(t, s, http.MethodGet, "/api/v1/alerts", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "Always firing")

		w = doJSON(t, s, http.MethodPost, "/api/v1/alerts/"+active[0].ID+"/acknowledge", `{"by":"oncall"}`, nil)
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = doJSON(t, s, http.MethodPost, "/api/v1/alerts/"+active[0].ID+"/acknowledge", `{"by":"again"}`, nil)
		assert.Equal(t, http.StatusConflict, w.Code, "double acknowledge rejected")

		w = doJSON(t, s, http.MethodPost, "/api/v1/alerts/"+active[0].ID+"/resolve", "", nil)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, coord.Alerts().ActiveAlerts())
	})

	t.Run("Suppress validates its body", func(t *testing.T) {
		s, coord := newTestServer(t)
		coord.Alerts().AddRule(&health.AlertRule{
			ID: "noisy", Name: "Noisy",
			MetricPath: "redis.memory.used_percent",
			Operator:   health.OpGreaterThan, Threshold: 90,
			Severity: health.SeverityWarning, Enabled: true,
		})

		w := doJSON(t, s, http.MethodPost, "/api/v1/alerts/rules/noisy/suppress", `{"hours":2}`, nil)
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = doJSON(t, s, http.MethodPost, "/api/v1/alerts/rules/noisy/suppress", `{}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = doJSON(t, s, http.MethodPost, "/api/v1/alerts/rules/unknown/suppress", `{"hours":1}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Queue stats and task status endpoints", func(t *testing.T) {
		s, _ := newTestServer(t)
		w := doJSON(t, s, http.MethodGet, "/api/v1/queues/embedding/stats", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"embedding"`)

		w = doJSON(t, s, http.MethodGet, "/api/v1/tasks/"+uuid.NewString()+"/status", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = doJSON(t, s, http.MethodGet, "/api/v1/queues/dead-letters/count", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"count":0}`, w.Body.String())
	})

	t.Run("Rate limit denial maps to 429 with headers", func(t *testing.T) {
		s, _ := newTestServer(t, coordinator.WithRateLimits(ratelimit.Config{
			ProjectLimit: ratelimit.Limit{Requests: 2, Window: time.Minute},
		}))
		project := uuid.NewString()
		headers := map[string]string{"X-Project-ID": project}

		for i := 0; i < 2; i++ {
			w := doJSON(t, s, http.MethodGet, "/api/v1/monitoring/snapshot", "", headers)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
		}

		w := doJSON(t, s, http.MethodGet, "/api/v1/monitoring/snapshot", "", headers)
		require.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
		assert.Contains(t, w.Body.String(), "rate limit exceeded")
	})

	t.Run("Requests without a tenant bypass the limiter", func(t *testing.T) {
		s, _ := newTestServer(t, coordinator.WithRateLimits(ratelimit.Config{
			ProjectLimit: ratelimit.Limit{Requests: 1, Window: time.Minute},
		}))
		for i := 0; i < 3; i++ {
			w := doJSON(t, s, http.MethodGet, "/api/v1/monitoring/snapshot", "", nil)
			require.Equal(t, http.StatusOK, w.Code)
		}
	})
}
