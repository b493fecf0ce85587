package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/coordination/pkg/observability"
	"github.com/developer-mesh/coordination/pkg/redis"
)

// fakeClock lets tests advance the limiter's notion of now.
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

func newTestLimiter(t *testing.T, mutate func(*Config)) (*RateLimiter, *fakeClock, *miniredis.Miniredis) {
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

	clock := newFakeClock()
	cfg := Config{
		Logger:  observability.NewNoopLogger(),
		Metrics: observability.NewMetricsClient(),
		Now:     clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	exec := redis.NewScriptExecutor(observability.NewNoopLogger())
	return New(factory, exec, cfg), clock, mr
}

func TestSlidingWindow(t *testing.T) {
	ctx := context.Background()
	project := uuid.NewString()
	limit := Limit{Requests: 3, Window: 2 * time.Second}

	t.Run("Allows up to the limit then denies with reset", func(t *testing.T) {
		rl, clock, _ := newTestLimiter(t, nil)

		for i := 0; i < 3; i++ {
			d, err := rl.CheckSlidingWindow(ctx, project, "user-1", KindUser, 1, limit)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, 3-i-1, d.Remaining)
		}

		clock.Advance(500 * time.Millisecond)
		d, err := rl.CheckSlidingWindow(ctx, project, "user-1", KindUser, 1, limit)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, 0, d.Remaining)
		assert.Equal(t, 3, d.CurrentUsage)
		assert.Equal(t, 1500*time.Millisecond, d.Reset)

		// Past the window the oldest events have expired.
		clock.Advance(1700 * time.Millisecond)
		d, err = rl.CheckSlidingWindow(ctx, project, "user-1", KindUser, 1, limit)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("Cost is accounted per event", func(t *testing.T) {
		rl, _, _ := newTestLimiter(t, nil)

		d, err := rl.CheckSlidingWindow(ctx, project, "user-2", KindUser, 2, limit)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 1, d.Remaining)

		d, err = rl.CheckSlidingWindow(ctx, project, "user-2", KindUser, 2, limit)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	})

	t.Run("Cost below one is rejected before any IO", func(t *testing.T) {
		rl, _, mr := newTestLimiter(t, nil)

		_, err := rl.CheckSlidingWindow(ctx, project, "user-3", KindUser, 0, limit)
		assert.Error(t, err)
		assert.Empty(t, mr.Keys())
	})

	t.Run("Separate tenants count independently", func(t *testing.T) {
		rl, _, mr := newTestLimiter(t, nil)
		other := uuid.NewString()

		for i := 0; i < 3; i++ {
			d, err := rl.CheckSlidingWindow(ctx, project, "shared", KindUser, 1, limit)
			require.NoError(t, err)
			require.True(t, d.Allowed)
		}
		d, err := rl.CheckSlidingWindow(ctx, other, "shared", KindUser, 1, limit)
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		assert.Len(t, mr.Keys(), 2)
	})

	t.Run("Window key follows the documented schema", func(t *testing.T) {
		rl, _, mr := newTestLimiter(t, nil)

		_, err := rl.CheckSlidingWindow(ctx, project, "1.2.3.4", KindIP, 1, Limit{Requests: 5, Window: time.Minute})
		require.NoError(t, err)
		assert.True(t, mr.Exists("proj:"+project+":rate_limit:ip:1.2.3.4:60"))
	})
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	project := uuid.NewString()

	t.Run("Full drain then denial with retry hint", func(t *testing.T) {
		rl, _, _ := newTestLimiter(t, nil)
		bucket := BucketLimit{Capacity: 5, RefillRate: 5}

		d, err := rl.CheckTokenBucket(ctx, project, "agent-1", 5, bucket)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 0, d.Remaining)

		d, err = rl.CheckTokenBucket(ctx, project, "agent-1", 5, bucket)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, time.Second, d.RetryAfter)
	})

	t.Run("Tokens refill over time clamped to capacity", func(t *testing.T) {
		rl, clock, _ := newTestLimiter(t, nil)
		bucket := BucketLimit{Capacity: 10, RefillRate: 2}

		d, err := rl.CheckTokenBucket(ctx, project, "agent-2", 10, bucket)
		require.NoError(t, err)
		require.True(t, d.Allowed)

		clock.Advance(2 * time.Second)
		d, err = rl.CheckTokenBucket(ctx, project, "agent-2", 4, bucket)
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		// A long idle period cannot overfill the bucket.
		clock.Advance(time.Hour)
		d, err = rl.CheckTokenBucket(ctx, project, "agent-2", 10, bucket)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 0, d.Remaining)
	})

	t.Run("Cost below one is rejected before any IO", func(t *testing.T) {
		rl, _, mr := newTestLimiter(t, nil)

		_, err := rl.CheckTokenBucket(ctx, project, "agent-3", 0, BucketLimit{Capacity: 5, RefillRate: 1})
		assert.Error(t, err)
		assert.Empty(t, mr.Keys())
	})
}

func TestCompositeCheck(t *testing.T) {
	ctx := context.Background()
	project := uuid.NewString()

	t.Run("Returns the most restrictive allowed decision", func(t *testing.T) {
		rl, _, _ := newTestLimiter(t, func(cfg *Config) {
			cfg.UserLimit = Limit{Requests: 100, Window: time.Minute}
			cfg.ProjectLimit = Limit{Requests: 5, Window: time.Minute}
			cfg.IPLimit = Limit{Requests: 50, Window: time.Minute}
		})

		d, err := rl.Check(ctx, Request{ProjectID: project, UserID: "u1", IP: "1.1.1.1"})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, KindProject, d.Kind)
		assert.Equal(t, 4, d.Remaining)
	})

	t.Run("Denies when any check fails", func(t *testing.T) {
		rl, _, _ := newTestLimiter(t, func(cfg *Config) {
			cfg.UserLimit = Limit{Requests: 2, Window: time.Minute}
			cfg.ProjectLimit = Limit{Requests: 100, Window: time.Minute}
		})

		req := Request{ProjectID: project, UserID: "u2"}
		for i := 0; i < 2; i++ {
			d, err := rl.Check(ctx, req)
			require.NoError(t, err)
			require.True(t, d.Allowed)
		}
		d, err := rl.Check(ctx, req)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, KindUser, d.Kind)
	})

	t.Run("Writes cost double", func(t *testing.T) {
		rl, _, _ := newTestLimiter(t, func(cfg *Config) {
			cfg.ProjectLimit = Limit{Requests: 4, Window: time.Minute}
		})

		req := Request{ProjectID: project, Write: true}
		d, err := rl.Check(ctx, req)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.Equal(t, 2, d.Remaining)
	})

	t.Run("Endpoint overrides apply to the normalized path", func(t *testing.T) {
		rl, _, _ := newTestLimiter(t, func(cfg *Config) {
			cfg.EndpointLimit = Limit{Requests: 100, Window: time.Minute}
			cfg.EndpointLimits = map[string]Limit{
				"/api/projects/id/import": {Requests: 2, Window: time.Minute},
			}
			cfg.EndpointCosts = map[string]int{
				"/api/projects/id/import": 2,
			}
		})

		req := Request{
			ProjectID: project,
			Endpoint:  "/api/projects/" + uuid.NewString() + "/import",
		}
		d, err := rl.Check(ctx, req)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.Equal(t, 0, d.Remaining)

		d, err = rl.Check(ctx, req)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	})

	t.Run("Fails open when the backend is unreachable", func(t *testing.T) {
		rl, _, mr := newTestLimiter(t, func(cfg *Config) {
			cfg.ProjectLimit = Limit{Requests: 5, Window: time.Minute}
		})
		mr.Close()

		d, err := rl.Check(ctx, Request{ProjectID: project})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.FailedOpen)
	})
}

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/api/projects/123/tasks", "/api/projects/id/tasks"},
		{"/api/projects/" + uuid.NewString(), "/api/projects/id"},
		{"/api/users/42/sessions/6ba7b810-9dad-11d1-80b4-00c04fd430c8", "/api/users/id/sessions/id"},
		{"/healthz", "/healthz"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizePath(tc.in), tc.in)
	}
}
