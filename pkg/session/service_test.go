package session

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

// fakeClock lets tests advance the service's notion of now.
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

func newTestService(t *testing.T, mutate func(*Config)) (*Service, *fakeClock, *miniredis.Miniredis) {
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
		DefaultTTL:   time.Hour,
		TombstoneTTL: 5 * time.Minute,
		Logger:       observability.NewNoopLogger(),
		Metrics:      observability.NewMetricsClient(),
		Now:          clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(factory, cfg), clock, mr
}

func TestSessionService(t *testing.T) {
	ctx := context.Background()
	project := uuid.NewString()

	t.Run("Create and validate", func(t *testing.T) {
		svc, _, mr := newTestService(t, nil)

		created, err := svc.Create(ctx, project, "user-1", map[string]interface{}{"device": "cli"})
		require.NoError(t, err)
		assert.True(t, created.Active)
		assert.True(t, mr.Exists("proj:"+project+":session:"+created.SessionID))

		got, err := svc.Validate(ctx, project, created.SessionID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "user-1", got.UserID)
		assert.Equal(t, "cli", got.Metadata["device"])
	})

	t.Run("Validation slides the expiration forward", func(t *testing.T) {
		svc, clock, _ := newTestService(t, func(cfg *Config) { cfg.DefaultTTL = 30 * time.Minute })

		created, err := svc.Create(ctx, project, "user-1", nil)
		require.NoError(t, err)

		// Touch the session shortly before it would expire; the deadline
		// moves a full TTL past the touch.
		clock.Advance(25 * time.Minute)
		touched, err := svc.Validate(ctx, project, created.SessionID)
		require.NoError(t, err)
		require.NotNil(t, touched)
		assert.Equal(t, clock.Now().Add(30*time.Minute), touched.ExpiresAt)

		// The original deadline passes without harm.
		clock.Advance(10 * time.Minute)
		alive, err := svc.Validate(ctx, project, created.SessionID)
		require.NoError(t, err)
		assert.NotNil(t, alive)

		// Left untouched past the slid deadline, the session is gone.
		clock.Advance(31 * time.Minute)
		gone, err := svc.Validate(ctx, project, created.SessionID)
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("Missing sessions validate to nil", func(t *testing.T) {
		svc, _, _ := newTestService(t, nil)

		got, err := svc.Validate(ctx, project, uuid.NewString())
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("A new login revokes the previous session", func(t *testing.T) {
		svc, _, _ := newTestService(t, nil)

		first, err := svc.Create(ctx, project, "user-1", nil)
		require.NoError(t, err)
		second, err := svc.Create(ctx, project, "user-1", nil)
		require.NoError(t, err)

		got, err := svc.Validate(ctx, project, first.SessionID)
		require.NoError(t, err)
		assert.Nil(t, got, "first session revoked by second login")

		// The tombstone still records the revocation.
		stored, err := svc.Get(ctx, project, first.SessionID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.False(t, stored.Active)

		got, err = svc.Validate(ctx, project, second.SessionID)
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("Different users keep independent sessions", func(t *testing.T) {
		svc, _, _ := newTestService(t, nil)

		a, err := svc.Create(ctx, project, "user-a", nil)
		require.NoError(t, err)
		_, err = svc.Create(ctx, project, "user-b", nil)
		require.NoError(t, err)

		got, err := svc.Validate(ctx, project, a.SessionID)
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("Revoke deactivates and later validations fail", func(t *testing.T) {
		svc, _, _ := newTestService(t, nil)

		created, err := svc.Create(ctx, project, "user-1", nil)
		require.NoError(t, err)
		require.NoError(t, svc.Revoke(ctx, project, created.SessionID))

		got, err := svc.Validate(ctx, project, created.SessionID)
		require.NoError(t, err)
		assert.Nil(t, got)

		err = svc.Revoke(ctx, project, uuid.NewString())
		require.Error(t, err)
		assert.True(t, redis.IsKind(err, redis.KindKeyNotFound))
	})

	t.Run("Project access grants accumulate", func(t *testing.T) {
		svc, _, _ := newTestService(t, nil)
		other := uuid.NewString()

		created, err := svc.Create(ctx, project, "user-1", nil)
		require.NoError(t, err)
		assert.True(t, created.HasAccess(project))
		assert.False(t, created.HasAccess(other))

		granted, err := svc.GrantProjectAccess(ctx, project, created.SessionID, other)
		require.NoError(t, err)
		assert.True(t, granted.HasAccess(other))

		// Granting twice is a no-op.
		granted, err = svc.GrantProjectAccess(ctx, project, created.SessionID, other)
		require.NoError(t, err)
		assert.Len(t, granted.ProjectAccess, 1)

		_, err = svc.GrantProjectAccess(ctx, project, created.SessionID, "not-a-uuid")
		require.Error(t, err)
		assert.True(t, redis.IsKind(err, redis.KindIsolation))
	})

	t.Run("Sessions are tenant isolated", func(t *testing.T) {
		svc, _, _ := newTestService(t, nil)
		other := uuid.NewString()

		created, err := svc.Create(ctx, project, "user-1", nil)
		require.NoError(t, err)

		got, err := svc.Validate(ctx, other, created.SessionID)
		require.NoError(t, err)
		assert.Nil(t, got, "session id is meaningless in another tenant")
	})
}
