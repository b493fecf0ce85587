package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/coordination/pkg/observability"
	"github.com/developer-mesh/coordination/pkg/redis"
)

func newTestTracker(t *testing.T) (*ProgressTracker, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	factory, mr := newTestFactory(t)
	clock := newFakeClock()
	tracker := NewProgressTracker(factory, ProgressConfig{
		TTL:     10 * time.Minute,
		Logger:  observability.NewNoopLogger(),
		Metrics: observability.NewMetricsClient(),
		Now:     clock.Now,
	})
	return tracker, clock, mr
}

func TestProgressTracker(t *testing.T) {
	ctx := context.Background()
	project := uuid.NewString()

	t.Run("Create then step through to completion", func(t *testing.T) {
		tr, _, _ := newTestTracker(t)
		id := uuid.NewString()

		p, err := tr.Create(ctx, project, id, "reindex", 4)
		require.NoError(t, err)
		assert.Equal(t, ProgressRunning, p.Status)
		assert.Equal(t, 0.0, p.Percent())

		p, err = tr.Increment(ctx, project, id, "loaded corpus")
		require.NoError(t, err)
		assert.Equal(t, 1, p.CurrentStep)
		assert.Equal(t, 25.0, p.Percent())

		p, err = tr.UpdateStep(ctx, project, id, 3, "vectors written")
		require.NoError(t, err)
		assert.Equal(t, 3, p.CurrentStep)

		p, err = tr.Complete(ctx, project, id, "done")
		require.NoError(t, err)
		assert.Equal(t, ProgressCompleted, p.Status)
		assert.Equal(t, 4, p.CurrentStep)
		assert.Equal(t, 100.0, p.Percent())
	})

	t.Run("Step log and completion time survive the stored record", func(t *testing.T) {
		tr, clock, _ := newTestTracker(t)
		id := uuid.NewString()

		p, err := tr.Create(ctx, project, id, "reindex", 3)
		require.NoError(t, err)
		assert.Empty(t, p.StepLog)
		assert.Nil(t, p.CompletedAt)

		_, err = tr.Increment(ctx, project, id, "loaded corpus")
		require.NoError(t, err)
		p, err = tr.UpdateStep(ctx, project, id, 2, "vectors written")
		require.NoError(t, err)
		assert.Equal(t, "vectors written", p.Message, "latest message wins")
		assert.Nil(t, p.CompletedAt, "no completion time while running")

		clock.Advance(time.Minute)
		_, err = tr.Complete(ctx, project, id, "done")
		require.NoError(t, err)

		p, err = tr.Get(ctx, project, id)
		require.NoError(t, err)
		assert.Equal(t, []string{"loaded corpus", "vectors written", "done"}, p.StepLog)
		require.NotNil(t, p.CompletedAt)
		assert.Equal(t, clock.Now().UTC(), *p.CompletedAt)
		assert.True(t, p.CompletedAt.After(p.StartedAt))
	})

	t.Run("Failure stamps the completion time and logs the error", func(t *testing.T) {
		tr, _, _ := newTestTracker(t)
		id := uuid.NewString()

		_, err := tr.Create(ctx, project, id, "reindex", 2)
		require.NoError(t, err)
		_, err = tr.Fail(ctx, project, id, "corpus unreadable")
		require.NoError(t, err)

		p, err := tr.Get(ctx, project, id)
		require.NoError(t, err)
		require.NotNil(t, p.CompletedAt)
		assert.Equal(t, []string{"corpus unreadable"}, p.StepLog)
	})

	t.Run("Terminal states reject further updates", func(t *testing.T) {
		tr, _, _ := newTestTracker(t)
		id := uuid.NewString()

		_, err := tr.Create(ctx, project, id, "reindex", 2)
		require.NoError(t, err)
		_, err = tr.Fail(ctx, project, id, "corpus unreadable")
		require.NoError(t, err)

		_, err = tr.Increment(ctx, project, id, "again")
		assert.Error(t, err)
		_, err = tr.Complete(ctx, project, id, "too late")
		assert.Error(t, err)

		p, err := tr.Get(ctx, project, id)
		require.NoError(t, err)
		assert.Equal(t, ProgressFailed, p.Status)
		assert.Equal(t, "corpus unreadable", p.Error)
	})

	t.Run("Steps outside the range are rejected", func(t *testing.T) {
		tr, _, _ := newTestTracker(t)
		id := uuid.NewString()

		_, err := tr.Create(ctx, project, id, "reindex", 2)
		require.NoError(t, err)

		_, err = tr.UpdateStep(ctx, project, id, 3, "")
		assert.Error(t, err)
		_, err = tr.UpdateStep(ctx, project, id, -1, "")
		assert.Error(t, err)
	})

	t.Run("Increment clamps at the total", func(t *testing.T) {
		tr, _, _ := newTestTracker(t)
		id := uuid.NewString()

		_, err := tr.Create(ctx, project, id, "reindex", 1)
		require.NoError(t, err)
		_, err = tr.Increment(ctx, project, id, "one")
		require.NoError(t, err)
		p, err := tr.Increment(ctx, project, id, "still one")
		require.NoError(t, err)
		assert.Equal(t, 1, p.CurrentStep)
	})

	t.Run("Updating a missing tracker reports key not found", func(t *testing.T) {
		tr, _, _ := newTestTracker(t)

		_, err := tr.Increment(ctx, project, uuid.NewString(), "")
		require.Error(t, err)
		assert.True(t, redis.IsKind(err, redis.KindKeyNotFound))
	})

	t.Run("Mutations refresh the TTL", func(t *testing.T) {
		tr, _, mr := newTestTracker(t)
		id := uuid.NewString()

		_, err := tr.Create(ctx, project, id, "reindex", 2)
		require.NoError(t, err)
		key := "proj:" + project + ":progress:" + id
		require.True(t, mr.Exists(key))
		assert.Equal(t, 10*time.Minute, mr.TTL(key))

		mr.FastForward(5 * time.Minute)
		_, err = tr.Increment(ctx, project, id, "half way")
		require.NoError(t, err)
		assert.Equal(t, 10*time.Minute, mr.TTL(key))
	})

	t.Run("Invalid creation shapes are rejected", func(t *testing.T) {
		tr, _, _ := newTestTracker(t)

		_, err := tr.Create(ctx, project, "", "reindex", 2)
		assert.Error(t, err)
		_, err = tr.Create(ctx, project, uuid.NewString(), "reindex", 0)
		assert.Error(t, err)
	})
}
