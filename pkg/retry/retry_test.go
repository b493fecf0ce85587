package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("Succeeds after transient failures", func(t *testing.T) {
		policy := NewExponentialBackoff(Config{
			InitialInterval: time.Millisecond,
			MaxRetries:      5,
		})

		calls := 0
		err := policy.Execute(context.Background(), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("Stops at max retries", func(t *testing.T) {
		policy := NewExponentialBackoff(Config{
			InitialInterval: time.Millisecond,
			MaxRetries:      3,
		})

		calls := 0
		err := policy.Execute(context.Background(), func(ctx context.Context) error {
			calls++
			return errors.New("always")
		})

		assert.Error(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("Does not retry classified non-retryable errors", func(t *testing.T) {
		fatal := errors.New("auth failed")
		policy := NewExponentialBackoff(Config{
			InitialInterval: time.Millisecond,
			MaxRetries:      5,
			ShouldRetry:     func(err error) bool { return !errors.Is(err, fatal) },
		})

		calls := 0
		err := policy.Execute(context.Background(), func(ctx context.Context) error {
			calls++
			return fatal
		})

		assert.ErrorIs(t, err, fatal)
		assert.Equal(t, 1, calls)
	})

	t.Run("Delays grow and respect the cap", func(t *testing.T) {
		policy := NewExponentialBackoff(Config{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     400 * time.Millisecond,
			Multiplier:      2.0,
			MaxRetries:      10,
		})

		d1 := policy.NextDelay(1)
		d4 := policy.NextDelay(4)

		// Jitter is ±20%, so bounds are generous.
		assert.InDelta(t, 100*time.Millisecond, float64(d1), float64(20*time.Millisecond))
		assert.LessOrEqual(t, d4, 480*time.Millisecond)
	})

	t.Run("Honors context cancellation between attempts", func(t *testing.T) {
		policy := NewExponentialBackoff(Config{
			InitialInterval: 200 * time.Millisecond,
			MaxRetries:      10,
		})

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		err := policy.Execute(ctx, func(ctx context.Context) error {
			return errors.New("transient")
		})

		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestFixedDelay(t *testing.T) {
	t.Run("Retries the configured number of times", func(t *testing.T) {
		policy := NewFixedDelay(time.Millisecond, 4)

		calls := 0
		err := policy.Execute(context.Background(), func(ctx context.Context) error {
			calls++
			return errors.New("always")
		})

		assert.Error(t, err)
		assert.Equal(t, 4, calls)
	})

	t.Run("Classifier short-circuits", func(t *testing.T) {
		policy := NewFixedDelayWithClassifier(time.Millisecond, 4, func(err error) bool { return false })

		calls := 0
		err := policy.Execute(context.Background(), func(ctx context.Context) error {
			calls++
			return errors.New("fatal")
		})

		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
