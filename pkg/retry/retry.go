// Package retry provides the retry policies used around agent operations and
// connection warm-up. Policies never retry errors their classifier rejects,
// so non-retryable failures (auth, isolation) surface immediately.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy executes a function with retries.
type Policy interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	NextDelay(attempt int) time.Duration
}

// Config contains retry configuration.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
	MaxRetries      int

	// ShouldRetry filters errors; nil retries everything.
	ShouldRetry func(error) bool
}

// ExponentialBackoff retries with exponentially growing delays and ±20%
// jitter.
type ExponentialBackoff struct {
	config Config
}

// NewExponentialBackoff creates an exponential backoff policy with sane
// defaults for any zero config values.
func NewExponentialBackoff(config Config) Policy {
	if config.InitialInterval <= 0 {
		config.InitialInterval = 100 * time.Millisecond
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = 30 * time.Second
	}
	if config.MaxElapsedTime <= 0 {
		config.MaxElapsedTime = 5 * time.Minute
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = 2.0
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 10
	}
	return &ExponentialBackoff{config: config}
}

// Execute runs fn until it succeeds, the retry budget is exhausted, the
// elapsed bound is hit, or the error is classified non-retryable.
func (e *ExponentialBackoff) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	attempt := 0

	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if e.config.ShouldRetry != nil && !e.config.ShouldRetry(err) {
			return err
		}

		attempt++
		if attempt >= e.config.MaxRetries {
			return err
		}
		if time.Since(start) >= e.config.MaxElapsedTime {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-time.After(e.NextDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// NextDelay returns the delay before the given attempt, with jitter.
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.config.InitialInterval) * math.Pow(e.config.Multiplier, float64(attempt-1))
	if delay > float64(e.config.MaxInterval) {
		delay = float64(e.config.MaxInterval)
	}
	jitter := delay * 0.2 * (rand.Float64()*2 - 1)
	return time.Duration(delay + jitter)
}

// FixedDelay retries with a constant delay.
type FixedDelay struct {
	delay       time.Duration
	maxRetries  int
	shouldRetry func(error) bool
}

// NewFixedDelay creates a fixed delay policy.
func NewFixedDelay(delay time.Duration, maxRetries int) Policy {
	return &FixedDelay{delay: delay, maxRetries: maxRetries}
}

// NewFixedDelayWithClassifier creates a fixed delay policy that only retries
// errors accepted by shouldRetry.
func NewFixedDelayWithClassifier(delay time.Duration, maxRetries int, shouldRetry func(error) bool) Policy {
	return &FixedDelay{delay: delay, maxRetries: maxRetries, shouldRetry: shouldRetry}
}

// Execute runs fn with a constant delay between attempts.
func (f *FixedDelay) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if f.shouldRetry != nil && !f.shouldRetry(err) {
			return err
		}
		if attempt == f.maxRetries-1 {
			break
		}
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// NextDelay returns the constant delay.
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.delay
}
