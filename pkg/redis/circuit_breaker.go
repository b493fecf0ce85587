package redis

import (
	"context"
	"sync"
	"time"

	"github.com/developer-mesh/coordination/pkg/observability"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows calls through and counts failures.
	CircuitClosed CircuitState = iota
	// CircuitOpen fails calls fast until the recovery timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets calls through while counting successes toward
	// closing.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the breaker guarding the Redis endpoint.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive-weighted failure count that opens
	// the circuit.
	FailureThreshold int
	// SuccessThreshold is the success count in half-open that closes it.
	SuccessThreshold int
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration
	// OperationTimeout bounds every call; a timeout counts as a failure.
	OperationTimeout time.Duration
	// Classifier decides which errors count against the breaker. Defaults to
	// connection and timeout failures; pool exhaustion and programmer errors
	// pass through without touching the counters.
	Classifier func(error) bool
	Logger     observability.Logger
	Metrics    observability.MetricsClient
}

// DefaultCircuitBreakerConfig returns the documented defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
		OperationTimeout: 10 * time.Second,
	}
}

// CircuitBreaker serializes state transitions under a mutex so concurrent
// callers observe a consistent view. One instance guards the whole factory.
type CircuitBreaker struct {
	config  CircuitBreakerConfig
	logger  observability.Logger
	metrics observability.MetricsClient

	mu              sync.RWMutex
	state           CircuitState
	failures        int
	successes       int
	lastFailureTime time.Time
	generation      uint64
}

// NewCircuitBreaker creates a circuit breaker with the given configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = 10 * time.Second
	}
	if config.Classifier == nil {
		config.Classifier = func(err error) bool {
			switch KindOf(err) {
			case KindConnection, KindTimeout:
				return true
			default:
				return false
			}
		}
	}
	logger := config.Logger
	if logger == nil {
		logger = observability.NewStandardLogger("circuit-breaker")
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &CircuitBreaker{
		config:  config,
		logger:  logger,
		metrics: metrics,
		state:   CircuitClosed,
	}
}

// Execute runs fn under breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	_, err := cb.ExecuteWithResult(ctx, func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// ExecuteWithResult runs fn under breaker protection and returns its value.
// The call is bounded by the operation timeout; when it fires the result is a
// timeout failure even if fn later completes. Caller cancellation returns
// ctx.Err() without counting against the breaker.
func (cb *CircuitBreaker) ExecuteWithResult(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	type callResult struct {
		value interface{}
		err   error
	}
	resultCh := make(chan callResult, 1)
	go func() {
		value, err := fn()
		resultCh <- callResult{value, err}
	}()

	timer := time.NewTimer(cb.config.OperationTimeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		cb.afterRequest(generation, res.err)
		return res.value, res.err
	case <-timer.C:
		timeoutErr := NewError(KindTimeout, "execute", context.DeadlineExceeded)
		cb.afterRequest(generation, timeoutErr)
		return nil, timeoutErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// beforeRequest admits or rejects the call and returns the generation the
// outcome must be accounted under.
func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.setState(CircuitHalfOpen)
		} else {
			cb.metrics.IncrementCounter("circuit_breaker.rejected", 1)
			return 0, ErrCircuitOpen
		}
	}
	return cb.generation, nil
}

// afterRequest records the outcome unless the breaker changed generation
// while the call was in flight.
func (cb *CircuitBreaker) afterRequest(generation uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if generation != cb.generation {
		return
	}
	if err == nil {
		cb.onSuccess()
		return
	}
	if !cb.config.Classifier(err) {
		return
	}
	cb.onFailure()
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case CircuitClosed:
		if cb.failures > 0 {
			cb.failures--
		}
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.failures = 0
			cb.successes = 0
			cb.setState(CircuitClosed)
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.lastFailureTime = time.Now()
	cb.metrics.IncrementCounter("circuit_breaker.failure", 1)

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.successes = 0
		cb.setState(CircuitOpen)
	}
}

// setState transitions state and bumps the generation. Callers hold the lock.
func (cb *CircuitBreaker) setState(state CircuitState) {
	if cb.state == state {
		return
	}
	from := cb.state
	cb.state = state
	cb.generation++

	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"from":     from.String(),
		"to":       state.String(),
		"failures": cb.failures,
	})
	cb.metrics.IncrementCounterWithLabels("circuit_breaker.state_change", 1, map[string]string{
		"from": from.String(),
		"to":   state.String(),
	})
	cb.metrics.RecordGauge("circuit_breaker.state", float64(state), nil)
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats returns a point-in-time view of the breaker counters.
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return map[string]interface{}{
		"state":             cb.state.String(),
		"failures":          cb.failures,
		"successes":         cb.successes,
		"last_failure_time": cb.lastFailureTime,
		"generation":        cb.generation,
	}
}

// Reset forces the breaker closed and clears the counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.successes = 0
	cb.lastFailureTime = time.Time{}
	if cb.state != CircuitClosed {
		cb.setState(CircuitClosed)
	}
}
