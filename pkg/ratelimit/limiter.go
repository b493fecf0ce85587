// Package ratelimit provides the distributed rate limiter: sliding-window
// and token-bucket decisions evaluated atomically on the server, plus the
// composite user/project/ip/endpoint check used at request admission. When
// Redis is unreachable or the circuit breaker is open the limiter fails
// open: the request is admitted and a counter records the event so the
// health component can alert on it.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/developer-mesh/coordination/pkg/observability"
	"github.com/developer-mesh/coordination/pkg/redis"
)

// Kind identifies what a rate limit applies to.
type Kind string

// Recognized limit kinds.
const (
	KindUser     Kind = "user"
	KindProject  Kind = "project"
	KindIP       Kind = "ip"
	KindEndpoint Kind = "endpoint"
)

// Limit is a sliding-window limit: at most Requests within Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// BucketLimit is a token-bucket limit: Capacity tokens refilled at
// RefillRate tokens per second.
type BucketLimit struct {
	Capacity   float64
	RefillRate float64
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed      bool
	Limit        int
	Remaining    int
	CurrentUsage int
	// Reset is how long until the window frees up (denials only).
	Reset time.Duration
	// RetryAfter is the token-bucket wait hint (denials only).
	RetryAfter time.Duration
	// FailedOpen marks a decision admitted because the backend was
	// unreachable; counters were not updated.
	FailedOpen bool
	Kind       Kind
	Identifier string
}

// Script names registered with the executor.
const (
	scriptSlidingWindow = "rate_limit_sliding_window"
	scriptTokenBucket   = "rate_limit_token_bucket"
)

// RegisterScripts adds the rate-limit scripts to the executor.
func RegisterScripts(exec *redis.ScriptExecutor) {
	exec.Register(scriptSlidingWindow, slidingWindowScript)
	exec.Register(scriptTokenBucket, tokenBucketScript)
}

// RateLimiter evaluates rate-limit decisions for one Redis endpoint.
type RateLimiter struct {
	factory *redis.ConnectionFactory
	exec    *redis.ScriptExecutor
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient
	now     func() time.Time
}

// New creates a rate limiter and registers its scripts.
func New(factory *redis.ConnectionFactory, exec *redis.ScriptExecutor, config Config) *RateLimiter {
	config.applyDefaults()
	RegisterScripts(exec)
	return &RateLimiter{
		factory: factory,
		exec:    exec,
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.nowFunc(),
	}
}

// slidingWindowKey is the logical key for one window set:
// rate_limit:<kind>:<identifier>:<window-seconds>.
func slidingWindowKey(kind Kind, identifier string, window time.Duration) string {
	return fmt.Sprintf("rate_limit:%s:%s:%d", kind, identifier, int(window.Seconds()))
}

// tokenBucketKey is the logical key for one bucket hash.
func tokenBucketKey(identifier string) string {
	return "rate_limit:token_bucket:" + identifier
}

// CheckSlidingWindow performs one sliding-window decision of the given cost.
// A cost below one is a programmer error and is rejected before any I/O.
func (r *RateLimiter) CheckSlidingWindow(ctx context.Context, projectID, identifier string, kind Kind, cost int, limit Limit) (*Decision, error) {
	if cost < 1 {
		return nil, errors.Errorf("rate limit cost must be at least 1, got %d", cost)
	}
	if limit.Requests < 1 || limit.Window <= 0 {
		return nil, errors.Errorf("invalid rate limit %d/%s", limit.Requests, limit.Window)
	}

	key := slidingWindowKey(kind, identifier, limit.Window)
	windowMs := limit.Window.Milliseconds()
	ttl := int64(math.Ceil(limit.Window.Seconds()))
	nonce := uuid.NewString()[:8]

	var decision *Decision
	err := r.factory.WithConnection(ctx, projectID, func(ctx context.Context, c *redis.TenantClient) error {
		res, err := c.RunScript(ctx, r.exec, scriptSlidingWindow, []string{key},
			r.now().UnixMilli(), windowMs, limit.Requests, cost, nonce, ttl)
		if err != nil {
			return err
		}
		vals, err := intResults(res, 4)
		if err != nil {
			return err
		}
		decision = &Decision{
			Allowed:      vals[0] == 1,
			Limit:        limit.Requests,
			CurrentUsage: int(vals[1]),
			Remaining:    int(vals[2]),
			Kind:         kind,
			Identifier:   identifier,
		}
		if decision.Allowed {
			decision.Reset = limit.Window
		} else {
			decision.Reset = time.Duration(vals[3]) * time.Millisecond
			decision.RetryAfter = decision.Reset
		}
		return nil
	})
	if err != nil {
		return r.failOpen(kind, identifier, limit.Requests, err)
	}

	r.recordDecision(string(kind), decision)
	return decision, nil
}

// CheckTokenBucket performs one token-bucket decision of the given cost.
func (r *RateLimiter) CheckTokenBucket(ctx context.Context, projectID, identifier string, cost float64, bucket BucketLimit) (*Decision, error) {
	if cost < 1 {
		return nil, errors.Errorf("rate limit cost must be at least 1, got %v", cost)
	}
	if bucket.Capacity <= 0 || bucket.RefillRate <= 0 {
		return nil, errors.Errorf("invalid token bucket %v/%v", bucket.Capacity, bucket.RefillRate)
	}

	key := tokenBucketKey(identifier)
	// Idle buckets evict once fully refilled.
	ttl := int64(math.Ceil(bucket.Capacity/bucket.RefillRate)) + 1

	var decision *Decision
	err := r.factory.WithConnection(ctx, projectID, func(ctx context.Context, c *redis.TenantClient) error {
		res, err := c.RunScript(ctx, r.exec, scriptTokenBucket, []string{key},
			r.now().UnixMilli(), bucket.Capacity, bucket.RefillRate, cost, ttl)
		if err != nil {
			return err
		}
		vals, ok := res.([]interface{})
		if !ok || len(vals) != 3 {
			return errors.Errorf("unexpected token bucket reply %v", res)
		}
		allowed, err := toInt64(vals[0])
		if err != nil {
			return err
		}
		tokens, err := toFloat64(vals[1])
		if err != nil {
			return err
		}
		retry, err := toInt64(vals[2])
		if err != nil {
			return err
		}
		decision = &Decision{
			Allowed:    allowed == 1,
			Limit:      int(bucket.Capacity),
			Remaining:  int(tokens),
			RetryAfter: time.Duration(retry) * time.Second,
			Kind:       KindUser,
			Identifier: identifier,
		}
		return nil
	})
	if err != nil {
		return r.failOpen(KindUser, identifier, int(bucket.Capacity), err)
	}

	r.recordDecision("token_bucket", decision)
	return decision, nil
}

// failOpen converts infrastructure failures into an admit decision. Errors
// that are the caller's fault (isolation violations, bad arguments) still
// surface.
func (r *RateLimiter) failOpen(kind Kind, identifier string, limit int, err error) (*Decision, error) {
	switch redis.KindOf(err) {
	case redis.KindCircuitOpen, redis.KindConnection, redis.KindTimeout, redis.KindPoolExhausted:
		r.logger.Warn("Rate limiter failing open", map[string]interface{}{
			"kind":       string(kind),
			"identifier": identifier,
			"error":      err.Error(),
		})
		r.metrics.IncrementCounterWithLabels("rate_limit.fail_open", 1, map[string]string{"kind": string(kind)})
		return &Decision{
			Allowed:    true,
			Limit:      limit,
			Remaining:  limit,
			FailedOpen: true,
			Kind:       kind,
			Identifier: identifier,
		}, nil
	default:
		return nil, err
	}
}

func (r *RateLimiter) recordDecision(kind string, decision *Decision) {
	outcome := "allowed"
	if !decision.Allowed {
		outcome = "denied"
	}
	r.metrics.IncrementCounterWithLabels("rate_limit.decision", 1, map[string]string{
		"kind":    kind,
		"outcome": outcome,
	})
}

// intResults coerces a script reply into n integers.
func intResults(res interface{}, n int) ([]int64, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != n {
		return nil, errors.Errorf("unexpected script reply %v", res)
	}
	out := make([]int64, n)
	for i, v := range vals {
		iv, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		out[i] = iv
	}
	return out, nil
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, errors.Errorf("unexpected reply element %T", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch t := v.(type) {
	case int64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, errors.Errorf("unexpected reply element %T", v)
	}
}
