package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/developer-mesh/coordination/pkg/observability"
	"github.com/developer-mesh/coordination/pkg/queue"
	"github.com/developer-mesh/coordination/pkg/redis"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check represents a single health check result
type Check struct {
	Name        string                 `json:"name"`
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration_ms"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheck interface for individual health checks
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthChecker manages and executes health checks
type HealthChecker struct {
	checks  map[string]HealthCheck
	results map[string]*Check
	mu      sync.RWMutex

	metrics observability.MetricsClient
	logger  observability.Logger

	timeout time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(logger observability.Logger, metrics observability.MetricsClient) *HealthChecker {
	if logger == nil {
		logger = observability.NewStandardLogger("health-checker")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &HealthChecker{
		checks:  make(map[string]HealthCheck),
		results: make(map[string]*Check),
		metrics: metrics,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// RegisterCheck registers a new health check
func (h *HealthChecker) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks[check.Name()] = check
	h.logger.Info("Registered health check", map[string]interface{}{
		"check": check.Name(),
	})
}

// RunChecks executes all registered health checks concurrently
func (h *HealthChecker) RunChecks(ctx context.Context) map[string]*Check {
	h.mu.RLock()
	checks := make(map[string]HealthCheck, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	results := make(map[string]*Check, len(checks))
	var wg sync.WaitGroup
	var resultsMu sync.Mutex

	for name, check := range checks {
		wg.Add(1)
		go func(n string, c HealthCheck) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := c.Check(checkCtx)
			duration := time.Since(start)

			result := &Check{
				Name:        n,
				Status:      StatusHealthy,
				LastChecked: time.Now(),
				Duration:    duration,
			}
			if err != nil {
				result.Status = StatusUnhealthy
				result.Message = err.Error()
			}
			h.recordMetrics(n, result)

			resultsMu.Lock()
			results[n] = result
			resultsMu.Unlock()
		}(name, check)
	}
	wg.Wait()

	h.mu.Lock()
	h.results = results
	h.mu.Unlock()
	return results
}

// GetResults returns the latest health check results
func (h *HealthChecker) GetResults() map[string]*Check {
	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make(map[string]*Check, len(h.results))
	for k, v := range h.results {
		results[k] = v
	}
	return results
}

// IsHealthy returns true if all checks are healthy
func (h *HealthChecker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, check := range h.results {
		if check.Status != StatusHealthy {
			return false
		}
	}
	return true
}

func (h *HealthChecker) recordMetrics(name string, check *Check) {
	statusValue := 0.0
	if check.Status == StatusHealthy {
		statusValue = 1.0
	}
	h.metrics.RecordGauge("health_check_status", statusValue, map[string]string{
		"component": name,
	})
	h.metrics.RecordHistogram("health_check_duration_seconds", check.Duration.Seconds(), map[string]string{
		"component": name,
	})
}

// AggregatedHealth represents the overall health status
type AggregatedHealth struct {
	Status      Status            `json:"status"`
	Message     string            `json:"message,omitempty"`
	Checks      map[string]*Check `json:"checks"`
	LastChecked time.Time         `json:"last_checked"`
}

// GetAggregatedHealth returns the aggregated health status
func (h *HealthChecker) GetAggregatedHealth() *AggregatedHealth {
	checks := h.GetResults()

	status := StatusHealthy
	var unhealthy, degraded int
	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			unhealthy++
		case StatusDegraded:
			degraded++
		}
	}

	message := ""
	if unhealthy > 0 {
		status = StatusUnhealthy
		message = fmt.Sprintf("%d components unhealthy", unhealthy)
	} else if degraded > 0 {
		status = StatusDegraded
		message = fmt.Sprintf("%d components degraded", degraded)
	}

	return &AggregatedHealth{
		Status:      status,
		Message:     message,
		Checks:      checks,
		LastChecked: time.Now(),
	}
}

// RedisHealthCheck pings the server over the admin connection.
type RedisHealthCheck struct {
	factory *redis.ConnectionFactory
}

// NewRedisHealthCheck creates a Redis connectivity check.
func NewRedisHealthCheck(factory *redis.ConnectionFactory) *RedisHealthCheck {
	return &RedisHealthCheck{factory: factory}
}

func (r *RedisHealthCheck) Name() string { return "redis" }

func (r *RedisHealthCheck) Check(ctx context.Context) error {
	return r.factory.WithAdminConnection(ctx, func(ctx context.Context, client *goredis.Client) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "redis ping failed")
		}
		return nil
	})
}

// BreakerHealthCheck reports unhealthy while the circuit breaker is open.
type BreakerHealthCheck struct {
	factory *redis.ConnectionFactory
}

// NewBreakerHealthCheck creates a circuit breaker state check.
func NewBreakerHealthCheck(factory *redis.ConnectionFactory) *BreakerHealthCheck {
	return &BreakerHealthCheck{factory: factory}
}

func (b *BreakerHealthCheck) Name() string { return "circuit-breaker" }

func (b *BreakerHealthCheck) Check(ctx context.Context) error {
	if state := b.factory.Breaker().State(); state == redis.CircuitOpen {
		return errors.New("circuit breaker is open")
	}
	return nil
}

// QueueDepthCheck reports unhealthy when a task type's backlog exceeds the
// limit.
type QueueDepthCheck struct {
	queue    *queue.TaskQueue
	taskType string
	limit    int64
}

// NewQueueDepthCheck creates a queue depth check for one task type.
func NewQueueDepthCheck(q *queue.TaskQueue, taskType string, limit int64) *QueueDepthCheck {
	return &QueueDepthCheck{queue: q, taskType: taskType, limit: limit}
}

func (c *QueueDepthCheck) Name() string { return "queue-" + c.taskType }

func (c *QueueDepthCheck) Check(ctx context.Context) error {
	stats, err := c.queue.QueueStats(ctx, c.taskType)
	if err != nil {
		return errors.Wrap(err, "failed to read queue stats")
	}
	depth := stats.Ready + stats.Scheduled
	if depth > c.limit {
		return errors.Errorf("queue depth %d exceeds limit %d", depth, c.limit)
	}
	return nil
}

// ServiceHealthCheck wraps an arbitrary check function.
type ServiceHealthCheck struct {
	name      string
	checkFunc func(ctx context.Context) error
}

// NewServiceHealthCheck creates a health check from a function.
func NewServiceHealthCheck(name string, checkFunc func(ctx context.Context) error) *ServiceHealthCheck {
	return &ServiceHealthCheck{name: name, checkFunc: checkFunc}
}

func (s *ServiceHealthCheck) Name() string { return s.name }

func (s *ServiceHealthCheck) Check(ctx context.Context) error {
	return s.checkFunc(ctx)
}
