// Package coordinator wires the coordination substrate together and owns the
// lifecycles of its background loops: health sampling, alert evaluation, the
// dead-letter auto-retry scan, and the worker pool.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/developer-mesh/coordination/pkg/cache"
	"github.com/developer-mesh/coordination/pkg/common/config"
	"github.com/developer-mesh/coordination/pkg/health"
	"github.com/developer-mesh/coordination/pkg/observability"
	"github.com/developer-mesh/coordination/pkg/queue"
	"github.com/developer-mesh/coordination/pkg/ratelimit"
	"github.com/developer-mesh/coordination/pkg/redis"
	"github.com/developer-mesh/coordination/pkg/session"
)

// Coordinator owns every component of the coordination substrate.
type Coordinator struct {
	config  *config.Config
	logger  observability.Logger
	metrics observability.MetricsClient
	mem     *observability.InMemoryMetricsClient

	factory      *redis.ConnectionFactory
	exec         *redis.ScriptExecutor
	limiter      *ratelimit.RateLimiter
	queue        *queue.TaskQueue
	cache        *cache.TenantCache
	agentConfigs *cache.AgentConfigStore
	progress     *cache.ProgressTracker
	sessions     *session.Service
	commandStats *health.CommandStats
	monitor      *health.Monitor
	alerts       *health.AlertManager
	checker      *health.HealthChecker

	handlers map[string]queue.Handler
	worker   *queue.Worker

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// Option adjusts construction, mainly for tests.
type Option func(*options)

type options struct {
	logger    observability.Logger
	rateLimit *ratelimit.Config
	now       func() time.Time
}

// WithLogger overrides the root logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRateLimits overrides the composite rate-limit configuration.
func WithRateLimits(cfg ratelimit.Config) Option {
	return func(o *options) { o.rateLimit = &cfg }
}

// WithClock overrides the clock used by every component, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds the full component graph from configuration. Nothing touches
// the network until Start.
func New(cfg *config.Config, opts ...Option) (*Coordinator, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = observability.NewStandardLogger("coordinator")
	}

	mem := observability.NewMetricsClient()
	var metrics observability.MetricsClient = mem
	if cfg.Metrics.PrometheusEnabled {
		prom := observability.NewPrometheusMetricsClient(cfg.Metrics.Namespace, "", nil)
		metrics = observability.NewFanoutMetricsClient(mem, prom)
	}

	commandStats := health.NewCommandStats(cfg.Health.CommandHistorySize)

	factory, err := redis.NewConnectionFactory(redis.FactoryConfig{
		URL:                 cfg.Redis.URL,
		MaxConnections:      cfg.Redis.MaxConnections,
		ConnectTimeout:      cfg.Redis.ConnectionTimeout(),
		OperationTimeout:    cfg.Redis.OperationTimeout(),
		HealthCheckInterval: cfg.Redis.HealthCheckInterval(),
		Breaker: redis.CircuitBreakerConfig{
			FailureThreshold: cfg.Redis.BreakerFailureThreshold,
			SuccessThreshold: cfg.Redis.BreakerSuccessThreshold,
			RecoveryTimeout:  cfg.Redis.BreakerRecoveryTimeout(),
		},
		Logger:  logger.WithPrefix("redis"),
		Metrics: metrics,
		Tracer:  commandStats,
	})
	if err != nil {
		return nil, err
	}

	exec := redis.NewScriptExecutor(logger.WithPrefix("scripts"))

	rlConfig := ratelimit.DefaultConfig()
	if o.rateLimit != nil {
		rlConfig = *o.rateLimit
	}
	rlConfig.Logger = logger.WithPrefix("ratelimit")
	rlConfig.Metrics = metrics
	if o.now != nil {
		rlConfig.Now = o.now
	}
	limiter := ratelimit.New(factory, exec, rlConfig)

	taskQueue := queue.New(factory, exec, queue.Config{
		MaxSize: cfg.Queue.MaxSize,
		Defaults: queue.Defaults{
			TimeoutSeconds: cfg.Queue.DefaultTimeoutSecs,
			MaxAttempts:    cfg.Queue.DefaultMaxAttempts,
		},
		DLQ: queue.DLQConfig{
			ScanRate: rateFromConfig(cfg.Queue.DLQRetryPerSecond),
		},
		Logger:  logger.WithPrefix("queue"),
		Metrics: metrics,
		Now:     o.now,
	})

	tenantCache := cache.New(factory, exec, cache.Config{
		DefaultTTL: cfg.Cache.DefaultTTL(),
		LocalSize:  cfg.Cache.LocalSize,
		LocalTTL:   cfg.Cache.LocalTTL(),
		Logger:     logger.WithPrefix("cache"),
		Metrics:    metrics,
		Now:        o.now,
	})
	agentConfigs := cache.NewAgentConfigStore(factory, cfg.Agent, logger.WithPrefix("agent-config"))
	progress := cache.NewProgressTracker(factory, cache.ProgressConfig{
		TTL:     cfg.Cache.ProgressTTL(),
		Logger:  logger.WithPrefix("progress"),
		Metrics: metrics,
		Now:     o.now,
	})

	sessions := session.New(factory, session.Config{
		DefaultTTL: cfg.Session.DefaultTTL(),
		Logger:     logger.WithPrefix("session"),
		Metrics:    metrics,
		Now:        o.now,
	})

	monitor := health.NewMonitor(factory, commandStats, health.MonitorConfig{
		SampleInterval: cfg.Health.SampleInterval(),
		Retention:      cfg.Health.SampleRetention(),
		Logger:         logger.WithPrefix("monitor"),
		Metrics:        metrics,
		Now:            o.now,
	}, mem)

	alerts := health.NewAlertManager(monitor.Snapshot, health.AlertManagerConfig{
		EvaluationInterval: cfg.Alerts.EvaluationInterval(),
		DefaultCooldown:    cfg.Alerts.DefaultCooldown(),
		SystemProjectID:    cfg.Alerts.SystemProjectID,
		Logger:             logger.WithPrefix("alerts"),
		Metrics:            metrics,
		Now:                o.now,
	})
	for _, rule := range health.DefaultRules() {
		alerts.AddRule(rule)
	}
	alerts.AddChannel(health.NewLogChannel(logger.WithPrefix("alerts"), health.SeverityInfo))
	if cfg.Alerts.WebhookURL != "" {
		alerts.AddChannel(health.NewWebhookChannel(cfg.Alerts.WebhookURL, health.SeverityWarning, logger.WithPrefix("alert-webhook")))
	}

	checker := health.NewHealthChecker(logger.WithPrefix("health"), metrics)
	checker.RegisterCheck(health.NewRedisHealthCheck(factory))
	checker.RegisterCheck(health.NewBreakerHealthCheck(factory))

	return &Coordinator{
		config:       cfg,
		logger:       logger,
		metrics:      metrics,
		mem:          mem,
		factory:      factory,
		exec:         exec,
		limiter:      limiter,
		queue:        taskQueue,
		cache:        tenantCache,
		agentConfigs: agentConfigs,
		progress:     progress,
		sessions:     sessions,
		commandStats: commandStats,
		monitor:      monitor,
		alerts:       alerts,
		checker:      checker,
		handlers:     make(map[string]queue.Handler),
	}, nil
}

func rateFromConfig(perSecond int) rate.Limit {
	if perSecond <= 0 {
		return 0
	}
	return rate.Limit(perSecond)
}

// RegisterHandler installs a task handler. Must be called before Start; the
// worker pool polls exactly the registered types.
func (c *Coordinator) RegisterHandler(taskType string, handler queue.Handler) {
	c.handlers[taskType] = handler
}

// Start connects, warms the script cache, and launches the background loops.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator already started")
	}

	if err := c.factory.Connect(ctx); err != nil {
		return errors.Wrap(err, "redis connection failed")
	}
	err := c.factory.WithAdminConnection(ctx, func(ctx context.Context, client *goredis.Client) error {
		return c.exec.Preload(ctx, client)
	})
	if err != nil {
		return errors.Wrap(err, "script preload failed")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.monitor.Run(loopCtx)
	}()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.alerts.Run(loopCtx)
	}()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dlqLoop(loopCtx)
	}()

	if len(c.handlers) > 0 {
		taskTypes := make([]string, 0, len(c.handlers))
		for taskType := range c.handlers {
			taskTypes = append(taskTypes, taskType)
			c.checker.RegisterCheck(health.NewQueueDepthCheck(c.queue, taskType, int64(c.config.Queue.MaxSize)))
		}
		c.worker = queue.NewWorker(c.queue, queue.WorkerConfig{
			ID:            "coordd-worker",
			TaskTypes:     taskTypes,
			MaxConcurrent: c.config.Queue.WorkerMaxConcurrent,
			PollInterval:  c.config.Queue.WorkerPollInterval(),
			DrainTimeout:  c.config.Queue.WorkerDrainTimeout(),
			Logger:        c.logger.WithPrefix("worker"),
			Metrics:       c.metrics,
		})
		for taskType, handler := range c.handlers {
			c.worker.Register(taskType, handler)
		}
		if err := c.worker.Start(loopCtx); err != nil {
			cancel()
			return err
		}
	}

	c.logger.Info("Coordinator started", map[string]interface{}{
		"task_types": len(c.handlers),
	})
	return nil
}

// dlqLoop periodically re-injects eligible dead-letter entries and publishes
// the DLQ size for the alert rules.
func (c *Coordinator) dlqLoop(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	interval := c.config.Queue.DLQScanInterval()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := c.queue.ScanDeadLetters(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := policy.NextBackOff()
			c.logger.Warn("Dead letter scan failed, backing off", map[string]interface{}{
				"error":   err.Error(),
				"backoff": delay.String(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		} else if n > 0 {
			c.logger.Info("Dead letter entries re-injected", map[string]interface{}{"count": n})
		}
		policy.Reset()

		if size, err := c.queue.DeadLetterCount(ctx); err == nil {
			c.metrics.RecordGauge("queue.dead_letter.size", float64(size), nil)
		}
	}
}

// Shutdown drains workers, stops the loops, and closes the pools, in that
// order: intake stops first so loops and pools see no new work.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.started.Load() {
		return nil
	}

	var drainErr error
	if c.worker != nil {
		drainErr = c.worker.Stop(ctx)
	}

	c.cancel()
	c.wg.Wait()

	if err := c.factory.Close(); err != nil && drainErr == nil {
		drainErr = err
	}
	_ = c.metrics.Close()

	c.logger.Info("Coordinator stopped", nil)
	return drainErr
}

// Factory exposes the connection factory.
func (c *Coordinator) Factory() *redis.ConnectionFactory { return c.factory }

// Queue exposes the task queue.
func (c *Coordinator) Queue() *queue.TaskQueue { return c.queue }

// RateLimiter exposes the composite rate limiter.
func (c *Coordinator) RateLimiter() *ratelimit.RateLimiter { return c.limiter }

// Cache exposes the tenant cache.
func (c *Coordinator) Cache() *cache.TenantCache { return c.cache }

// AgentConfigs exposes the agent type configuration store.
func (c *Coordinator) AgentConfigs() *cache.AgentConfigStore { return c.agentConfigs }

// Progress exposes the progress tracker.
func (c *Coordinator) Progress() *cache.ProgressTracker { return c.progress }

// Sessions exposes the session service.
func (c *Coordinator) Sessions() *session.Service { return c.sessions }

// Monitor exposes the health monitor.
func (c *Coordinator) Monitor() *health.Monitor { return c.monitor }

// Alerts exposes the alert manager.
func (c *Coordinator) Alerts() *health.AlertManager { return c.alerts }

// Checker exposes the health check registry.
func (c *Coordinator) Checker() *health.HealthChecker { return c.checker }

// CommandStats exposes the per-command latency statistics.
func (c *Coordinator) CommandStats() *health.CommandStats { return c.commandStats }
