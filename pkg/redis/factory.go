package redis

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/developer-mesh/coordination/pkg/observability"
)

// CommandTracer receives an enter/exit scope for every proxied command. The
// health monitor implements it to feed per-command percentiles.
type CommandTracer interface {
	// TraceCommand is called when a command starts; the returned function is
	// called with the command error (nil on success) when it finishes.
	TraceCommand(projectID, command, category string) func(err error)
}

// FactoryConfig configures the connection factory.
type FactoryConfig struct {
	// URL is the Redis endpoint in redis://[:password@]host:port/db form.
	URL string
	// MaxConnections sizes the admin pool; tenant pools get max(2, M/4).
	MaxConnections int
	// ConnectTimeout bounds dialing.
	ConnectTimeout time.Duration
	// OperationTimeout bounds reads and writes.
	OperationTimeout time.Duration
	// HealthCheckInterval is how often the monitor probes this factory.
	HealthCheckInterval time.Duration

	Breaker CircuitBreakerConfig
	Logger  observability.Logger
	Metrics observability.MetricsClient
	Tracer  CommandTracer
}

// ConnectionFactory multiplexes one logical Redis endpoint into tenant-scoped
// pools plus a single admin pool. Tenant access always goes through the
// isolating TenantClient; the admin pool carries no key rewriting and is
// reserved for the queue core, script loading, agent config, and health
// sampling.
type ConnectionFactory struct {
	config  FactoryConfig
	opt     *redis.Options
	breaker *CircuitBreaker
	logger  observability.Logger
	metrics observability.MetricsClient
	tracer  CommandTracer

	mu     sync.RWMutex
	pools  map[string]*redis.Client
	admin  *redis.Client
	closed bool
}

// TenantPrefix returns the key prefix assigned to a project.
func TenantPrefix(projectID string) string {
	return "proj:" + projectID + ":"
}

// NewConnectionFactory parses the endpoint URL and creates the admin pool.
// Tenant pools are created lazily on first use.
func NewConnectionFactory(config FactoryConfig) (*ConnectionFactory, error) {
	if config.MaxConnections <= 0 {
		config.MaxConnections = 50
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = observability.NewStandardLogger("connection-factory")
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis url")
	}
	opt.DialTimeout = config.ConnectTimeout
	opt.ReadTimeout = config.OperationTimeout
	opt.WriteTimeout = config.OperationTimeout
	opt.PoolTimeout = config.OperationTimeout

	breakerCfg := config.Breaker
	if breakerCfg.OperationTimeout <= 0 {
		breakerCfg.OperationTimeout = config.OperationTimeout
	}
	if breakerCfg.Logger == nil {
		breakerCfg.Logger = logger.WithPrefix("breaker")
	}
	if breakerCfg.Metrics == nil {
		breakerCfg.Metrics = metrics
	}

	adminOpt := *opt
	adminOpt.PoolSize = config.MaxConnections

	f := &ConnectionFactory{
		config:  config,
		opt:     opt,
		breaker: NewCircuitBreaker(breakerCfg),
		logger:  logger,
		metrics: metrics,
		tracer:  config.Tracer,
		pools:   make(map[string]*redis.Client),
		admin:   redis.NewClient(&adminOpt),
	}
	return f, nil
}

// Connect performs the initial connection test: a PING through the breaker.
// Authentication failures are distinguished from transient connection
// failures so startup can abort on bad credentials.
func (f *ConnectionFactory) Connect(ctx context.Context) error {
	err := f.breaker.Execute(ctx, func() error {
		return f.admin.Ping(ctx).Err()
	})
	if err == nil {
		f.logger.Info("Connected to redis", map[string]interface{}{
			"max_connections":  f.config.MaxConnections,
			"tenant_pool_size": f.tenantPoolSize(),
		})
		return nil
	}
	switch KindOf(err) {
	case KindAuth:
		return NewError(KindAuth, "connect", err)
	case KindCircuitOpen:
		return err
	default:
		return NewError(KindConnection, "connect", err)
	}
}

// tenantPoolSize is a quarter of the global maximum with a floor of two.
func (f *ConnectionFactory) tenantPoolSize() int {
	size := f.config.MaxConnections / 4
	if size < 2 {
		size = 2
	}
	return size
}

// getPool returns the pool for a project, creating it on first use. Pools
// never shrink until the factory closes.
func (f *ConnectionFactory) getPool(projectID string) (*redis.Client, error) {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return nil, NewError(KindConnection, "get_pool", errors.New("connection factory is closed"))
	}
	pool, ok := f.pools[projectID]
	f.mu.RUnlock()
	if ok {
		return pool, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, NewError(KindConnection, "get_pool", errors.New("connection factory is closed"))
	}
	if pool, ok = f.pools[projectID]; ok {
		return pool, nil
	}

	opt := *f.opt
	opt.PoolSize = f.tenantPoolSize()
	pool = redis.NewClient(&opt)
	f.pools[projectID] = pool

	f.logger.Debug("Created tenant pool", map[string]interface{}{
		"project_id": projectID,
		"pool_size":  opt.PoolSize,
	})
	f.metrics.RecordGauge("factory.tenant_pools", float64(len(f.pools)), nil)
	return pool, nil
}

// ValidateProjectID parses and normalizes a tenant identifier. Anything that
// is not a UUID is rejected before any I/O.
func ValidateProjectID(op, projectID string) (string, error) {
	parsed, err := uuid.Parse(projectID)
	if err != nil {
		return "", NewIsolationError(op, projectID, "project id must be a valid UUID")
	}
	return parsed.String(), nil
}

// WithConnection runs fn against the project's pool through the isolating
// proxy. The whole scope executes under the circuit breaker and counts as
// one call against it.
func (f *ConnectionFactory) WithConnection(ctx context.Context, projectID string, fn func(ctx context.Context, client *TenantClient) error) error {
	normalized, err := ValidateProjectID("with_connection", projectID)
	if err != nil {
		return err
	}
	pool, err := f.getPool(normalized)
	if err != nil {
		return err
	}
	client := &TenantClient{
		projectID: normalized,
		prefix:    TenantPrefix(normalized),
		client:    pool,
		tracer:    f.tracer,
	}
	return f.breaker.Execute(ctx, func() error {
		return fn(ctx, client)
	})
}

// WithAdminConnection runs fn against the admin pool with no key rewriting,
// still under breaker protection.
func (f *ConnectionFactory) WithAdminConnection(ctx context.Context, fn func(ctx context.Context, client *redis.Client) error) error {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return NewError(KindConnection, "with_admin_connection", errors.New("connection factory is closed"))
	}
	f.mu.RUnlock()

	return f.breaker.Execute(ctx, func() error {
		return fn(ctx, f.admin)
	})
}

// Breaker exposes the shared circuit breaker for health reporting.
func (f *ConnectionFactory) Breaker() *CircuitBreaker {
	return f.breaker
}

// PoolStats returns connection statistics per pool, keyed "admin" and
// "project:<id>".
func (f *ConnectionFactory) PoolStats() map[string]*redis.PoolStats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make(map[string]*redis.PoolStats, len(f.pools)+1)
	stats["admin"] = f.admin.PoolStats()
	for projectID, pool := range f.pools {
		stats["project:"+projectID] = pool.PoolStats()
	}
	return stats
}

// Close closes every pool. The factory cannot be reused afterwards.
func (f *ConnectionFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	var firstErr error
	if err := f.admin.Close(); err != nil {
		firstErr = err
	}
	for projectID, pool := range f.pools {
		if err := pool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(f.pools, projectID)
	}
	f.logger.Info("Connection factory closed", nil)
	return firstErr
}
