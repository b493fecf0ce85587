// Package config loads the coordination service configuration from an
// optional YAML file plus environment variables. Environment variables use
// the documented names (REDIS_URL, CIRCUIT_BREAKER_FAILURE_THRESHOLD, ...)
// and always win over file values. Durations are expressed in seconds.
package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the root configuration for the coordination service.
type Config struct {
	Redis   RedisConfig   `mapstructure:"redis"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Session SessionConfig `mapstructure:"session"`
	Health  HealthConfig  `mapstructure:"health"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	API     APIConfig     `mapstructure:"api"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// RedisConfig covers the connection factory and circuit breaker.
type RedisConfig struct {
	URL                       string `mapstructure:"url"`
	MaxConnections            int    `mapstructure:"max_connections"`
	ConnectionTimeoutSeconds  int    `mapstructure:"connection_timeout_seconds"`
	OperationTimeoutSeconds   int    `mapstructure:"operation_timeout_seconds"`
	HealthCheckIntervalSecs   int    `mapstructure:"health_check_interval_seconds"`
	BreakerFailureThreshold   int    `mapstructure:"circuit_breaker_failure_threshold"`
	BreakerSuccessThreshold   int    `mapstructure:"circuit_breaker_success_threshold"`
	BreakerRecoveryTimeoutSec int    `mapstructure:"circuit_breaker_recovery_timeout_seconds"`
}

// ConnectionTimeout returns the dial timeout.
func (c RedisConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSeconds) * time.Second
}

// OperationTimeout returns the per-operation timeout.
func (c RedisConfig) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutSeconds) * time.Second
}

// HealthCheckInterval returns the pool health check interval.
func (c RedisConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSecs) * time.Second
}

// BreakerRecoveryTimeout returns the breaker open-state recovery timeout.
func (c RedisConfig) BreakerRecoveryTimeout() time.Duration {
	return time.Duration(c.BreakerRecoveryTimeoutSec) * time.Second
}

// AgentConfig holds the per-agent-type operation defaults. Values seed the
// agent config cache when a type has no stored record.
type AgentConfig struct {
	MaxRetries                   int `mapstructure:"max_retries"`
	RetryDelaySeconds            int `mapstructure:"retry_delay_seconds"`
	CircuitBreakerThreshold      int `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeoutSeconds int `mapstructure:"circuit_breaker_timeout_seconds"`
}

// RetryDelay returns the delay between agent operation retries.
func (c AgentConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// CircuitBreakerTimeout returns the agent breaker recovery timeout.
func (c AgentConfig) CircuitBreakerTimeout() time.Duration {
	return time.Duration(c.CircuitBreakerTimeoutSeconds) * time.Second
}

// QueueConfig bounds the task queue and worker pool.
type QueueConfig struct {
	MaxSize              int `mapstructure:"max_size"`
	DefaultMaxAttempts   int `mapstructure:"default_max_attempts"`
	DefaultTimeoutSecs   int `mapstructure:"default_timeout_seconds"`
	WorkerPollIntervalMs int `mapstructure:"worker_poll_interval_ms"`
	WorkerMaxConcurrent  int `mapstructure:"worker_max_concurrent"`
	WorkerDrainTimeoutS  int `mapstructure:"worker_drain_timeout_seconds"`
	DLQScanIntervalSecs  int `mapstructure:"dlq_scan_interval_seconds"`
	DLQRetryPerSecond    int `mapstructure:"dlq_retry_per_second"`
}

// WorkerPollInterval returns the worker idle poll interval.
func (c QueueConfig) WorkerPollInterval() time.Duration {
	return time.Duration(c.WorkerPollIntervalMs) * time.Millisecond
}

// WorkerDrainTimeout returns the graceful drain bound.
func (c QueueConfig) WorkerDrainTimeout() time.Duration {
	return time.Duration(c.WorkerDrainTimeoutS) * time.Second
}

// DLQScanInterval returns the period of the DLQ auto-retry scan.
func (c QueueConfig) DLQScanInterval() time.Duration {
	return time.Duration(c.DLQScanIntervalSecs) * time.Second
}

// CacheConfig covers the tenant cache and its optional local tier.
type CacheConfig struct {
	DefaultTTLSeconds  int `mapstructure:"default_ttl_seconds"`
	LocalSize          int `mapstructure:"local_size"`
	LocalTTLSeconds    int `mapstructure:"local_ttl_seconds"`
	ProgressTTLMinutes int `mapstructure:"progress_ttl_minutes"`
}

// DefaultTTL returns the default cache entry TTL.
func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// LocalTTL returns the local hot-tier TTL.
func (c CacheConfig) LocalTTL() time.Duration {
	return time.Duration(c.LocalTTLSeconds) * time.Second
}

// ProgressTTL returns the progress tracker TTL.
func (c CacheConfig) ProgressTTL() time.Duration {
	return time.Duration(c.ProgressTTLMinutes) * time.Minute
}

// SessionConfig covers the session store.
type SessionConfig struct {
	DefaultTTLSeconds int `mapstructure:"default_ttl_seconds"`
}

// DefaultTTL returns the session TTL used at creation and on each sliding
// extension.
func (c SessionConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// HealthConfig drives the sampling monitor.
type HealthConfig struct {
	SampleIntervalSeconds int `mapstructure:"sample_interval_seconds"`
	SampleRetentionMins   int `mapstructure:"sample_retention_minutes"`
	CommandHistorySize    int `mapstructure:"command_history_size"`
}

// SampleInterval returns the sampling loop period.
func (c HealthConfig) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalSeconds) * time.Second
}

// SampleRetention returns how long samples are kept for percentiles.
func (c HealthConfig) SampleRetention() time.Duration {
	return time.Duration(c.SampleRetentionMins) * time.Minute
}

// AlertsConfig drives alert evaluation and fan-out.
type AlertsConfig struct {
	EvaluationIntervalSecs int    `mapstructure:"evaluation_interval_seconds"`
	DefaultCooldownSeconds int    `mapstructure:"default_cooldown_seconds"`
	SystemProjectID        string `mapstructure:"system_project_id"`
	WebhookURL             string `mapstructure:"webhook_url"`
}

// EvaluationInterval returns the alert evaluation loop period.
func (c AlertsConfig) EvaluationInterval() time.Duration {
	return time.Duration(c.EvaluationIntervalSecs) * time.Second
}

// DefaultCooldown returns the default rule cooldown.
func (c AlertsConfig) DefaultCooldown() time.Duration {
	return time.Duration(c.DefaultCooldownSeconds) * time.Second
}

// APIConfig covers the ops HTTP surface.
type APIConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
}

// TracingConfig mirrors observability.TracingConfig at the file level.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// MetricsConfig selects the metrics export surface.
type MetricsConfig struct {
	PrometheusEnabled bool   `mapstructure:"prometheus_enabled"`
	Namespace         string `mapstructure:"namespace"`
}

// envBindings maps config keys to their documented environment variables.
var envBindings = map[string]string{
	"redis.url":                                      "REDIS_URL",
	"redis.max_connections":                          "REDIS_MAX_CONNECTIONS",
	"redis.connection_timeout_seconds":               "REDIS_CONNECTION_TIMEOUT",
	"redis.operation_timeout_seconds":                "REDIS_OPERATION_TIMEOUT",
	"redis.health_check_interval_seconds":            "REDIS_HEALTH_CHECK_INTERVAL",
	"redis.circuit_breaker_failure_threshold":        "CIRCUIT_BREAKER_FAILURE_THRESHOLD",
	"redis.circuit_breaker_recovery_timeout_seconds": "CIRCUIT_BREAKER_RECOVERY_TIMEOUT",
	"agent.max_retries":                              "AGENT_MAX_RETRIES",
	"agent.retry_delay_seconds":                      "AGENT_RETRY_DELAY_SECONDS",
	"agent.circuit_breaker_threshold":                "AGENT_CIRCUIT_BREAKER_THRESHOLD",
	"agent.circuit_breaker_timeout_seconds":          "AGENT_CIRCUIT_BREAKER_TIMEOUT_SECONDS",
	"api.listen_address":                             "API_LISTEN_ADDRESS",
	"alerts.system_project_id":                       "SYSTEM_PROJECT_ID",
	"alerts.webhook_url":                             "ALERT_WEBHOOK_URL",
}

// Load reads configuration from the given file (optional; pass "" to skip)
// and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrap(err, "failed to bind environment variable")
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
		expandEnvVars(v)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_connections", 50)
	v.SetDefault("redis.connection_timeout_seconds", 5)
	v.SetDefault("redis.operation_timeout_seconds", 10)
	v.SetDefault("redis.health_check_interval_seconds", 30)
	v.SetDefault("redis.circuit_breaker_failure_threshold", 5)
	v.SetDefault("redis.circuit_breaker_success_threshold", 3)
	v.SetDefault("redis.circuit_breaker_recovery_timeout_seconds", 60)

	v.SetDefault("agent.max_retries", 3)
	v.SetDefault("agent.retry_delay_seconds", 2)
	v.SetDefault("agent.circuit_breaker_threshold", 5)
	v.SetDefault("agent.circuit_breaker_timeout_seconds", 60)

	v.SetDefault("queue.max_size", 1000)
	v.SetDefault("queue.default_max_attempts", 3)
	v.SetDefault("queue.default_timeout_seconds", 300)
	v.SetDefault("queue.worker_poll_interval_ms", 500)
	v.SetDefault("queue.worker_max_concurrent", 8)
	v.SetDefault("queue.worker_drain_timeout_seconds", 30)
	v.SetDefault("queue.dlq_scan_interval_seconds", 300)
	v.SetDefault("queue.dlq_retry_per_second", 5)

	v.SetDefault("cache.default_ttl_seconds", 3600)
	v.SetDefault("cache.local_size", 0)
	v.SetDefault("cache.local_ttl_seconds", 5)
	v.SetDefault("cache.progress_ttl_minutes", 30)

	v.SetDefault("session.default_ttl_seconds", 3600)

	v.SetDefault("health.sample_interval_seconds", 30)
	v.SetDefault("health.sample_retention_minutes", 60)
	v.SetDefault("health.command_history_size", 10000)

	v.SetDefault("alerts.evaluation_interval_seconds", 60)
	v.SetDefault("alerts.default_cooldown_seconds", 300)
	v.SetDefault("alerts.system_project_id", "00000000-0000-0000-0000-000000000000")
	v.SetDefault("alerts.webhook_url", "")

	v.SetDefault("api.listen_address", ":8085")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "coordd")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("metrics.prometheus_enabled", true)
	v.SetDefault("metrics.namespace", "coordination")
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnvVars rewrites ${VAR} and ${VAR:-default} references inside string
// values loaded from the config file.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.Get(key)
		s, ok := val.(string)
		if !ok {
			continue
		}
		expanded := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
			groups := envVarPattern.FindStringSubmatch(match)
			name, def := groups[1], groups[3]
			if value, found := os.LookupEnv(name); found {
				return value
			}
			return def
		})
		if expanded != s {
			v.Set(key, expanded)
		}
	}
}
