package cache

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/developer-mesh/coordination/pkg/common/config"
	"github.com/developer-mesh/coordination/pkg/observability"
	"github.com/developer-mesh/coordination/pkg/redis"
	"github.com/developer-mesh/coordination/pkg/retry"
)

// AgentTypeConfig is the operational profile for one agent type: how often
// its operations are retried and how its per-agent breaker is tuned.
type AgentTypeConfig struct {
	AgentType                    string    `json:"agent_type"`
	MaxRetries                   int       `json:"max_retries"`
	RetryDelaySeconds            int       `json:"retry_delay_seconds"`
	CircuitBreakerThreshold      int       `json:"circuit_breaker_threshold"`
	CircuitBreakerTimeoutSeconds int       `json:"circuit_breaker_timeout_seconds"`
	UpdatedAt                    time.Time `json:"updated_at"`
}

// RetryDelay returns the delay between retry attempts.
func (c *AgentTypeConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// CircuitBreakerTimeout returns the breaker recovery timeout.
func (c *AgentTypeConfig) CircuitBreakerTimeout() time.Duration {
	return time.Duration(c.CircuitBreakerTimeoutSeconds) * time.Second
}

// RetryPolicy builds the retry policy this profile prescribes. Only
// transient failures are retried.
func (c *AgentTypeConfig) RetryPolicy() retry.Policy {
	return retry.NewFixedDelayWithClassifier(c.RetryDelay(), c.MaxRetries, redis.IsRetryable)
}

// BreakerConfig builds the circuit breaker configuration this profile
// prescribes for the agent's own downstream calls.
func (c *AgentTypeConfig) BreakerConfig() redis.CircuitBreakerConfig {
	return redis.CircuitBreakerConfig{
		FailureThreshold: c.CircuitBreakerThreshold,
		RecoveryTimeout:  c.CircuitBreakerTimeout(),
	}
}

var agentTypePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// AgentConfigStore persists agent type profiles at agent:<type>:config.
// Profiles describe shared worker infrastructure, not tenant state, so they
// live on the admin path without a tenant prefix and without a TTL.
type AgentConfigStore struct {
	factory  *redis.ConnectionFactory
	defaults config.AgentConfig
	logger   observability.Logger
	now      func() time.Time
}

// NewAgentConfigStore creates a store whose Get falls back to the
// environment-seeded defaults for unknown types.
func NewAgentConfigStore(factory *redis.ConnectionFactory, defaults config.AgentConfig, logger observability.Logger) *AgentConfigStore {
	if logger == nil {
		logger = observability.NewStandardLogger("agent-config")
	}
	return &AgentConfigStore{
		factory:  factory,
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
	}
}

func agentConfigKey(agentType string) string { return "agent:" + agentType + ":config" }

// Get returns the stored profile for the agent type, or one synthesized from
// the defaults when none is stored.
func (s *AgentConfigStore) Get(ctx context.Context, agentType string) (*AgentTypeConfig, error) {
	if !agentTypePattern.MatchString(agentType) {
		return nil, errors.Errorf("invalid agent type %q", agentType)
	}

	var cfg *AgentTypeConfig
	err := s.factory.WithAdminConnection(ctx, func(ctx context.Context, client *goredis.Client) error {
		body, err := client.Get(ctx, agentConfigKey(agentType)).Result()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var decoded AgentTypeConfig
		if err := json.Unmarshal([]byte(body), &decoded); err != nil {
			return errors.Wrapf(err, "failed to unmarshal config for agent type %s", agentType)
		}
		cfg = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return &AgentTypeConfig{
			AgentType:                    agentType,
			MaxRetries:                   s.defaults.MaxRetries,
			RetryDelaySeconds:            s.defaults.RetryDelaySeconds,
			CircuitBreakerThreshold:      s.defaults.CircuitBreakerThreshold,
			CircuitBreakerTimeoutSeconds: s.defaults.CircuitBreakerTimeoutSeconds,
		}, nil
	}
	return cfg, nil
}

// Set stores the profile for its agent type, stamping UpdatedAt.
func (s *AgentConfigStore) Set(ctx context.Context, cfg *AgentTypeConfig) error {
	if !agentTypePattern.MatchString(cfg.AgentType) {
		return errors.Errorf("invalid agent type %q", cfg.AgentType)
	}
	if cfg.MaxRetries < 0 || cfg.RetryDelaySeconds < 0 {
		return errors.New("retry settings must not be negative")
	}
	if cfg.CircuitBreakerThreshold < 1 || cfg.CircuitBreakerTimeoutSeconds < 1 {
		return errors.New("circuit breaker settings must be positive")
	}
	cfg.UpdatedAt = s.now().UTC()

	body, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal agent config")
	}
	err = s.factory.WithAdminConnection(ctx, func(ctx context.Context, client *goredis.Client) error {
		return client.Set(ctx, agentConfigKey(cfg.AgentType), body, 0).Err()
	})
	if err != nil {
		return err
	}
	s.logger.Info("Agent config updated", map[string]interface{}{
		"agent_type":  cfg.AgentType,
		"max_retries": cfg.MaxRetries,
	})
	return nil
}

// Delete removes a stored profile so the type reverts to the defaults.
func (s *AgentConfigStore) Delete(ctx context.Context, agentType string) error {
	if !agentTypePattern.MatchString(agentType) {
		return errors.Errorf("invalid agent type %q", agentType)
	}
	return s.factory.WithAdminConnection(ctx, func(ctx context.Context, client *goredis.Client) error {
		return client.Del(ctx, agentConfigKey(agentType)).Err()
	})
}
