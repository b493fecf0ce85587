package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/coordination/pkg/common/config"
	"github.com/developer-mesh/coordination/pkg/observability"
)

func TestAgentConfigStore(t *testing.T) {
	ctx := context.Background()
	defaults := config.AgentConfig{
		MaxRetries:                   3,
		RetryDelaySeconds:            2,
		CircuitBreakerThreshold:      5,
		CircuitBreakerTimeoutSeconds: 60,
	}

	newStore := func(t *testing.T) *AgentConfigStore {
		factory, _ := newTestFactory(t)
		return NewAgentConfigStore(factory, defaults, observability.NewNoopLogger())
	}

	t.Run("Unknown types fall back to the defaults", func(t *testing.T) {
		s := newStore(t)

		cfg, err := s.Get(ctx, "embedding")
		require.NoError(t, err)
		assert.Equal(t, "embedding", cfg.AgentType)
		assert.Equal(t, 3, cfg.MaxRetries)
		assert.Equal(t, 2*time.Second, cfg.RetryDelay())
		assert.Equal(t, time.Minute, cfg.CircuitBreakerTimeout())
	})

	t.Run("Stored profiles round-trip and win over defaults", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Set(ctx, &AgentTypeConfig{
			AgentType:                    "embedding",
			MaxRetries:                   7,
			RetryDelaySeconds:            1,
			CircuitBreakerThreshold:      2,
			CircuitBreakerTimeoutSeconds: 30,
		}))

		cfg, err := s.Get(ctx, "embedding")
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.MaxRetries)
		assert.Equal(t, 2, cfg.CircuitBreakerThreshold)
		assert.False(t, cfg.UpdatedAt.IsZero())
	})

	t.Run("Delete reverts a type to the defaults", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Set(ctx, &AgentTypeConfig{
			AgentType:                    "embedding",
			MaxRetries:                   7,
			RetryDelaySeconds:            1,
			CircuitBreakerThreshold:      2,
			CircuitBreakerTimeoutSeconds: 30,
		}))
		require.NoError(t, s.Delete(ctx, "embedding"))

		cfg, err := s.Get(ctx, "embedding")
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.MaxRetries)
	})

	t.Run("Invalid shapes are rejected", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Get(ctx, "Not A Type")
		assert.Error(t, err)

		assert.Error(t, s.Set(ctx, &AgentTypeConfig{AgentType: "embedding", MaxRetries: -1,
			CircuitBreakerThreshold: 1, CircuitBreakerTimeoutSeconds: 1}))
		assert.Error(t, s.Set(ctx, &AgentTypeConfig{AgentType: "embedding",
			CircuitBreakerThreshold: 0, CircuitBreakerTimeoutSeconds: 1}))
	})

	t.Run("Profiles build working retry policies", func(t *testing.T) {
		cfg := &AgentTypeConfig{
			AgentType:         "embedding",
			MaxRetries:        3,
			RetryDelaySeconds: 1,
		}
		policy := cfg.RetryPolicy()
		assert.Equal(t, time.Second, policy.NextDelay(1))
	})
}
