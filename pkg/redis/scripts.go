package redis

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/developer-mesh/coordination/pkg/observability"
)

// Scripter is the subset of the go-redis client the executor needs. Both the
// admin client and tenant pools satisfy it.
type Scripter interface {
	EvalSha(ctx context.Context, sha string, keys []string, args ...interface{}) *redis.Cmd
	ScriptLoad(ctx context.Context, script string) *redis.StringCmd
}

// ScriptExecutor holds the named server-side scripts used for atomic
// multi-step mutations. Scripts are registered at construction time by the
// rate limiter, queue, and cache packages; each is SHA-loaded on first use
// and transparently re-loaded once when the server reports it missing
// (after a restart or SCRIPT FLUSH).
type ScriptExecutor struct {
	logger observability.Logger

	mu      sync.RWMutex
	sources map[string]string
	shas    map[string]string
}

// NewScriptExecutor creates an executor with an empty registry.
func NewScriptExecutor(logger observability.Logger) *ScriptExecutor {
	if logger == nil {
		logger = observability.NewStandardLogger("script-executor")
	}
	return &ScriptExecutor{
		logger:  logger,
		sources: make(map[string]string),
		shas:    make(map[string]string),
	}
}

// Register adds a named script. Registering the same name twice replaces the
// source and invalidates the cached digest.
func (e *ScriptExecutor) Register(name, source string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[name] = source
	delete(e.shas, name)
}

// Names returns the registered script names.
func (e *ScriptExecutor) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.sources))
	for name := range e.sources {
		names = append(names, name)
	}
	return names
}

// Preload loads every registered script so first calls do not pay the load
// round trip. Called by the orchestrator at warm-up through the admin
// connection.
func (e *ScriptExecutor) Preload(ctx context.Context, client Scripter) error {
	e.mu.RLock()
	pending := make(map[string]string, len(e.sources))
	for name, src := range e.sources {
		pending[name] = src
	}
	e.mu.RUnlock()

	for name, src := range pending {
		sha, err := client.ScriptLoad(ctx, src).Result()
		if err != nil {
			return errors.Wrapf(err, "failed to load script %s", name)
		}
		e.mu.Lock()
		e.shas[name] = sha
		e.mu.Unlock()
	}
	e.logger.Debug("Scripts preloaded", map[string]interface{}{"count": len(pending)})
	return nil
}

// Run executes a named script by SHA. On a NOSCRIPT reply the source is
// loaded once and the call retried; any further failure surfaces to the
// caller.
func (e *ScriptExecutor) Run(ctx context.Context, client Scripter, name string, keys []string, args ...interface{}) (interface{}, error) {
	e.mu.RLock()
	source, ok := e.sources[name]
	sha := e.shas[name]
	e.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("script %q is not registered", name)
	}

	if sha == "" {
		var err error
		if sha, err = e.load(ctx, client, name, source); err != nil {
			return nil, err
		}
	}

	res, err := client.EvalSha(ctx, sha, keys, args...).Result()
	if err == nil || !isNoScript(err) {
		return res, err
	}

	// Server lost the script (restart, SCRIPT FLUSH). Reload once and retry.
	e.logger.Warn("Script missing on server, reloading", map[string]interface{}{"script": name})
	if sha, err = e.load(ctx, client, name, source); err != nil {
		return nil, err
	}
	return client.EvalSha(ctx, sha, keys, args...).Result()
}

func (e *ScriptExecutor) load(ctx context.Context, client Scripter, name, source string) (string, error) {
	sha, err := client.ScriptLoad(ctx, source).Result()
	if err != nil {
		return "", errors.Wrapf(err, "failed to load script %s", name)
	}
	e.mu.Lock()
	e.shas[name] = sha
	e.mu.Unlock()
	return sha, nil
}

// isNoScript recognizes the server's "script not found" reply.
func isNoScript(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOSCRIPT")
}
