// Package cache provides the tenant-scoped cache with tag invalidation, the
// agent type configuration store, and long-running operation progress
// trackers. All tenant data flows through the connection factory's isolating
// proxy; only the agent config store uses the admin path, since agent type
// defaults are shared infrastructure rather than tenant state.
package cache

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/developer-mesh/coordination/pkg/observability"
	"github.com/developer-mesh/coordination/pkg/redis"
)

// Script names registered with the executor.
const (
	scriptSetTagged     = "cache_set_tagged"
	scriptDeleteTagged  = "cache_delete_tagged"
	scriptInvalidateTag = "cache_invalidate_tag"
)

// RegisterScripts adds the cache scripts to the executor.
func RegisterScripts(exec *redis.ScriptExecutor) {
	exec.Register(scriptSetTagged, setTaggedScript)
	exec.Register(scriptDeleteTagged, deleteTaggedScript)
	exec.Register(scriptInvalidateTag, invalidateTagScript)
}

// Entry is the stored representation of one cache value. Access statistics
// are best effort: they are rewritten on reads without touching the entry's
// TTL, and a concurrent write simply resets them.
type Entry struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Version     int64           `json:"version"`
	Tags        []string        `json:"tags,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	SizeBytes   int             `json:"size_bytes"`
	AccessCount int64           `json:"access_count"`
	LastAccess  time.Time       `json:"last_access"`
}

// Decode unmarshals the entry value into out.
func (e *Entry) Decode(out interface{}) error {
	return json.Unmarshal(e.Value, out)
}

// Config configures the tenant cache.
type Config struct {
	// DefaultTTL applies when Set is called with a zero TTL.
	DefaultTTL time.Duration
	// LocalSize enables an in-process hot tier when positive.
	LocalSize int
	// LocalTTL bounds hot-tier staleness; entries older than this are
	// re-read from Redis.
	LocalTTL time.Duration

	Logger  observability.Logger
	Metrics observability.MetricsClient
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// TenantCache is the tag-indexed cache over tenant-isolated Redis keys.
// Every entry carries an implicit tenant:<project> tag, so a whole tenant's
// entries can be dropped in one invalidation.
type TenantCache struct {
	factory *redis.ConnectionFactory
	exec    *redis.ScriptExecutor
	config  Config
	local   *lru.LRU[string, *Entry]
	logger  observability.Logger
	metrics observability.MetricsClient
	now     func() time.Time
}

// New creates a tenant cache and registers its scripts.
func New(factory *redis.ConnectionFactory, exec *redis.ScriptExecutor, config Config) *TenantCache {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Hour
	}
	if config.LocalTTL <= 0 {
		config.LocalTTL = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = observability.NewStandardLogger("tenant-cache")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	RegisterScripts(exec)

	c := &TenantCache{
		factory: factory,
		exec:    exec,
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}
	if config.LocalSize > 0 {
		c.local = lru.NewLRU[string, *Entry](config.LocalSize, nil, config.LocalTTL)
	}
	return c
}

func entryKey(key string) string { return "cache:" + key }
func tagKey(tag string) string   { return "cache_tag:" + tag }

// tenantTag is the implicit tag every entry is registered under.
func tenantTag(projectID string) string { return "tenant:" + projectID }

func localKey(projectID, key string) string { return projectID + "\x00" + key }

// Set stores a value under the key with the given TTL and tags. A zero TTL
// uses the default; a negative TTL is rejected. The version is read-modify-
// write without a lock, so concurrent writers race and the last write wins.
func (c *TenantCache) Set(ctx context.Context, projectID, key string, value interface{}, ttl time.Duration, tags ...string) (*Entry, error) {
	if key == "" {
		return nil, errors.New("cache key must not be empty")
	}
	if ttl < 0 {
		return nil, errors.Errorf("cache TTL must not be negative, got %s", ttl)
	}
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}

	body, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal cache value")
	}

	now := c.now().UTC()
	entry := &Entry{
		Key:        key,
		Value:      body,
		Version:    1,
		Tags:       append(append(make([]string, 0, len(tags)+1), tags...), tenantTag(projectID)),
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		SizeBytes:  len(body),
		LastAccess: now,
	}

	err = c.factory.WithConnection(ctx, projectID, func(ctx context.Context, client *redis.TenantClient) error {
		if prev, err := c.read(ctx, client, key); err != nil {
			return err
		} else if prev != nil {
			entry.Version = prev.Version + 1
			entry.CreatedAt = prev.CreatedAt
		}

		encoded, err := json.Marshal(entry)
		if err != nil {
			return errors.Wrap(err, "failed to marshal cache entry")
		}

		keys := make([]string, 0, len(entry.Tags)+1)
		keys = append(keys, entryKey(key))
		for _, tag := range entry.Tags {
			keys = append(keys, tagKey(tag))
		}
		_, err = client.RunScript(ctx, c.exec, scriptSetTagged, keys, encoded, ttlSeconds(ttl))
		return err
	})
	if err != nil {
		return nil, err
	}

	if c.local != nil {
		c.local.Add(localKey(projectID, key), entry)
	}
	c.metrics.IncrementCounter("cache.set", 1)
	return entry, nil
}

// Get returns the entry for key, or (nil, nil) on a miss. Hits bump the
// access statistics without extending the entry's TTL.
func (c *TenantCache) Get(ctx context.Context, projectID, key string) (*Entry, error) {
	now := c.now().UTC()

	if c.local != nil {
		if entry, ok := c.local.Get(localKey(projectID, key)); ok && entry.ExpiresAt.After(now) {
			c.metrics.IncrementCounterWithLabels("cache.hit", 1, map[string]string{"tier": "local"})
			return entry, nil
		}
	}

	var entry *Entry
	err := c.factory.WithConnection(ctx, projectID, func(ctx context.Context, client *redis.TenantClient) error {
		found, err := c.read(ctx, client, key)
		if err != nil || found == nil {
			return err
		}
		// The injected clock can run ahead of the server's expiry; treat a
		// logically expired entry as a miss either way.
		if !found.ExpiresAt.After(now) {
			return nil
		}

		found.AccessCount++
		found.LastAccess = now
		encoded, err := json.Marshal(found)
		if err != nil {
			return errors.Wrap(err, "failed to marshal cache entry")
		}
		// XX so an entry that expired after the read is not resurrected as a
		// TTL-less key.
		if _, err := client.SetXX(ctx, entryKey(key), encoded, goredis.KeepTTL); err != nil {
			return err
		}
		entry = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		c.metrics.IncrementCounter("cache.miss", 1)
		return nil, nil
	}

	if c.local != nil {
		c.local.Add(localKey(projectID, key), entry)
	}
	c.metrics.IncrementCounterWithLabels("cache.hit", 1, map[string]string{"tier": "redis"})
	return entry, nil
}

// read fetches and decodes the raw entry, returning nil on a missing key.
func (c *TenantCache) read(ctx context.Context, client *redis.TenantClient, key string) (*Entry, error) {
	body, err := client.Get(ctx, entryKey(key))
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(body), &entry); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal cache entry")
	}
	return &entry, nil
}

// Delete removes an entry and deregisters it from its tag indexes. Deleting
// a missing key reports KindKeyNotFound.
func (c *TenantCache) Delete(ctx context.Context, projectID, key string) error {
	err := c.factory.WithConnection(ctx, projectID, func(ctx context.Context, client *redis.TenantClient) error {
		entry, err := c.read(ctx, client, key)
		if err != nil {
			return err
		}
		if entry == nil {
			return redis.NewProjectError(redis.KindKeyNotFound, "cache_delete", projectID,
				errors.Errorf("cache key %q not found", key))
		}

		keys := make([]string, 0, len(entry.Tags)+1)
		keys = append(keys, entryKey(key))
		for _, tag := range entry.Tags {
			keys = append(keys, tagKey(tag))
		}
		_, err = client.RunScript(ctx, c.exec, scriptDeleteTagged, keys)
		return err
	})
	if err != nil {
		return err
	}

	if c.local != nil {
		c.local.Remove(localKey(projectID, key))
	}
	c.metrics.IncrementCounter("cache.delete", 1)
	return nil
}

// InvalidateTag removes every entry registered under the tag and returns how
// many were dropped. The local tier does not track tag membership, so it is
// purged wholesale.
func (c *TenantCache) InvalidateTag(ctx context.Context, projectID, tag string) (int, error) {
	var removed int64
	err := c.factory.WithConnection(ctx, projectID, func(ctx context.Context, client *redis.TenantClient) error {
		res, err := client.RunScript(ctx, c.exec, scriptInvalidateTag, []string{tagKey(tag)})
		if err != nil {
			return err
		}
		removed, _ = res.(int64)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if c.local != nil {
		c.local.Purge()
	}
	c.metrics.IncrementCounterWithLabels("cache.invalidate", 1, map[string]string{"tag": tag})
	c.logger.Debug("Cache tag invalidated", map[string]interface{}{
		"project_id": projectID,
		"tag":        tag,
		"removed":    removed,
	})
	return int(removed), nil
}

// InvalidateProject drops every cached entry of the tenant via its implicit
// tag.
func (c *TenantCache) InvalidateProject(ctx context.Context, projectID string) (int, error) {
	return c.InvalidateTag(ctx, projectID, tenantTag(projectID))
}

// ttlSeconds converts a TTL to whole seconds, rounding sub-second values up
// so short TTLs never become zero.
func ttlSeconds(ttl time.Duration) int {
	secs := int((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
