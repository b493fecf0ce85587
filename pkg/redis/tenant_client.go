package redis

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// TenantClient is the tenant-isolating proxy handed to WithConnection
// callbacks. Every key-accepting operation is a named method that prefixes
// its keys with proj:<project>: before touching Redis; results that contain
// keys (Scan) are stripped on the way out. The allowlist below is the
// isolation boundary: there is no escape hatch to the raw client, and any
// operation not listed here simply does not exist at compile time.
type TenantClient struct {
	projectID string
	prefix    string
	client    *redis.Client
	tracer    CommandTracer
}

// ProjectID returns the tenant this client is scoped to.
func (c *TenantClient) ProjectID() string {
	return c.projectID
}

func (c *TenantClient) key(k string) string {
	return c.prefix + k
}

func (c *TenantClient) keys(ks []string) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = c.prefix + k
	}
	return out
}

// trace emits the enter/exit scope for one proxied command.
func (c *TenantClient) trace(command, category string) func(err error) {
	if c.tracer == nil {
		return func(error) {}
	}
	return c.tracer.TraceCommand(c.projectID, command, category)
}

func (c *TenantClient) Get(ctx context.Context, key string) (string, error) {
	done := c.trace("get", "read")
	val, err := c.client.Get(ctx, c.key(key)).Result()
	done(err)
	return val, err
}

func (c *TenantClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	done := c.trace("set", "write")
	err := c.client.Set(ctx, c.key(key), value, ttl).Err()
	done(err)
	return err
}

// SetXX writes only when the key already exists, reporting whether it did.
func (c *TenantClient) SetXX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	done := c.trace("setxx", "write")
	ok, err := c.client.SetXX(ctx, c.key(key), value, ttl).Result()
	done(err)
	return ok, err
}

func (c *TenantClient) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	done := c.trace("setnx", "write")
	ok, err := c.client.SetNX(ctx, c.key(key), value, ttl).Result()
	done(err)
	return ok, err
}

func (c *TenantClient) Del(ctx context.Context, keys ...string) (int64, error) {
	done := c.trace("del", "write")
	n, err := c.client.Del(ctx, c.keys(keys)...).Result()
	done(err)
	return n, err
}

func (c *TenantClient) Exists(ctx context.Context, keys ...string) (int64, error) {
	done := c.trace("exists", "read")
	n, err := c.client.Exists(ctx, c.keys(keys)...).Result()
	done(err)
	return n, err
}

func (c *TenantClient) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	done := c.trace("expire", "write")
	ok, err := c.client.Expire(ctx, c.key(key), ttl).Result()
	done(err)
	return ok, err
}

func (c *TenantClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	done := c.trace("ttl", "read")
	d, err := c.client.TTL(ctx, c.key(key)).Result()
	done(err)
	return d, err
}

func (c *TenantClient) Incr(ctx context.Context, key string) (int64, error) {
	done := c.trace("incr", "write")
	n, err := c.client.Incr(ctx, c.key(key)).Result()
	done(err)
	return n, err
}

func (c *TenantClient) IncrBy(ctx context.Context, key string, value int64) (int64, error) {
	done := c.trace("incrby", "write")
	n, err := c.client.IncrBy(ctx, c.key(key), value).Result()
	done(err)
	return n, err
}

func (c *TenantClient) HGet(ctx context.Context, key, field string) (string, error) {
	done := c.trace("hget", "read")
	val, err := c.client.HGet(ctx, c.key(key), field).Result()
	done(err)
	return val, err
}

func (c *TenantClient) HSet(ctx context.Context, key string, values ...interface{}) (int64, error) {
	done := c.trace("hset", "write")
	n, err := c.client.HSet(ctx, c.key(key), values...).Result()
	done(err)
	return n, err
}

func (c *TenantClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	done := c.trace("hgetall", "read")
	m, err := c.client.HGetAll(ctx, c.key(key)).Result()
	done(err)
	return m, err
}

func (c *TenantClient) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	done := c.trace("hdel", "write")
	n, err := c.client.HDel(ctx, c.key(key), fields...).Result()
	done(err)
	return n, err
}

func (c *TenantClient) SAdd(ctx context.Context, key string, members ...interface{}) (int64, error) {
	done := c.trace("sadd", "write")
	n, err := c.client.SAdd(ctx, c.key(key), members...).Result()
	done(err)
	return n, err
}

func (c *TenantClient) SRem(ctx context.Context, key string, members ...interface{}) (int64, error) {
	done := c.trace("srem", "write")
	n, err := c.client.SRem(ctx, c.key(key), members...).Result()
	done(err)
	return n, err
}

func (c *TenantClient) SMembers(ctx context.Context, key string) ([]string, error) {
	done := c.trace("smembers", "read")
	members, err := c.client.SMembers(ctx, c.key(key)).Result()
	done(err)
	return members, err
}

func (c *TenantClient) SCard(ctx context.Context, key string) (int64, error) {
	done := c.trace("scard", "read")
	n, err := c.client.SCard(ctx, c.key(key)).Result()
	done(err)
	return n, err
}

func (c *TenantClient) ZAdd(ctx context.Context, key string, members ...redis.Z) (int64, error) {
	done := c.trace("zadd", "write")
	n, err := c.client.ZAdd(ctx, c.key(key), members...).Result()
	done(err)
	return n, err
}

func (c *TenantClient) ZRem(ctx context.Context, key string, members ...interface{}) (int64, error) {
	done := c.trace("zrem", "write")
	n, err := c.client.ZRem(ctx, c.key(key), members...).Result()
	done(err)
	return n, err
}

func (c *TenantClient) ZCard(ctx context.Context, key string) (int64, error) {
	done := c.trace("zcard", "read")
	n, err := c.client.ZCard(ctx, c.key(key)).Result()
	done(err)
	return n, err
}

func (c *TenantClient) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) ([]string, error) {
	done := c.trace("zrangebyscore", "read")
	members, err := c.client.ZRangeByScore(ctx, c.key(key), opt).Result()
	done(err)
	return members, err
}

func (c *TenantClient) LPush(ctx context.Context, key string, values ...interface{}) (int64, error) {
	done := c.trace("lpush", "write")
	n, err := c.client.LPush(ctx, c.key(key), values...).Result()
	done(err)
	return n, err
}

func (c *TenantClient) RPush(ctx context.Context, key string, values ...interface{}) (int64, error) {
	done := c.trace("rpush", "write")
	n, err := c.client.RPush(ctx, c.key(key), values...).Result()
	done(err)
	return n, err
}

func (c *TenantClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	done := c.trace("lrange", "read")
	vals, err := c.client.LRange(ctx, c.key(key), start, stop).Result()
	done(err)
	return vals, err
}

func (c *TenantClient) LLen(ctx context.Context, key string) (int64, error) {
	done := c.trace("llen", "read")
	n, err := c.client.LLen(ctx, c.key(key)).Result()
	done(err)
	return n, err
}

func (c *TenantClient) LRem(ctx context.Context, key string, count int64, value interface{}) (int64, error) {
	done := c.trace("lrem", "write")
	n, err := c.client.LRem(ctx, c.key(key), count, value).Result()
	done(err)
	return n, err
}

// Scan iterates keys matching the logical pattern within the tenant
// namespace. The prefix is stripped from every returned key, so callers only
// ever see logical keys.
func (c *TenantClient) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	done := c.trace("scan", "read")
	keys, next, err := c.client.Scan(ctx, cursor, c.prefix+match, count).Result()
	done(err)
	if err != nil {
		return nil, 0, err
	}
	logical := make([]string, 0, len(keys))
	for _, k := range keys {
		logical = append(logical, strings.TrimPrefix(k, c.prefix))
	}
	return logical, next, nil
}

// RunScript executes a registered script with every key tenant-prefixed.
// Script bodies are server-global and never rewritten; only KEYS are.
func (c *TenantClient) RunScript(ctx context.Context, exec *ScriptExecutor, name string, keys []string, args ...interface{}) (interface{}, error) {
	done := c.trace(name, "script")
	res, err := exec.Run(ctx, c.client, name, c.keys(keys), args...)
	done(err)
	return res, err
}
