package cache

// Lua sources for the cache mutations that must keep the entry and its tag
// index in step. Tag sets hold fully prefixed entry keys, so invalidation
// can delete entries directly; the sets themselves are tenant-scoped keys
// and arrive prefixed through the tenant proxy.

// setTaggedScript writes an entry and registers it under each of its tags.
//
// Keys:
//	KEYS[1]   - entry key
//	KEYS[2..] - tag index sets
// Args:
//	ARGV[1] - entry JSON
//	ARGV[2] - TTL (seconds)
// Returns:
//	1
const setTaggedScript = `
local ttl = tonumber(ARGV[2])
redis.call('SET', KEYS[1], ARGV[1], 'EX', ttl)
for i = 2, #KEYS do
  redis.call('SADD', KEYS[i], KEYS[1])
  if redis.call('TTL', KEYS[i]) < ttl then
    redis.call('EXPIRE', KEYS[i], ttl)
  end
end
return 1
`

// deleteTaggedScript removes an entry and deregisters it from its tags.
//
// Keys:
//	KEYS[1]   - entry key
//	KEYS[2..] - tag index sets
// Returns:
//	number of deleted entry keys (0 or 1)
const deleteTaggedScript = `
for i = 2, #KEYS do
  redis.call('SREM', KEYS[i], KEYS[1])
end
return redis.call('DEL', KEYS[1])
`

// invalidateTagScript deletes every entry registered under a tag, then the
// index itself. Entries already evicted by TTL are deleted as no-ops.
//
// Keys:
//	KEYS[1] - tag index set
// Returns:
//	number of entries removed
const invalidateTagScript = `
local members = redis.call('SMEMBERS', KEYS[1])
local removed = 0
for _, key in ipairs(members) do
  removed = removed + redis.call('DEL', key)
end
redis.call('DEL', KEYS[1])
return removed
`
