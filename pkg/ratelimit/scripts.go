package ratelimit

// Lua sources for the atomic rate-limit decisions. Timestamps are passed in
// from Go in milliseconds so decisions are deterministic under test and safe
// under replication.

// slidingWindowScript implements the sliding-window check.
//
// Keys:
//	KEYS[1] - sorted set of request events, scored by millisecond timestamp
// Args:
//	ARGV[1] - now (ms)
//	ARGV[2] - window size (ms)
//	ARGV[3] - limit
//	ARGV[4] - cost
//	ARGV[5] - nonce distinguishing events at the same millisecond
//	ARGV[6] - key TTL (seconds)
// Returns:
//	{allowed (0/1), current usage after decision, remaining, reset (ms)}
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local nonce = ARGV[5]
local ttl = tonumber(ARGV[6])

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now - window))
local current = redis.call('ZCARD', key)

if current + cost > limit then
  local reset = 0
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if oldest[2] then
    reset = math.max(0, tonumber(oldest[2]) + window - now)
  end
  local remaining = limit - current
  if remaining < 0 then remaining = 0 end
  return {0, current, remaining, reset}
end

for i = 1, cost do
  redis.call('ZADD', key, now, now .. ':' .. nonce .. ':' .. i)
end
redis.call('EXPIRE', key, ttl)
return {1, current + cost, limit - current - cost, window}
`

// tokenBucketScript implements the token-bucket check.
//
// Keys:
//	KEYS[1] - hash holding {tokens, last_refill}
// Args:
//	ARGV[1] - now (ms)
//	ARGV[2] - capacity
//	ARGV[3] - refill rate (tokens/second)
//	ARGV[4] - cost
//	ARGV[5] - key TTL (seconds)
// Returns:
//	{allowed (0/1), tokens remaining (string, float), retry after (s)}
const tokenBucketScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local last = tonumber(redis.call('HGET', key, 'last_refill'))
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end

tokens = tokens + (now - last) / 1000 * rate
if tokens > capacity then tokens = capacity end

local allowed = 0
local retry = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  retry = math.ceil((cost - tokens) / rate)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', now)
redis.call('EXPIRE', key, ttl)
return {allowed, tostring(tokens), retry}
`
