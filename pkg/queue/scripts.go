package queue

// Lua sources for the atomic queue mutations. The priority index scores
// tasks by -(priority * 1e13) + seq so the most urgent sort first and ties
// break by insertion order; the seq counter stays well inside float64
// integer precision. Timestamps come from Go in milliseconds.

// enqueueScript admits a task, enforcing the global and per-tenant bounds.
//
// Keys:
//	KEYS[1] - priority index (zset)
//	KEYS[2] - scheduled zset
//	KEYS[3] - tenant sub-queue (list)
//	KEYS[4] - sequence counter
//	KEYS[5] - task record
//	KEYS[6] - status hash
// Args:
//	ARGV[1] - task JSON
//	ARGV[2] - priority
//	ARGV[3] - queue max size
//	ARGV[4] - scheduled_at (ms, 0 when immediate)
//	ARGV[5] - now (ms)
//	ARGV[6] - record TTL (seconds)
//	ARGV[7] - queued_at (RFC 3339)
// Returns:
//	{code, depth} where code is OK, SCHEDULED, QUEUE_FULL or PROJECT_QUEUE_FULL
const enqueueScript = `
local max = tonumber(ARGV[3])
local depth = redis.call('ZCARD', KEYS[1]) + redis.call('ZCARD', KEYS[2])
if depth >= max then
  return {'QUEUE_FULL', depth}
end
local projectCap = math.floor(max / 4)
if projectCap < 1 then projectCap = 1 end
if redis.call('LLEN', KEYS[3]) >= projectCap then
  return {'PROJECT_QUEUE_FULL', depth}
end

local ttl = tonumber(ARGV[6])
redis.call('SET', KEYS[5], ARGV[1], 'EX', ttl)
redis.call('HSET', KEYS[6], 'status', 'queued', 'queued_at', ARGV[7], 'attempts', 0)
redis.call('EXPIRE', KEYS[6], ttl)

local sched = tonumber(ARGV[4])
if sched > tonumber(ARGV[5]) then
  redis.call('ZADD', KEYS[2], sched, ARGV[1])
  return {'SCHEDULED', depth + 1}
end

local seq = redis.call('INCR', KEYS[4])
redis.call('ZADD', KEYS[1], -(tonumber(ARGV[2]) * 1e13) + seq, ARGV[1])
redis.call('RPUSH', KEYS[3], ARGV[1])
return {'OK', depth + 1}
`

// promoteScript moves due scheduled tasks into the priority index and their
// tenant sub-queues. Sub-queue keys are rebuilt from the decoded task, which
// is safe on a single endpoint. The per-tenant cap is re-checked here: due
// tasks of a tenant whose sub-queue is full stay scheduled and are retried
// on the next pass, once the sub-queue drains.
//
// Keys:
//	KEYS[1] - scheduled zset
//	KEYS[2] - priority index
//	KEYS[3] - sequence counter
// Args:
//	ARGV[1] - now (ms)
//	ARGV[2] - batch limit
//	ARGV[3] - tenant sub-queue key prefix
//	ARGV[4] - queue max size
// Returns:
//	number of promoted tasks
const promoteScript = `
local cap = math.floor(tonumber(ARGV[4]) / 4)
if cap < 1 then cap = 1 end
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local promoted = 0
for _, body in ipairs(due) do
  local task = cjson.decode(body)
  local sub = ARGV[3] .. task.project_id
  if redis.call('LLEN', sub) < cap then
    redis.call('ZREM', KEYS[1], body)
    local seq = redis.call('INCR', KEYS[3])
    redis.call('ZADD', KEYS[2], -(task.priority * 1e13) + seq, body)
    redis.call('RPUSH', sub, body)
    promoted = promoted + 1
  end
end
return promoted
`

// dequeueScript pops the most urgent task and marks it running.
//
// Keys:
//	KEYS[1] - priority index
// Args:
//	ARGV[1] - worker id
//	ARGV[2] - tenant sub-queue key prefix
//	ARGV[3] - started_at (RFC 3339)
//	ARGV[4] - status TTL (seconds)
// Returns:
//	false when empty, else {task JSON, attempts}
const dequeueScript = `
local top = redis.call('ZRANGE', KEYS[1], 0, 0)
if #top == 0 then
  return false
end
local body = top[1]
local task = cjson.decode(body)
redis.call('ZREM', KEYS[1], body)
redis.call('LREM', ARGV[2] .. task.project_id, 1, body)

local statusKey = 'task:' .. task.task_id .. ':status'
local attempts = redis.call('HINCRBY', statusKey, 'attempts', 1)
redis.call('HSET', statusKey, 'status', 'running', 'worker_id', ARGV[1], 'started_at', ARGV[3])
redis.call('EXPIRE', statusKey, tonumber(ARGV[4]))
return {body, attempts}
`

// dequeueProjectScript is the project-preferred variant: it pops the tenant
// sub-queue head and removes it from the priority index.
//
// Keys:
//	KEYS[1] - tenant sub-queue (list)
//	KEYS[2] - priority index
// Args:
//	ARGV[1] - worker id
//	ARGV[2] - started_at (RFC 3339)
//	ARGV[3] - status TTL (seconds)
// Returns:
//	false when empty, else {task JSON, attempts}
const dequeueProjectScript = `
local body = redis.call('LPOP', KEYS[1])
if not body then
  return false
end
local task = cjson.decode(body)
redis.call('ZREM', KEYS[2], body)

local statusKey = 'task:' .. task.task_id .. ':status'
local attempts = redis.call('HINCRBY', statusKey, 'attempts', 1)
redis.call('HSET', statusKey, 'status', 'running', 'worker_id', ARGV[1], 'started_at', ARGV[2])
redis.call('EXPIRE', statusKey, tonumber(ARGV[3]))
return {body, attempts}
`

// retryScript re-schedules a failed task for a later attempt.
//
// Keys:
//	KEYS[1] - scheduled zset
//	KEYS[2] - task record
//	KEYS[3] - status hash
// Args:
//	ARGV[1] - updated task JSON (bumped priority, retry metadata)
//	ARGV[2] - retry-at (ms)
//	ARGV[3] - error message
//	ARGV[4] - record TTL (seconds)
// Returns:
//	1
const retryScript = `
local ttl = tonumber(ARGV[4])
redis.call('SET', KEYS[2], ARGV[1], 'EX', ttl)
redis.call('ZADD', KEYS[1], tonumber(ARGV[2]), ARGV[1])
redis.call('HSET', KEYS[3], 'status', 'retrying', 'error', ARGV[3])
redis.call('EXPIRE', KEYS[3], ttl)
return 1
`
