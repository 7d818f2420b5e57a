package redisqueue

import "github.com/redis/go-redis/v9"

// Every script takes the key prefix as ARGV[1] and builds task keys from
// it, so all queue keys must live on one Redis node.

// promoteScript moves due delayed tasks onto their ready lists.
// ARGV: prefix, now (unix ms), batch size.
var promoteScript = redis.NewScript(`
local prefix = ARGV[1]
local delayed = prefix .. ':delayed'
local ids = redis.call('ZRANGEBYSCORE', delayed, '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call('ZREM', delayed, id)
  local taskKey = prefix .. ':task:' .. id
  local kind = redis.call('HGET', taskKey, 'kind')
  if kind then
    redis.call('HSET', taskKey, 'state', 'ready')
    redis.call('LPUSH', prefix .. ':ready:' .. kind, id)
  end
end
return #ids
`)

// settleScript finishes a task and wakes its parent when it was the last
// pending child. ARGV: prefix, id, state, error text, retention seconds.
var settleScript = redis.NewScript(`
local prefix = ARGV[1]
local id = ARGV[2]
local state = ARGV[3]
local taskKey = prefix .. ':task:' .. id
local kind = redis.call('HGET', taskKey, 'kind')
if not kind then
  return 0
end
redis.call('LREM', prefix .. ':active:' .. kind, 0, id)
redis.call('HSET', taskKey, 'state', state, 'error', ARGV[4])
if state == 'failed' then
  redis.call('SADD', prefix .. ':failed', id)
end
local parent = redis.call('HGET', taskKey, 'parent')
if parent and parent ~= '' then
  local children = prefix .. ':children:' .. parent
  redis.call('SREM', children, id)
  if redis.call('SCARD', children) == 0 then
    local parentKey = prefix .. ':task:' .. parent
    if redis.call('HGET', parentKey, 'state') == 'waiting' then
      redis.call('HSET', parentKey, 'state', 'ready')
      redis.call('LPUSH', prefix .. ':ready:' .. redis.call('HGET', parentKey, 'kind'), parent)
    end
  end
end
local ttl = tonumber(ARGV[5])
if state == 'completed' and ttl > 0 then
  redis.call('EXPIRE', taskKey, ttl)
end
return 1
`)

// rescheduleScript parks an active task in the delayed set.
// ARGV: prefix, id, due (unix ms), payload or empty to keep, attempt, error text.
var rescheduleScript = redis.NewScript(`
local prefix = ARGV[1]
local id = ARGV[2]
local taskKey = prefix .. ':task:' .. id
local kind = redis.call('HGET', taskKey, 'kind')
if not kind then
  return 0
end
redis.call('LREM', prefix .. ':active:' .. kind, 0, id)
if ARGV[4] ~= '' then
  redis.call('HSET', taskKey, 'payload', ARGV[4])
end
redis.call('HSET', taskKey, 'state', 'delayed', 'attempt', ARGV[5], 'error', ARGV[6])
redis.call('ZADD', prefix .. ':delayed', ARGV[3], id)
return 1
`)

// waitScript suspends a task until its children settle. When none are
// pending it goes straight back to the ready list and 0 is returned.
// ARGV: prefix, id, payload.
var waitScript = redis.NewScript(`
local prefix = ARGV[1]
local id = ARGV[2]
local taskKey = prefix .. ':task:' .. id
local kind = redis.call('HGET', taskKey, 'kind')
if not kind then
  return -1
end
redis.call('LREM', prefix .. ':active:' .. kind, 0, id)
redis.call('HSET', taskKey, 'payload', ARGV[3], 'attempt', 0, 'error', '')
if redis.call('SCARD', prefix .. ':children:' .. id) > 0 then
  redis.call('HSET', taskKey, 'state', 'waiting')
  return 1
end
redis.call('HSET', taskKey, 'state', 'ready')
redis.call('LPUSH', prefix .. ':ready:' .. kind, id)
return 0
`)

// enqueueOnceScript marks key seen in a scope and creates the child task only
// when the mark is new. ARGV: prefix, scope, key, seen ttl seconds, id,
// parent, kind, payload, created_at.
var enqueueOnceScript = redis.NewScript(`
local prefix = ARGV[1]
local seen = prefix .. ':seen:' .. ARGV[2]
if redis.call('SADD', seen, ARGV[3]) == 0 then
  return 0
end
redis.call('EXPIRE', seen, tonumber(ARGV[4]))
local id = ARGV[5]
redis.call('HSET', prefix .. ':task:' .. id,
  'kind', ARGV[7], 'payload', ARGV[8], 'attempt', 0, 'parent', ARGV[6],
  'state', 'ready', 'error', '', 'created_at', ARGV[9])
redis.call('SADD', prefix .. ':children:' .. ARGV[6], id)
redis.call('LPUSH', prefix .. ':ready:' .. ARGV[7], id)
return 1
`)

// dequeueScript moves the oldest ready task of a kind to its active list and
// stamps its lease in one step. It returns nil when nothing is ready and an
// empty string when the popped id had no task hash left.
// ARGV: prefix, kind, lease deadline (unix ms).
var dequeueScript = redis.NewScript(`
local prefix = ARGV[1]
local active = prefix .. ':active:' .. ARGV[2]
local id = redis.call('RPOPLPUSH', prefix .. ':ready:' .. ARGV[2], active)
if not id then
  return false
end
local taskKey = prefix .. ':task:' .. id
if redis.call('EXISTS', taskKey) == 0 then
  redis.call('LREM', active, 0, id)
  return ''
end
redis.call('HSET', taskKey, 'state', 'active', 'leased_until', ARGV[3])
return id
`)

// extendScript pushes back the lease of an active task. Returns -1 when the
// hash is gone and 0 when the task is no longer active.
// ARGV: prefix, id, lease deadline (unix ms).
var extendScript = redis.NewScript(`
local taskKey = ARGV[1] .. ':task:' .. ARGV[2]
local state = redis.call('HGET', taskKey, 'state')
if not state then
  return -1
end
if state ~= 'active' then
  return 0
end
redis.call('HSET', taskKey, 'leased_until', ARGV[3])
return 1
`)

// recoverScript returns active tasks of a kind whose lease expired to the
// ready list and drops ids whose hash is gone. ARGV: prefix, kind, now (unix ms).
var recoverScript = redis.NewScript(`
local prefix = ARGV[1]
local active = prefix .. ':active:' .. ARGV[2]
local now = tonumber(ARGV[3])
local moved = 0
for _, id in ipairs(redis.call('LRANGE', active, 0, -1)) do
  local taskKey = prefix .. ':task:' .. id
  if redis.call('EXISTS', taskKey) == 0 then
    redis.call('LREM', active, 0, id)
  else
    local raw = redis.call('HGET', taskKey, 'leased_until')
    local leased = raw and tonumber(raw)
    if not leased or leased <= now then
      redis.call('LREM', active, 0, id)
      redis.call('HSET', taskKey, 'state', 'ready')
      redis.call('HDEL', taskKey, 'leased_until')
      redis.call('LPUSH', prefix .. ':ready:' .. ARGV[2], id)
      moved = moved + 1
    end
  end
end
return moved
`)
