package redisq

import goredis "github.com/redis/go-redis/v9"

// Все переходы состояния задачи выполняются Lua-скриптами, чтобы хэш задачи
// и индексы состояний менялись атомарно.
//
// Ключи: <prefix>:job:<id> (hash), <prefix>:waiting (list),
// <prefix>:delayed, <prefix>:active, <prefix>:completed, <prefix>:failed (zset).

// KEYS: job, waiting, delayed
// ARGV: id, name, payload, run_at, enqueued_at, max_attempts
var enqueueScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
local state = "delayed"
if tonumber(ARGV[4]) <= tonumber(ARGV[5]) then
  state = "waiting"
end
redis.call("HSET", KEYS[1],
  "id", ARGV[1], "name", ARGV[2], "payload", ARGV[3],
  "run_at", ARGV[4], "enqueued_at", ARGV[5],
  "attempts", 0, "max_attempts", ARGV[6], "state", state, "last_error", "")
if state == "waiting" then
  redis.call("RPUSH", KEYS[2], ARGV[1])
else
  redis.call("ZADD", KEYS[3], ARGV[4], ARGV[1])
end
return 1
`)

// KEYS: delayed, active, waiting
// ARGV: now, job key prefix
var promoteScript = goredis.NewScript(`
local moved = 0
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("HSET", ARGV[2] .. id, "state", "waiting")
  redis.call("RPUSH", KEYS[3], id)
  moved = moved + 1
end
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(expired) do
  redis.call("ZREM", KEYS[2], id)
  redis.call("HSET", ARGV[2] .. id, "state", "waiting")
  redis.call("RPUSH", KEYS[3], id)
  moved = moved + 1
end
return moved
`)

// KEYS: waiting, active
// ARGV: now, lease expiry, job key prefix
var dequeueScript = goredis.NewScript(`
while true do
  local id = redis.call("LPOP", KEYS[1])
  if not id then
    return false
  end
  local key = ARGV[3] .. id
  if redis.call("EXISTS", key) == 1 then
    redis.call("HINCRBY", key, "attempts", 1)
    redis.call("HSET", key, "state", "active", "started_at", ARGV[1])
    redis.call("ZADD", KEYS[2], ARGV[2], id)
    return id
  end
end
`)

// KEYS: job, active, completed
// ARGV: id, now
var completeScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return -1
end
if state ~= "active" then
  return -2
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1], "state", "completed", "finished_at", ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// KEYS: job, active, delayed, failed
// ARGV: id, reason, now, backoff base
var failScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return -1
end
if state ~= "active" then
  return -2
end
redis.call("ZREM", KEYS[2], ARGV[1])
local attempts = tonumber(redis.call("HGET", KEYS[1], "attempts"))
local max = tonumber(redis.call("HGET", KEYS[1], "max_attempts"))
redis.call("HSET", KEYS[1], "last_error", ARGV[2])
if attempts >= max then
  redis.call("HSET", KEYS[1], "state", "failed", "finished_at", ARGV[3])
  redis.call("ZADD", KEYS[4], ARGV[3], ARGV[1])
  return 2
end
local run_at = tonumber(ARGV[3]) + tonumber(ARGV[4]) * (2 ^ (attempts - 1))
redis.call("HSET", KEYS[1], "state", "delayed", "run_at", run_at)
redis.call("ZADD", KEYS[3], run_at, ARGV[1])
return 1
`)

// KEYS: job, failed, waiting
// ARGV: id, now
var retryScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return -1
end
if state ~= "failed" then
  return -2
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1], "state", "waiting", "attempts", 0, "last_error", "", "run_at", ARGV[2])
redis.call("HDEL", KEYS[1], "started_at", "finished_at")
redis.call("RPUSH", KEYS[3], ARGV[1])
return 1
`)

// KEYS: job, waiting, delayed
// ARGV: id, run_at
var rescheduleScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return -1
end
if state ~= "waiting" and state ~= "delayed" then
  return -2
end
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("HSET", KEYS[1], "state", "delayed", "run_at", ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// KEYS: job, waiting, delayed, active, completed, failed
// ARGV: id
var removeScript = goredis.NewScript(`
redis.call("LREM", KEYS[2], 0, ARGV[1])
for i = 3, 6 do
  redis.call("ZREM", KEYS[i], ARGV[1])
end
return redis.call("DEL", KEYS[1])
`)
