package queue

import "github.com/redis/go-redis/v9"

// reapScript requeues inflight jobs whose visibility deadline passed, counting the lost
// delivery as a failed attempt.
// KEYS: inflight, delayed, attempts, errors. ARGV: now (ms), batch size.
var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('HINCRBY', KEYS[3], id, 1)
	redis.call('HSET', KEYS[4], id, 'visibility timeout exceeded')
	redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #ids
`)

// promoteScript moves due delayed jobs to the ready list.
// KEYS: delayed, ready. ARGV: now (ms), batch size.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)

// claimScript pops the next ready job into the inflight set.
// KEYS: ready, inflight, jobs, attempts, errors. ARGV: visibility deadline (ms).
// Returns {id, body, attempts, last error} or nil when the queue is empty.
var claimScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
local body = redis.call('HGET', KEYS[3], id)
local attempts = redis.call('HGET', KEYS[4], id)
local lastErr = redis.call('HGET', KEYS[5], id)
return {id, body or '', attempts or '0', lastErr or ''}
`)

// unlockScript deletes a group lock only if the given job holds it.
// KEYS: lock. ARGV: job id.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// extendScript resets a group lock's expiry if the given job holds it.
// KEYS: lock. ARGV: job id, ttl (ms).
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
