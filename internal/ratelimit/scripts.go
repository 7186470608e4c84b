package ratelimit

import "github.com/redis/go-redis/v9"

// The three atomic scripts from §4.1. Each is a single round trip, keeping
// read-modify-write atomic under concurrent access from any number of
// service instances. All three return {allowed, remaining, resetHintMs} as
// a three-element array so callers can decode with one type switch.

// tokenBucketScript implements TokenBucket(key, capacity, refillPerSec, nowMs, windowMs).
// KEYS[1] = bucket key. ARGV: capacity, refillPerSec, nowMs, windowMs.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local windowMs = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'lastRefillMs')
local tokens = tonumber(data[1])
local lastRefill = tonumber(data[2])
if tokens == nil then
	tokens = capacity
	lastRefill = now
end

local elapsedSec = (now - lastRefill) / 1000.0
if elapsedSec < 0 then elapsedSec = 0 end
tokens = math.min(capacity, tokens + elapsedSec * refill)

local allowed = 0
if tokens >= 1 then
	allowed = 1
	tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'lastRefillMs', now)
redis.call('PEXPIRE', key, windowMs)

local remaining = math.floor(tokens)
local resetHintMs = 0
if refill > 0 then
	resetHintMs = math.floor((capacity - tokens) / refill * 1000)
end

return {allowed, remaining, resetHintMs}
`)

// slidingWindowScript implements SlidingWindow(key, windowMs, maxRequests, nowMs).
// KEYS[1] = sorted-set key. ARGV: windowMs, maxRequests, nowMs, nonce.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local windowMs = tonumber(ARGV[1])
local maxRequests = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local nonce = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - windowMs)
local count = redis.call('ZCARD', key)

local allowed = 0
local remaining = 0
if count < maxRequests then
	allowed = 1
	redis.call('ZADD', key, now, now .. ':' .. nonce)
	remaining = maxRequests - count - 1
end

redis.call('PEXPIRE', key, windowMs)

return {allowed, remaining, windowMs}
`)

// fixedWindowScript implements FixedWindow(key, maxRequests, windowMs, nowMs).
// KEYS[1] = base key (the script derives the windowed bucket key itself).
// ARGV: maxRequests, windowMs, nowMs.
var fixedWindowScript = redis.NewScript(`
local base = KEYS[1]
local maxRequests = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local windowStart = math.floor(now / windowMs) * windowMs
local bucketKey = base .. ':' .. windowStart

local n = redis.call('INCR', bucketKey)
if n == 1 then
	redis.call('PEXPIRE', bucketKey, windowMs)
end

local allowed = 0
if n <= maxRequests then allowed = 1 end
local remaining = maxRequests - n
if remaining < 0 then remaining = 0 end

local ttl = redis.call('PTTL', bucketKey)
if ttl < 0 then ttl = windowMs end

return {allowed, remaining, ttl}
`)
