package queue

import "github.com/redis/go-redis/v9"

// Item hashes hold: id, queue, payload, fp, parent_id, parent_queue, state,
// attempts, seq, created_at, reserved_at, updated_at, sealed_at. Times are
// unix milliseconds, 0 when unset.

// addScript inserts an item unless an unfinished one with the same
// fingerprint exists.
// KEYS: fp, pending, seq, [children]
// ARGV: itemPrefix, id, fp, payload, parentID, parentQueue, nowMs, queue
// Returns {id, created(0|1)}.
var addScript = redis.NewScript(
	// language=Lua
	`
	local existing = redis.call('HGET', KEYS[1], ARGV[3])
	if existing then
		local ekey = ARGV[1] .. existing
		local st = redis.call('HGET', ekey, 'state')
		if st == 'pending' or st == 'reserved' then
			redis.call('HSET', ekey, 'updated_at', ARGV[7])
			if ARGV[5] ~= '' then redis.call('SADD', KEYS[4], existing) end
			return {existing, 0}
		end
		redis.call('HDEL', KEYS[1], ARGV[3])
	end
	local seq = redis.call('INCR', KEYS[3])
	local ikey = ARGV[1] .. ARGV[2]
	redis.call('HSET', ikey,
		'id', ARGV[2], 'queue', ARGV[8], 'payload', ARGV[4], 'fp', ARGV[3],
		'parent_id', ARGV[5], 'parent_queue', ARGV[6], 'state', 'pending',
		'attempts', 0, 'seq', seq, 'created_at', ARGV[7], 'reserved_at', 0,
		'updated_at', ARGV[7], 'sealed_at', 0)
	redis.call('ZADD', KEYS[2], seq, ARGV[2])
	redis.call('HSET', KEYS[1], ARGV[3], ARGV[2])
	if ARGV[5] ~= '' then redis.call('SADD', KEYS[4], ARGV[2]) end
	return {ARGV[2], 1}
	`,
)

// reserveScript claims pending items oldest first, then optionally items
// whose reservation lease expired.
// KEYS: pending, reserved
// ARGV: itemPrefix, limit, nowMs, onlyUnreserved(1|0), staleBeforeMs
var reserveScript = redis.NewScript(
	// language=Lua
	`
	local limit = tonumber(ARGV[2])
	local out = {}
	local taken = {}
	local ids = redis.call('ZRANGE', KEYS[1], 0, limit - 1, 'WITHSCORES')
	for i = 1, #ids, 2 do
		local id = ids[i]
		redis.call('ZREM', KEYS[1], id)
		redis.call('ZADD', KEYS[2], ids[i + 1], id)
		local ikey = ARGV[1] .. id
		redis.call('HSET', ikey, 'state', 'reserved', 'reserved_at', ARGV[3], 'updated_at', ARGV[3])
		redis.call('HINCRBY', ikey, 'attempts', 1)
		taken[id] = true
		out[#out + 1] = id
	end
	if ARGV[4] == '0' and #out < limit then
		local stale = tonumber(ARGV[5])
		local rids = redis.call('ZRANGE', KEYS[2], 0, -1)
		for _, id in ipairs(rids) do
			if #out >= limit then break end
			if not taken[id] then
				local ikey = ARGV[1] .. id
				local ra = tonumber(redis.call('HGET', ikey, 'reserved_at') or '0')
				if ra <= stale then
					redis.call('HSET', ikey, 'reserved_at', ARGV[3], 'updated_at', ARGV[3])
					redis.call('HINCRBY', ikey, 'attempts', 1)
					out[#out + 1] = id
				end
			end
		end
	end
	return out
	`,
)

// retryScript selects reserved items below the attempts ceiling whose lease
// expired, re-reserving them when touch is set.
// KEYS: reserved
// ARGV: itemPrefix, maxAttempts, limit, touch(1|0), nowMs, staleBeforeMs, skipSealed(1|0)
var retryScript = redis.NewScript(
	// language=Lua
	`
	local max = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local stale = tonumber(ARGV[6])
	local out = {}
	local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
	for _, id in ipairs(ids) do
		if #out >= limit then break end
		local ikey = ARGV[1] .. id
		local f = redis.call('HMGET', ikey, 'attempts', 'reserved_at', 'sealed_at', 'state')
		if f[4] == 'reserved' then
			local attempts = tonumber(f[1] or '0')
			local ra = tonumber(f[2] or '0')
			local sealed = tonumber(f[3] or '0')
			if attempts < max and ra <= stale and (ARGV[7] == '0' or sealed == 0) then
				if ARGV[4] == '1' then
					redis.call('HSET', ikey, 'reserved_at', ARGV[5], 'updated_at', ARGV[5])
					redis.call('HINCRBY', ikey, 'attempts', 1)
				end
				out[#out + 1] = id
			end
		end
	end
	return out
	`,
)

// completeScript moves reserved items to completed and releases their fingerprint.
// KEYS: reserved, completed, fp
// ARGV: itemPrefix, nowMs, ids...
var completeScript = redis.NewScript(
	// language=Lua
	`
	local n = 0
	for i = 3, #ARGV do
		local id = ARGV[i]
		local ikey = ARGV[1] .. id
		local f = redis.call('HMGET', ikey, 'state', 'fp')
		if f[1] == 'reserved' then
			redis.call('ZREM', KEYS[1], id)
			redis.call('ZADD', KEYS[2], ARGV[2], id)
			redis.call('HSET', ikey, 'state', 'completed', 'updated_at', ARGV[2])
			if f[2] and redis.call('HGET', KEYS[3], f[2]) == id then
				redis.call('HDEL', KEYS[3], f[2])
			end
			n = n + 1
		end
	end
	return n
	`,
)

// releaseScript puts reserved items back to pending at their original position.
// KEYS: pending, reserved
// ARGV: itemPrefix, nowMs, ids...
var releaseScript = redis.NewScript(
	// language=Lua
	`
	local n = 0
	for i = 3, #ARGV do
		local id = ARGV[i]
		local ikey = ARGV[1] .. id
		local f = redis.call('HMGET', ikey, 'state', 'seq')
		if f[1] == 'reserved' then
			redis.call('ZREM', KEYS[2], id)
			redis.call('ZADD', KEYS[1], f[2], id)
			redis.call('HSET', ikey, 'state', 'pending', 'reserved_at', 0, 'updated_at', ARGV[2])
			n = n + 1
		end
	end
	return n
	`,
)

// sealScript stamps sealed_at on unfinished items.
// KEYS: reserved (slot routing only)
// ARGV: itemPrefix, nowMs, ids...
var sealScript = redis.NewScript(
	// language=Lua
	`
	for i = 3, #ARGV do
		local ikey = ARGV[1] .. ARGV[i]
		local st = redis.call('HGET', ikey, 'state')
		if st == 'pending' or st == 'reserved' then
			redis.call('HSET', ikey, 'sealed_at', ARGV[2])
		end
	end
	return 1
	`,
)

// failMaxScript moves reserved items at or above the attempts ceiling to failed.
// KEYS: reserved, failed, fp
// ARGV: itemPrefix, maxAttempts, nowMs, skipSealed(1|0)
var failMaxScript = redis.NewScript(
	// language=Lua
	`
	local max = tonumber(ARGV[2])
	local out = {}
	local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
	for _, id in ipairs(ids) do
		local ikey = ARGV[1] .. id
		local f = redis.call('HMGET', ikey, 'attempts', 'fp', 'sealed_at')
		local sealed = tonumber(f[3] or '0')
		if tonumber(f[1] or '0') >= max and (ARGV[4] == '0' or sealed == 0) then
			redis.call('ZREM', KEYS[1], id)
			redis.call('ZADD', KEYS[2], ARGV[3], id)
			redis.call('HSET', ikey, 'state', 'failed', 'updated_at', ARGV[3])
			if f[2] and redis.call('HGET', KEYS[3], f[2]) == id then
				redis.call('HDEL', KEYS[3], f[2])
			end
			out[#out + 1] = id
		end
	end
	return out
	`,
)

// clearScript deletes pending items, and reserved items when skipConstraint is set.
// KEYS: pending, reserved, fp
// ARGV: itemPrefix, childqPrefix, skipConstraint(1|0)
var clearScript = redis.NewScript(
	// language=Lua
	`
	local n = 0
	local function drop(zkey)
		local ids = redis.call('ZRANGE', zkey, 0, -1)
		for _, id in ipairs(ids) do
			local ikey = ARGV[1] .. id
			local fp = redis.call('HGET', ikey, 'fp')
			if fp and redis.call('HGET', KEYS[3], fp) == id then
				redis.call('HDEL', KEYS[3], fp)
			end
			redis.call('DEL', ikey, ARGV[2] .. id)
			n = n + 1
		end
		redis.call('DEL', zkey)
	end
	drop(KEYS[1])
	if ARGV[3] == '1' then drop(KEYS[2]) end
	return n
	`,
)

// gcScript deletes terminal items last updated before the cutoff.
// KEYS: completed, failed
// ARGV: itemPrefix, childqPrefix, cutoffMs, limit
var gcScript = redis.NewScript(
	// language=Lua
	`
	local limit = tonumber(ARGV[4])
	local n = 0
	for k = 1, 2 do
		if n >= limit then break end
		local ids = redis.call('ZRANGEBYSCORE', KEYS[k], '-inf', ARGV[3], 'LIMIT', 0, limit - n)
		for _, id in ipairs(ids) do
			redis.call('DEL', ARGV[1] .. id, ARGV[2] .. id)
			redis.call('ZREM', KEYS[k], id)
			n = n + 1
		end
	end
	return n
	`,
)

// unlockScript deletes the lock only while it still holds our token.
// KEYS: lock
// ARGV: token
var unlockScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
	`,
)
