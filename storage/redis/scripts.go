package redis

import goredis "github.com/redis/go-redis/v9"

// Script results. Scripts returning a record reply with a table whose first
// element is the status and whose remaining elements are the HGETALL pairs.
const (
	statusOK       = "ok"
	statusNotFound = "notfound"
	statusExpired  = "expired"
	statusRevoked  = "revoked"
)

// activateCodeScript binds consent to a pending request.
//
// KEYS[1] request hash, KEYS[2] user code set, KEYS[3] code value key
// ARGV[1] now, ARGV[2] user, ARGV[3] scope, ARGV[4] code, ARGV[5] code
// expiry, ARGV[6] key prefix, ARGV[7] request id, ARGV[8] key deadline
var activateCodeScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {'notfound'}
end
local f = redis.call('HMGET', KEYS[1], 'user_id', 'revoked_at', 'expires_at')
if f[1] ~= '' or tonumber(f[2]) ~= 0 then
	return {'revoked'}
end
local now = tonumber(ARGV[1])
local exp = tonumber(f[3])
if exp ~= 0 and now >= exp then
	redis.call('HSET', KEYS[1], 'revoked_at', ARGV[1])
	return {'expired'}
end

for _, other in ipairs(redis.call('SMEMBERS', KEYS[2])) do
	local key = ARGV[6] .. 'code:' .. other
	local of = redis.call('HMGET', key, 'revoked_at', 'expires_at')
	if not of[1] then
		redis.call('SREM', KEYS[2], other)
	elseif tonumber(of[1]) == 0 and (tonumber(of[2]) == 0 or now < tonumber(of[2])) then
		redis.call('HSET', key, 'revoked_at', ARGV[1])
	end
end

redis.call('HSET', KEYS[1], 'user_id', ARGV[2], 'scope', ARGV[3], 'code', ARGV[4])
if tonumber(ARGV[5]) ~= 0 then
	redis.call('HSET', KEYS[1], 'expires_at', ARGV[5])
end
if ARGV[4] == '' then
	redis.call('HSET', KEYS[1], 'revoked_at', ARGV[1])
else
	redis.call('SET', KEYS[3], ARGV[7])
	redis.call('SADD', KEYS[2], ARGV[7])
	if tonumber(ARGV[8]) ~= 0 then
		redis.call('PEXPIREAT', KEYS[1], ARGV[8])
		redis.call('PEXPIREAT', KEYS[2], ARGV[8])
		redis.call('PEXPIREAT', KEYS[3], ARGV[8])
	end
end

local r = redis.call('HGETALL', KEYS[1])
table.insert(r, 1, 'ok')
return r
`)

// redeemCodeScript revokes a live code issued to a client.
//
// KEYS[1] code value key
// ARGV[1] now, ARGV[2] client id, ARGV[3] key prefix
var redeemCodeScript = goredis.NewScript(`
local id = redis.call('GET', KEYS[1])
if not id then
	return {'notfound'}
end
local key = ARGV[3] .. 'code:' .. id
local f = redis.call('HMGET', key, 'client_id', 'revoked_at', 'expires_at')
if not f[1] or f[1] ~= ARGV[2] then
	return {'notfound'}
end
if tonumber(f[2]) ~= 0 then
	return {'revoked'}
end
redis.call('HSET', key, 'revoked_at', ARGV[1])
local exp = tonumber(f[3])
if exp ~= 0 and tonumber(ARGV[1]) >= exp then
	return {'expired'}
end
local r = redis.call('HGETALL', key)
table.insert(r, 1, 'ok')
return r
`)

// revokeCodeScript revokes a request that is not revoked yet.
//
// KEYS[1] request hash
// ARGV[1] now
var revokeCodeScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'notfound'
end
if tonumber(redis.call('HGET', KEYS[1], 'revoked_at')) ~= 0 then
	return 'revoked'
end
redis.call('HSET', KEYS[1], 'revoked_at', ARGV[1])
return 'ok'
`)

// revokeTokenScript revokes a token hash, keeping the first revocation time.
//
// KEYS[1] token hash
// ARGV[1] now
var revokeTokenScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'notfound'
end
if tonumber(redis.call('HGET', KEYS[1], 'revoked_at')) == 0 then
	redis.call('HSET', KEYS[1], 'revoked_at', ARGV[1])
end
return 'ok'
`)

// redeemRefreshScript revokes a live refresh token and appends the attempt.
//
// KEYS[1] refresh token hash, KEYS[2] attempt list
// ARGV[1] now, ARGV[2] attempt JSON
var redeemRefreshScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'notfound'
end
local f = redis.call('HMGET', KEYS[1], 'revoked_at', 'expires_at')
if tonumber(f[1]) ~= 0 then
	return 'revoked'
end
local exp = tonumber(f[2])
if exp ~= 0 and tonumber(ARGV[1]) >= exp then
	return 'expired'
end
redis.call('HSET', KEYS[1], 'revoked_at', ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[2])
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 'ok'
`)

// revokeSubjectScript revokes every live token listed in a subject index.
//
// KEYS[1] subject index
// ARGV[1] now, ARGV[2] key prefix
var revokeSubjectScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local n = 0
for _, member in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	local key = ARGV[2] .. member
	local f = redis.call('HMGET', key, 'revoked_at', 'expires_at')
	if not f[1] then
		redis.call('SREM', KEYS[1], member)
	elseif tonumber(f[1]) == 0 and (tonumber(f[2]) == 0 or now < tonumber(f[2])) then
		redis.call('HSET', key, 'revoked_at', ARGV[1])
		n = n + 1
	end
end
return n
`)
