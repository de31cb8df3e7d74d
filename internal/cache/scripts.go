package cache

// =============================================================================
// 📜 限流 / 配额 Lua 脚本
// =============================================================================

// 脚本在启动时通过 PreloadScripts 注册，运行时只走 EvalSha。
// 当前时间由调用方传入，脚本内不读 TIME，保证可测试与主从一致。

// 脚本名称
const (
	ScriptSlidingWindow = "rate_limit_sliding_window"
	ScriptTokenBucket   = "rate_limit_token_bucket"
	ScriptQuotaDeduct   = "quota_check_deduct"
	ScriptQuotaRefund   = "quota_refund"
)

// LuaSlidingWindow 滑动窗口请求限流。
//
//	KEYS[1] 限流键（zset，member 带毫秒时间戳分数）
//	ARGV[1] 窗口秒数
//	ARGV[2] 窗口内上限
//	ARGV[3] 当前毫秒时间戳
//	ARGV[4] 本次请求的唯一 member
//
// 返回 {allowed(0/1), remaining, retry_after_seconds}
const LuaSlidingWindow = `
local key = KEYS[1]
local window_ms = tonumber(ARGV[1]) * 1000
local limit = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now_ms - window_ms)
local count = redis.call('ZCARD', key)
if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local retry_after = 1
    if oldest[2] then
        retry_after = math.ceil((tonumber(oldest[2]) + window_ms - now_ms) / 1000)
        if retry_after < 1 then
            retry_after = 1
        end
    end
    return {0, 0, retry_after}
end
redis.call('ZADD', key, now_ms, member)
redis.call('PEXPIRE', key, window_ms)
return {1, limit - count - 1, 0}
`

// LuaTokenBucket 令牌桶 token 限流。
//
//	KEYS[1] 桶状态键（hash: tokens, ts）
//	ARGV[1] 桶容量
//	ARGV[2] 每秒补充速率
//	ARGV[3] 当前秒级时间戳
//	ARGV[4] 本次消耗的 token 数
//
// 返回 {allowed(0/1), tokens_left, retry_after_seconds}
const LuaTokenBucket = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
    tokens = capacity
    ts = now
end

local elapsed = now - ts
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
end

local ttl = math.ceil(capacity / rate) * 2
if tokens < cost then
    local retry_after = math.ceil((cost - tokens) / rate)
    redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
    redis.call('EXPIRE', key, ttl)
    return {0, math.floor(tokens), retry_after}
end

tokens = tokens - cost
redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', key, ttl)
return {1, math.floor(tokens), 0}
`

// LuaQuotaDeduct 配额原子检查并扣减。
//
//	KEYS[1] 配额余额键（字符串整数）
//	ARGV[1] 本次扣减量
//
// 返回 {status, balance}：status 1=扣减成功，0=余额不足，
// -1=键不存在（调用方需从数据库预热后重试）
const LuaQuotaDeduct = `
local key = KEYS[1]
local cost = tonumber(ARGV[1])

local bal = redis.call('GET', key)
if not bal then
    return {-1, 0}
end
bal = tonumber(bal)
if bal < cost then
    return {0, bal}
end
bal = redis.call('DECRBY', key, cost)
return {1, bal}
`

// LuaQuotaRefund 配额回补（预扣多退少补）。
//
//	KEYS[1] 配额余额键
//	ARGV[1] 回补量
//
// 键不存在返回 -1（预热已过期，余额以数据库为准），否则返回新余额
const LuaQuotaRefund = `
local key = KEYS[1]
local amount = tonumber(ARGV[1])

if redis.call('EXISTS', key) == 0 then
    return -1
end
return redis.call('INCRBY', key, amount)
`

// AllScripts 返回全部待注册脚本
func AllScripts() map[string]string {
	return map[string]string{
		ScriptSlidingWindow: LuaSlidingWindow,
		ScriptTokenBucket:   LuaTokenBucket,
		ScriptQuotaDeduct:   LuaQuotaDeduct,
		ScriptQuotaRefund:   LuaQuotaRefund,
	}
}
