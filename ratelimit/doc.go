// Package ratelimit 在 Redis Lua 脚本之上实现双重限流：
// 滑动窗口 RPM 与令牌桶 TPM，RPM 先判，拒绝时不再消耗 TPM。
// Redis 不可达时降级为进程内令牌桶，保守放行而不是熔断全站。
package ratelimit
