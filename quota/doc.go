// Package quota 实现按 API Key 的配额执行：首次未命中时从仓储
// 预热余额到 KV（singleflight 合并并发预热），之后用 Lua 脚本原子
// 检查并扣减；上游致命失败时回补，计费阶段按实际用量结算并去重。
package quota
