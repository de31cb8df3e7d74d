// Package auth 实现双通道认证：外部通道的 HMAC 请求签名
// （防重放、失败计数拉黑、IP 白名单），内部通道的 JWT 访问令牌
// （token_version 使改密后的旧令牌立即失效）。
package auth
