package cache

import "fmt"

// =============================================================================
// 🔑 统一缓存键命名
// =============================================================================

// 所有网关缓存键统一走本文件构造，前缀 gw:，
// 避免各包各自拼接导致键名漂移。

const keyPrefix = "gw:"

// Keys 缓存键构造器
type Keys struct{}

// RateLimitRPM 请求数限流键（滑动窗口）
func (Keys) RateLimitRPM(subject string) string {
	return keyPrefix + "rate_limit:" + subject + ":rpm"
}

// RateLimitTPM token 数限流键（令牌桶）
func (Keys) RateLimitTPM(subject string) string {
	return keyPrefix + "rate_limit:" + subject + ":tpm"
}

// CircuitBreaker 熔断器状态键（按上游主机）
func (Keys) CircuitBreaker(host string) string {
	return keyPrefix + "circuit_breaker:" + host
}

// SignatureFail 签名失败计数键
func (Keys) SignatureFail(apiKeyID int64) string {
	return fmt.Sprintf("%ssignature_fail:%d", keyPrefix, apiKeyID)
}

// SignatureNonce 签名 nonce 去重键
func (Keys) SignatureNonce(apiKeyID int64, nonce string) string {
	return fmt.Sprintf("%ssignature_nonce:%d:%s", keyPrefix, apiKeyID, nonce)
}

// APIKeyBlacklist 密钥临时拉黑键
func (Keys) APIKeyBlacklist(apiKeyID int64) string {
	return fmt.Sprintf("%sapi_key_blacklist:%d", keyPrefix, apiKeyID)
}

// Quota 配额余额键，kind 为 tokens / requests / credits
func (Keys) Quota(apiKeyID int64, kind string) string {
	return fmt.Sprintf("%squota:%d:%s", keyPrefix, apiKeyID, kind)
}

// BillingDedup 计费去重键（同一 trace 只扣一次）
func (Keys) BillingDedup(tenant, traceID string) string {
	return keyPrefix + "billing_dedup:" + tenant + ":" + traceID
}

// RoutingAffinity 会话-模型路由亲和键
func (Keys) RoutingAffinity(sessionID, model string) string {
	return keyPrefix + "routing_affinity:" + sessionID + ":" + model
}

// UpstreamCredential 上游凭证明文缓存键
func (Keys) UpstreamCredential(provider, ref string) string {
	return keyPrefix + "upstream_credential:" + provider + ":" + ref
}

// ConversationSummaryPending 会话摘要待生成标记键
func (Keys) ConversationSummaryPending(sessionID string) string {
	return keyPrefix + "conversation_summary_pending:" + sessionID
}
