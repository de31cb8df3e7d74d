package api

import "time"

// =============================================================================
// 📦 网关自身的响应载荷
// =============================================================================

// ErrorResponse 统一错误信封
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody 错误详情。Source 标识故障方（client/policy/upstream/gateway），
// Code 为规范错误码，RetryAfter 仅在限流时出现。
type ErrorBody struct {
	Source     string `json:"source"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// ModelList /v1/models 响应（OpenAI list 形态）
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ModelInfo 对外公开的单个模型条目。只暴露公开模型名与提供方，
// 上游侧模型名、实例与凭证一概不出网关。
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by,omitempty"`
	Created int64  `json:"created,omitempty"`
}

// =============================================================================
// 🎫 内部通道令牌交换
// =============================================================================

// TokenRequest 用户名密码换访问令牌
type TokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse 签发的访问令牌
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

// HealthStatus 健康检查响应
type HealthStatus struct {
	Status    string                 `json:"status"` // healthy / unhealthy
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单项依赖探活结果
type CheckResult struct {
	Status  string `json:"status"` // pass / fail
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}
