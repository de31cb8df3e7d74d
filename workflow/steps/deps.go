package steps

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/auth"
	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/conversation"
	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/internal/secrets"
	"github.com/BaSui01/gateflow/quota"
	"github.com/BaSui01/gateflow/ratelimit"
	"github.com/BaSui01/gateflow/repo"
	"github.com/BaSui01/gateflow/routing"
	"github.com/BaSui01/gateflow/upstream"
	"github.com/BaSui01/gateflow/workflow"
)

// =============================================================================
// 🧰 步骤装配
// =============================================================================

// 入口协议方言（request_adapter 步骤的翻译目标选择）
const (
	DialectOpenAIChat = "openai_chat"
	DialectAnthropic  = "anthropic_messages"
	DialectResponses  = "openai_responses"
)

// 跨步骤命名空间键。写入方是键名前缀对应的步骤。
const (
	keyRawBody         = "raw"         // request_adapter: 原始请求体
	keyDialect         = "dialect"     // request_adapter: 入口方言
	keySignatureInput  = "input"       // signature_verify: 签名四元组
	keyAPIKey          = "api_key"     // signature_verify: 校验通过的密钥记录
	keyEstimatedTokens = "estimated"   // quota_check: 预估 token 数
	keyRateRemaining   = "remaining"   // rate_limit: RPM 剩余额度
	keyRateReset       = "reset"       // rate_limit: 窗口完全滚动完毕的秒数
	keyRateDegraded    = "degraded"    // rate_limit: 本次判定走了本地降级路径
	keyHistoryLen      = "history"     // conversation_load: 注入的历史条数
	keyPersonaID       = "persona_id"  // conversation_load: 人格 ID
	keyRateRetryAfter  = "retry_after" // rate_limit: 拒绝时的等待秒数
	keyAttempts        = "attempts"    // template_render: 渲染完成的上游尝试
	keyCallResult      = "result"      // upstream_call: 非流式调用结果
	keyStreamResult    = "stream"      // upstream_call: 流式累计结果
	keyStreamSink      = "sink"        // API 层注入的流式下发回调
)

// PrepareRawRequest 管线启动前由 API 层写入入口原始体与方言
func PrepareRawRequest(wc *workflow.Context, body []byte, dialect string) {
	wc.Set(workflow.StepRequestAdapter, keyRawBody, body)
	wc.Set(workflow.StepRequestAdapter, keyDialect, dialect)
}

// PrepareSignature 管线启动前由 API 层写入签名四元组
func PrepareSignature(wc *workflow.Context, in auth.SignatureInput) {
	wc.Set(workflow.StepSignatureVerify, keySignatureInput, in)
}

// PrepareStreamSink 管线启动前由 API 层注入流式下发回调
func PrepareStreamSink(wc *workflow.Context, sink upstream.StreamSink) {
	wc.Set(workflow.StepUpstreamCall, keyStreamSink, sink)
}

// SanitizedResponse 返回脱敏后的响应体；未执行脱敏时 ok 为 false
func SanitizedResponse(wc *workflow.Context) (map[string]any, bool) {
	raw, ok := wc.Get(workflow.StepSanitize, keySanitizedBody)
	if !ok {
		return nil, false
	}
	body, ok := raw.(map[string]any)
	return body, ok
}

// RateState 返回限流步骤留下的响应头素材：
// 剩余额度与（拒绝时的）重试等待秒数。
func RateState(wc *workflow.Context) (remaining int64, retryAfter int, ok bool) {
	raw, found := wc.Get(workflow.StepRateLimit, keyRateRemaining)
	if !found {
		return 0, 0, false
	}
	remaining, _ = raw.(int64)
	if v, found := wc.Get(workflow.StepRateLimit, keyRateRetryAfter); found {
		retryAfter, _ = v.(int)
	}
	return remaining, retryAfter, true
}

// RateReset 返回 RPM 窗口完全滚动完毕的秒数；限流步骤未执行时 ok 为 false
func RateReset(wc *workflow.Context) (int, bool) {
	raw, found := wc.Get(workflow.StepRateLimit, keyRateReset)
	if !found {
		return 0, false
	}
	reset, ok := raw.(int)
	return reset, ok
}

// RateDegraded 返回本次请求的限流是否走了本地降级路径
func RateDegraded(wc *workflow.Context) bool {
	raw, found := wc.Get(workflow.StepRateLimit, keyRateDegraded)
	if !found {
		return false
	}
	degraded, _ := raw.(bool)
	return degraded
}

// MemoryStore 持久用户记忆的窄接口。
// 网关核心不关心向量库实现，只投递事实文本。
type MemoryStore interface {
	Upsert(ctx context.Context, userID int64, fact string) error
}

// MemoryClassifier 判断一条用户消息是否包含值得长期记忆的个人事实
type MemoryClassifier func(ctx context.Context, message string) (fact string, ok bool)

// Deps 全部步骤共享的依赖集合
type Deps struct {
	Cfg           *config.Config
	Verifier      *auth.SignatureVerifier
	Quota         *quota.Manager
	Limiter       *ratelimit.Limiter
	Selector      *routing.Selector
	Secrets       *secrets.Resolver
	Caller        *upstream.Caller
	Conversations *conversation.Manager
	Memory        MemoryStore
	Classifier    MemoryClassifier
	Audit         repo.AuditSink
	Metrics       *metrics.Collector
	Logger        *zap.Logger
}

// RegisterAll 注册全部标准步骤
func RegisterAll(reg *workflow.Registry, d Deps) error {
	steps := []workflow.Step{
		NewRequestAdapterStep(d),
		NewValidationStep(d),
		NewSignatureVerifyStep(d),
		NewQuotaCheckStep(d),
		NewRateLimitStep(d),
		NewConversationLoadStep(d),
		NewRoutingStep(d),
		NewTemplateRenderStep(d),
		NewUpstreamCallStep(d),
		NewResponseTransformStep(d),
		NewSanitizeStep(d),
		NewConversationAppendStep(d),
		NewMemoryWriteStep(d),
		NewBillingStep(d),
		NewAuditLogStep(d),
	}
	for _, s := range steps {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}
