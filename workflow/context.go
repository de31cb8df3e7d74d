package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/gateflow/internal/eventbus"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🧩 请求上下文
// =============================================================================

// Capability 请求的工作类型
type Capability string

const (
	CapabilityChat          Capability = "chat"
	CapabilityEmbedding     Capability = "embedding"
	CapabilityImage         Capability = "image"
	CapabilitySpeech        Capability = "speech"
	CapabilityTranscription Capability = "transcription"
	CapabilityVideo         Capability = "video"
)

// UpstreamResult 上游调用摘要
type UpstreamResult struct {
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
	StatusCode int     `json:"status_code"`
	ErrorCode  string  `json:"error_code,omitempty"`
	LatencyMS  float64 `json:"latency_ms"`
	RetryCount int     `json:"retry_count"`
}

// BillingInfo 计费摘要
type BillingInfo struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	InputCost    float64 `json:"input_cost"`
	OutputCost   float64 `json:"output_cost"`
	TotalCost    float64 `json:"total_cost"`
	CacheHit     bool    `json:"cache_hit"`
	Currency     string  `json:"currency"`
}

// StatusEmitter 步骤状态帧回调（由 API 层接到事件总线）
type StatusEmitter func(frame eventbus.Frame)

// Context 单个请求的共享状态。
// 各步骤在各自命名空间读写；错误标记后响应载荷不再变更；
// 引擎串行执行步骤，Context 不做内部加锁。
type Context struct {
	// 请求元数据（创建后不变）
	TraceID    string
	Channel    types.Channel
	Capability Capability
	CreatedAt  time.Time

	TenantID  string
	UserID    int64
	APIKeyID  int64
	SessionID string
	ClientIP  string
	UserAgent string

	RequestedModel string
	Streaming      bool

	// 可变载荷
	Request  *types.ChatRequest
	Response *types.ChatResponse

	// 路由决策
	Selected  *types.UpstreamCandidate
	Failovers []types.UpstreamCandidate

	Upstream UpstreamResult
	Billing  BillingInfo

	// 错误与状态
	Success      bool
	ErrorSource  types.ErrorSource
	ErrorCode    types.ErrorCode
	ErrorMessage string
	FailedStep   string

	// 步骤执行追踪（append-only）
	ExecutedSteps []string
	StepTimings   map[string]float64

	Emit StatusEmitter

	namespaces map[string]map[string]any
}

// NewContext 创建请求上下文
func NewContext(channel types.Channel, capability Capability) *Context {
	return &Context{
		TraceID:     uuid.NewString(),
		Channel:     channel,
		Capability:  capability,
		CreatedAt:   time.Now(),
		Success:     true,
		StepTimings: make(map[string]float64),
		namespaces:  make(map[string]map[string]any),
		Billing:     BillingInfo{Currency: "USD"},
	}
}

// Get 读取某步骤命名空间里的值
func (c *Context) Get(namespace, key string) (any, bool) {
	ns, ok := c.namespaces[namespace]
	if !ok {
		return nil, false
	}
	v, ok := ns[key]
	return v, ok
}

// GetString 读取字符串值，缺失或类型不符返回空串
func (c *Context) GetString(namespace, key string) string {
	if v, ok := c.Get(namespace, key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Set 写入某步骤命名空间
func (c *Context) Set(namespace, key string, value any) {
	ns, ok := c.namespaces[namespace]
	if !ok {
		ns = make(map[string]any)
		c.namespaces[namespace] = ns
	}
	ns[key] = value
}

// Namespace 返回整个命名空间（可能为 nil）
func (c *Context) Namespace(namespace string) map[string]any {
	return c.namespaces[namespace]
}

// MarkStepExecuted 追加执行记录
func (c *Context) MarkStepExecuted(step string, durationMS float64) {
	c.ExecutedSteps = append(c.ExecutedSteps, step)
	c.StepTimings[step] = durationMS
}

// MarkError 标记错误。只记录第一个错误，后续调用不覆盖。
func (c *Context) MarkError(source types.ErrorSource, code types.ErrorCode, message string) {
	if c.ErrorCode != "" {
		return
	}
	c.Success = false
	c.ErrorSource = source
	c.ErrorCode = code
	c.ErrorMessage = message
}

// MarkGatewayError 从 *types.Error 提取错误标记，非结构化错误归为 INTERNAL
func (c *Context) MarkGatewayError(err error) {
	var ge *types.Error
	if e, ok := err.(*types.Error); ok {
		ge = e
	}
	if ge != nil {
		c.MarkError(ge.Source, ge.Code, ge.Message)
		return
	}
	c.MarkError(types.SourceGateway, types.ErrInternal, err.Error())
}

// IsExternal 外部通道（第三方签名请求）
func (c *Context) IsExternal() bool { return c.Channel == types.ChannelExternal }

// IsInternal 内部通道（带会话状态的认证用户）
func (c *Context) IsInternal() bool { return c.Channel == types.ChannelInternal }

// EmitStatus 推送步骤状态帧，Emit 未设置时为空操作
func (c *Context) EmitStatus(stage, step string, state eventbus.State, code string) {
	if c.Emit == nil {
		return
	}
	c.Emit(eventbus.Frame{
		Stage:     stage,
		Step:      step,
		State:     state,
		Code:      code,
		Timestamp: time.Now(),
	})
}

// TotalDurationMS 所有步骤耗时之和
func (c *Context) TotalDurationMS() float64 {
	var total float64
	for _, d := range c.StepTimings {
		total += d
	}
	return total
}

// AuditProjection 非敏感审计投影。不含请求/响应正文、凭证与头部。
func (c *Context) AuditProjection() map[string]any {
	selected := ""
	if c.Selected != nil {
		selected = c.Selected.Key()
	}
	return map[string]any{
		"trace_id":          c.TraceID,
		"channel":           string(c.Channel),
		"capability":        string(c.Capability),
		"created_at":        c.CreatedAt.UTC().Format(time.RFC3339),
		"tenant_id":         c.TenantID,
		"user_id":           c.UserID,
		"api_key_id":        c.APIKeyID,
		"requested_model":   c.RequestedModel,
		"selected_upstream": selected,
		"upstream": map[string]any{
			"provider":    c.Upstream.Provider,
			"model":       c.Upstream.Model,
			"status_code": c.Upstream.StatusCode,
			"error_code":  c.Upstream.ErrorCode,
			"latency_ms":  c.Upstream.LatencyMS,
			"retry_count": c.Upstream.RetryCount,
		},
		"billing": map[string]any{
			"input_tokens":  c.Billing.InputTokens,
			"output_tokens": c.Billing.OutputTokens,
			"total_tokens":  c.Billing.TotalTokens,
			"total_cost":    c.Billing.TotalCost,
			"currency":      c.Billing.Currency,
		},
		"is_success":        c.Success,
		"error_source":      string(c.ErrorSource),
		"error_code":        string(c.ErrorCode),
		"executed_steps":    append([]string(nil), c.ExecutedSteps...),
		"step_timings":      c.StepTimings,
		"total_duration_ms": c.TotalDurationMS(),
	}
}
