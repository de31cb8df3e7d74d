package workflow

import (
	"context"
	"time"
)

// =============================================================================
// 🪜 步骤抽象
// =============================================================================

// StepStatus 步骤执行状态
type StepStatus string

const (
	StatusSuccess  StepStatus = "success"
	StatusFailed   StepStatus = "failed"
	StatusSkipped  StepStatus = "skipped"
	StatusDegraded StepStatus = "degraded"
)

// FailureAction 失败后的处理动作
type FailureAction string

const (
	ActionRetry   FailureAction = "retry"
	ActionSkip    FailureAction = "skip"
	ActionDegrade FailureAction = "degrade"
	ActionAbort   FailureAction = "abort"
)

// StepResult 步骤执行结果
type StepResult struct {
	Status     StepStatus
	Message    string
	DurationMS float64
}

// StepConfig 步骤级配置，模板可按步骤覆盖
type StepConfig struct {
	// 单次执行超时
	Timeout time.Duration
	// 最大重试次数（0 表示只执行一次）
	MaxRetries int
	// 重试基础间隔，按 2^n 指数退避
	RetryDelay time.Duration
	// 在这些通道上跳过
	SkipOnChannels []string
}

// DefaultStepConfig 步骤默认配置
func DefaultStepConfig() StepConfig {
	return StepConfig{
		Timeout:    30 * time.Second,
		MaxRetries: 0,
		RetryDelay: time.Second,
	}
}

// Step 管线原子步骤。实现必须无状态（同一实例服务所有请求），
// 请求态一律存取 Context 命名空间。
type Step interface {
	// Name 步骤唯一标识
	Name() string
	// DependsOn 依赖的步骤名
	DependsOn() []string
	// Execute 执行步骤。返回错误或 StatusFailed 都会走 OnFailure 决策。
	Execute(ctx context.Context, wc *Context) (StepResult, error)
}

// FailurePolicy 可选接口：失败后决定重试/跳过/降级/中止。
// 未实现时默认中止。
type FailurePolicy interface {
	OnFailure(wc *Context, err error, attempt int) FailureAction
}

// Skipper 可选接口：按上下文决定是否跳过本步骤
type Skipper interface {
	ShouldSkip(wc *Context) bool
}

// Degrader 可选接口：FailureAction 为 degrade 时的降级执行
type Degrader interface {
	Degrade(ctx context.Context, wc *Context, cause error) (StepResult, error)
}

// Canceller 可选接口：客户端断开时引擎回调在途步骤
type Canceller interface {
	Cancel()
}
