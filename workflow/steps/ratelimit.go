package steps

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/ratelimit"
	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/workflow"
)

// RateLimitStep 限流准入：滑动窗口 RPM 先行，令牌桶 TPM 在后。
// 拒绝时把 retry_after 带给响应层；剩余额度写入命名空间供响应头使用。
type RateLimitStep struct {
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// NewRateLimitStep 创建限流步骤
func NewRateLimitStep(d Deps) *RateLimitStep {
	return &RateLimitStep{
		limiter: d.Limiter,
		logger:  d.Logger.With(zap.String("step", workflow.StepRateLimit)),
	}
}

func (s *RateLimitStep) Name() string        { return workflow.StepRateLimit }
func (s *RateLimitStep) DependsOn() []string { return []string{workflow.StepValidation} }

func (s *RateLimitStep) ShouldSkip(wc *workflow.Context) bool { return !wc.Success }

func (s *RateLimitStep) Execute(ctx context.Context, wc *workflow.Context) (workflow.StepResult, error) {
	subject := rateSubject(wc)
	limits := s.limiter.ResolveLimits(wc.Channel, types.LimitConfig{})

	dec, err := s.limiter.Check(ctx, subject, limits, estimatedFromContext(wc))
	if err != nil {
		return failed(wc, err)
	}
	if dec.Degraded {
		s.logger.Warn("rate limit running in local degraded mode",
			zap.String("trace_id", wc.TraceID), zap.String("subject", subject))
		wc.Set(workflow.StepRateLimit, keyRateDegraded, true)
	}
	wc.Set(workflow.StepRateLimit, keyRateRemaining, dec.Remaining)
	wc.Set(workflow.StepRateLimit, keyRateReset, limits.WindowSeconds)

	if !dec.Allowed {
		retryAfter := dec.RetryAfter
		if retryAfter < 1 {
			retryAfter = 1
		}
		wc.Set(workflow.StepRateLimit, keyRateRetryAfter, retryAfter)
		return failed(wc, types.NewError(types.SourcePolicy, types.ErrRateLimited,
			fmt.Sprintf("rate limited on %s", dec.Kind)).
			WithHTTPStatus(429).WithRetryAfter(retryAfter))
	}
	return workflow.StepResult{Status: workflow.StatusSuccess}, nil
}

// rateSubject 限流主体：外部按密钥，内部按用户
func rateSubject(wc *workflow.Context) string {
	if wc.IsExternal() {
		return fmt.Sprintf("key:%d", wc.APIKeyID)
	}
	return fmt.Sprintf("user:%d", wc.UserID)
}
