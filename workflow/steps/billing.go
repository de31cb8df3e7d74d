package steps

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/quota"
	"github.com/BaSui01/gateflow/workflow"
)

// BillingStep 结算：按候选定价把实际用量折算成成本，写入上下文，
// 并按实际 token 数修正预检阶段的配额扣减。同一 trace 只结算一次。
type BillingStep struct {
	quota   *quota.Manager
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewBillingStep 创建结算步骤
func NewBillingStep(d Deps) *BillingStep {
	return &BillingStep{
		quota:   d.Quota,
		metrics: d.Metrics,
		logger:  d.Logger.With(zap.String("step", workflow.StepBilling)),
	}
}

func (s *BillingStep) Name() string        { return workflow.StepBilling }
func (s *BillingStep) DependsOn() []string { return []string{workflow.StepResponseTransform} }

func (s *BillingStep) ShouldSkip(wc *workflow.Context) bool {
	return wc.Response == nil || wc.Selected == nil
}

func (s *BillingStep) Execute(ctx context.Context, wc *workflow.Context) (workflow.StepResult, error) {
	usage := wc.Response.Usage
	pricing := wc.Selected.Pricing

	billed := usage.PromptTokens
	cacheRead := usage.CacheReadTokens
	if cacheRead > billed {
		cacheRead = billed
	}
	inputCost := float64(billed-cacheRead) / 1000 * pricing.InputPer1K
	if pricing.CacheReadPer1K > 0 {
		inputCost += float64(cacheRead) / 1000 * pricing.CacheReadPer1K
	} else {
		inputCost += float64(cacheRead) / 1000 * pricing.InputPer1K
	}
	outputCost := float64(usage.CompletionTokens) / 1000 * pricing.OutputPer1K

	currency := pricing.Currency
	if currency == "" {
		currency = "USD"
	}
	wc.Billing = workflow.BillingInfo{
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		TotalTokens:  usage.TotalTokens,
		InputCost:    inputCost,
		OutputCost:   outputCost,
		TotalCost:    inputCost + outputCost,
		CacheHit:     usage.CacheReadTokens > 0,
		Currency:     currency,
	}

	if s.metrics != nil {
		s.metrics.RecordUpstreamRequest(
			wc.Upstream.Provider, wc.Upstream.Model,
			strconv.Itoa(wc.Upstream.StatusCode),
			time.Duration(wc.Upstream.LatencyMS)*time.Millisecond,
			usage.PromptTokens, usage.CompletionTokens,
			wc.Billing.TotalCost)
	}

	estimated := estimatedFromContext(wc)
	if err := s.quota.Settle(ctx, wc.APIKeyID, quota.KindTokens,
		estimated, int64(usage.TotalTokens), wc.TenantID, wc.TraceID); err != nil {
		return workflow.StepResult{Status: workflow.StatusFailed, Message: err.Error()}, err
	}
	return workflow.StepResult{Status: workflow.StatusSuccess}, nil
}

// OnFailure 结算是幂等的，模板预算内重试；耗尽后跳过不影响响应
func (s *BillingStep) OnFailure(wc *workflow.Context, err error, attempt int) workflow.FailureAction {
	if attempt <= 2 {
		return workflow.ActionRetry
	}
	s.logger.Error("usage settlement dropped after retries",
		zap.String("trace_id", wc.TraceID), zap.Error(err))
	return workflow.ActionSkip
}
