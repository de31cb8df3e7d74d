package steps

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/quota"
	"github.com/BaSui01/gateflow/tokenizer"
	"github.com/BaSui01/gateflow/workflow"
)

// QuotaCheckStep 预检配额：先扣请求数，再按预估 token 扣减。
// 预估值写入命名空间，计费步骤按实际用量结算差额。
type QuotaCheckStep struct {
	quota  *quota.Manager
	logger *zap.Logger
}

// NewQuotaCheckStep 创建配额预检步骤
func NewQuotaCheckStep(d Deps) *QuotaCheckStep {
	return &QuotaCheckStep{
		quota:  d.Quota,
		logger: d.Logger.With(zap.String("step", workflow.StepQuotaCheck)),
	}
}

func (s *QuotaCheckStep) Name() string        { return workflow.StepQuotaCheck }
func (s *QuotaCheckStep) DependsOn() []string { return []string{workflow.StepValidation} }

func (s *QuotaCheckStep) ShouldSkip(wc *workflow.Context) bool { return !wc.Success }

func (s *QuotaCheckStep) Execute(ctx context.Context, wc *workflow.Context) (workflow.StepResult, error) {
	estimated := estimateTokens(wc)
	wc.Set(workflow.StepQuotaCheck, keyEstimatedTokens, estimated)

	reqDec, err := s.quota.CheckDeduct(ctx, wc.APIKeyID, quota.KindRequests, 1)
	if err != nil {
		return failed(wc, err)
	}
	if !reqDec.Allowed {
		return failed(wc, quota.ExceededError(quota.KindRequests))
	}

	tokDec, err := s.quota.CheckDeduct(ctx, wc.APIKeyID, quota.KindTokens, estimated)
	if err != nil {
		s.refundRequests(ctx, wc)
		return failed(wc, err)
	}
	if !tokDec.Allowed {
		s.refundRequests(ctx, wc)
		return failed(wc, quota.ExceededError(quota.KindTokens))
	}

	return workflow.StepResult{Status: workflow.StatusSuccess}, nil
}

func (s *QuotaCheckStep) refundRequests(ctx context.Context, wc *workflow.Context) {
	if err := s.quota.Refund(ctx, wc.APIKeyID, quota.KindRequests, 1); err != nil {
		s.logger.Warn("request quota refund failed",
			zap.String("trace_id", wc.TraceID), zap.Error(err))
	}
}

// estimateTokens 预估本次请求的 prompt token 数。
// MaxTokens 设置时计入输出预算，避免 TPM/配额被流式长输出穿透。
func estimateTokens(wc *workflow.Context) int64 {
	req := wc.Request
	if req == nil {
		return 0
	}
	msgs := make([]tokenizer.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = tokenizer.Message{Role: string(m.Role), Content: m.Content}
	}
	count, err := tokenizer.ForModel(req.Model).CountMessages(msgs)
	if err != nil || count <= 0 {
		count = 1
	}
	if req.MaxTokens > 0 {
		count += req.MaxTokens
	}
	return int64(count)
}

// estimatedFromContext 读取配额步骤写入的预估值
func estimatedFromContext(wc *workflow.Context) int64 {
	if v, ok := wc.Get(workflow.StepQuotaCheck, keyEstimatedTokens); ok {
		if n, ok := v.(int64); ok {
			return n
		}
	}
	return estimateTokens(wc)
}
