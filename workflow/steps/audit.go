package steps

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/repo"
	"github.com/BaSui01/gateflow/workflow"
)

// AuditLogStep 终点步骤：把上下文的非敏感投影落到追加型审计槽。
// 无论管线成败都执行，失败请求的错误字段一并入档。
type AuditLogStep struct {
	sink   repo.AuditSink
	logger *zap.Logger
}

// NewAuditLogStep 创建审计步骤
func NewAuditLogStep(d Deps) *AuditLogStep {
	return &AuditLogStep{
		sink:   d.Audit,
		logger: d.Logger.With(zap.String("step", workflow.StepAuditLog)),
	}
}

func (s *AuditLogStep) Name() string        { return workflow.StepAuditLog }
func (s *AuditLogStep) DependsOn() []string { return nil }

func (s *AuditLogStep) Execute(ctx context.Context, wc *workflow.Context) (workflow.StepResult, error) {
	timings, err := json.Marshal(wc.StepTimings)
	if err != nil {
		timings = []byte("{}")
	}

	row := &repo.GatewayLog{
		TraceID:       wc.TraceID,
		Channel:       string(wc.Channel),
		Capability:    string(wc.Capability),
		UserID:        wc.UserID,
		Tenant:        wc.TenantID,
		APIKeyID:      wc.APIKeyID,
		Model:         wc.RequestedModel,
		Provider:      wc.Upstream.Provider,
		UpstreamModel: wc.Upstream.Model,
		StatusCode:    wc.Upstream.StatusCode,
		ErrorSource:   string(wc.ErrorSource),
		ErrorCode:     string(wc.ErrorCode),
		InputTokens:   wc.Billing.InputTokens,
		OutputTokens:  wc.Billing.OutputTokens,
		TotalCost:     wc.Billing.TotalCost,
		LatencyMS:     wc.TotalDurationMS(),
		StepDurations: string(timings),
		CreatedAt:     time.Now(),
	}

	// 客户端断开也要入档，不跟随请求上下文的取消
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.sink.Append(auditCtx, row); err != nil {
		return workflow.StepResult{Status: workflow.StatusFailed, Message: err.Error()}, err
	}
	return workflow.StepResult{Status: workflow.StatusSuccess}, nil
}

// OnFailure 审计失败只记日志，绝不反噬请求
func (s *AuditLogStep) OnFailure(wc *workflow.Context, err error, _ int) workflow.FailureAction {
	s.logger.Error("audit append failed",
		zap.String("trace_id", wc.TraceID), zap.Error(err))
	return workflow.ActionSkip
}
