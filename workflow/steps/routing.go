package steps

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/routing"
	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/workflow"
)

// RoutingStep 选路：收集候选、过滤、按策略排序，产出有序故障转移列表。
// 表头写入 Selected，其余留给上游调用步骤迭代。
type RoutingStep struct {
	selector *routing.Selector
	logger   *zap.Logger
}

// NewRoutingStep 创建选路步骤
func NewRoutingStep(d Deps) *RoutingStep {
	return &RoutingStep{
		selector: d.Selector,
		logger:   d.Logger.With(zap.String("step", workflow.StepRouting)),
	}
}

func (s *RoutingStep) Name() string        { return workflow.StepRouting }
func (s *RoutingStep) DependsOn() []string { return []string{workflow.StepValidation} }

func (s *RoutingStep) ShouldSkip(wc *workflow.Context) bool { return !wc.Success }

func (s *RoutingStep) Execute(ctx context.Context, wc *workflow.Context) (workflow.StepResult, error) {
	cands, err := s.selector.Select(ctx, routing.SelectInput{
		PublicModel: wc.RequestedModel,
		Channel:     wc.Channel,
		UserID:      wc.UserID,
		SessionID:   wc.SessionID,
		Request:     wc.Request,
	})
	if err != nil {
		return workflow.StepResult{Status: workflow.StatusFailed, Message: err.Error()}, err
	}

	wc.Selected = &cands[0]
	wc.Failovers = cands[1:]
	s.logger.Debug("failover list ordered",
		zap.String("trace_id", wc.TraceID),
		zap.String("model", wc.RequestedModel),
		zap.String("selected", cands[0].Key()),
		zap.Int("candidates", len(cands)))
	return workflow.StepResult{Status: workflow.StatusSuccess}, nil
}

// OnFailure 瞬时失败（仓储抖动）重试一次；无候选直接中止
func (s *RoutingStep) OnFailure(wc *workflow.Context, err error, attempt int) workflow.FailureAction {
	if types.GetErrorCode(err) == types.ErrNoAvailableUpstream {
		wc.MarkGatewayError(err)
		return workflow.ActionAbort
	}
	if attempt == 1 {
		return workflow.ActionRetry
	}
	wc.MarkGatewayError(err)
	return workflow.ActionAbort
}
