package steps

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/transform"
	"github.com/BaSui01/gateflow/workflow"
)

// 脱敏后的响应体（map 形态），API 层优先序列化它
const keySanitizedBody = "body"

// SanitizeStep 按选中候选的脱敏配置处理响应体：
// remove_fields 删除路径，mask_fields 局部打码。
// 响应头的剥离在 API 层做（那里才拿得到 http.Header）。
type SanitizeStep struct {
	logger *zap.Logger
}

// NewSanitizeStep 创建脱敏步骤
func NewSanitizeStep(d Deps) *SanitizeStep {
	return &SanitizeStep{logger: d.Logger.With(zap.String("step", workflow.StepSanitize))}
}

func (s *SanitizeStep) Name() string        { return workflow.StepSanitize }
func (s *SanitizeStep) DependsOn() []string { return []string{workflow.StepResponseTransform} }

func (s *SanitizeStep) ShouldSkip(wc *workflow.Context) bool {
	if wc.Response == nil || wc.Selected == nil {
		return true
	}
	cfg := wc.Selected.Transform
	return len(cfg.RemoveFields) == 0 && len(cfg.MaskFields) == 0
}

func (s *SanitizeStep) Execute(_ context.Context, wc *workflow.Context) (workflow.StepResult, error) {
	raw, err := json.Marshal(wc.Response)
	if err != nil {
		return workflow.StepResult{Status: workflow.StatusFailed, Message: err.Error()}, err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return workflow.StepResult{Status: workflow.StatusFailed, Message: err.Error()}, err
	}

	cfg := wc.Selected.Transform
	transform.RemoveFields(body, cfg.RemoveFields)
	transform.MaskFields(body, cfg.MaskFields)

	wc.Set(workflow.StepSanitize, keySanitizedBody, body)
	return workflow.StepResult{Status: workflow.StatusSuccess}, nil
}

// OnFailure 脱敏失败宁可不发也不把原始体透出去
func (s *SanitizeStep) OnFailure(wc *workflow.Context, err error, _ int) workflow.FailureAction {
	s.logger.Error("sanitize failed, aborting response",
		zap.String("trace_id", wc.TraceID), zap.Error(err))
	wc.MarkGatewayError(err)
	return workflow.ActionAbort
}
