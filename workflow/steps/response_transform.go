package steps

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/transform"
	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/upstream"
	"github.com/BaSui01/gateflow/workflow"
)

// ResponseTransformStep 把上游原始响应规范化成 OpenAI 形状。
// 流式请求从累计器组装最终响应体（给计费与落库用，客户端已经拿到帧）。
// 对外始终报告请求侧的公开模型名。
type ResponseTransformStep struct {
	logger *zap.Logger
}

// NewResponseTransformStep 创建响应规范化步骤
func NewResponseTransformStep(d Deps) *ResponseTransformStep {
	return &ResponseTransformStep{logger: d.Logger.With(zap.String("step", workflow.StepResponseTransform))}
}

func (s *ResponseTransformStep) Name() string        { return workflow.StepResponseTransform }
func (s *ResponseTransformStep) DependsOn() []string { return []string{workflow.StepUpstreamCall} }

// ShouldSkip 上游没有产出任何结果（含断流前零帧）时无事可做
func (s *ResponseTransformStep) ShouldSkip(wc *workflow.Context) bool {
	_, call := wc.Get(workflow.StepUpstreamCall, keyCallResult)
	_, stream := wc.Get(workflow.StepUpstreamCall, keyStreamResult)
	return !call && !stream
}

func (s *ResponseTransformStep) Execute(_ context.Context, wc *workflow.Context) (workflow.StepResult, error) {
	if raw, ok := wc.Get(workflow.StepUpstreamCall, keyStreamResult); ok {
		res, _ := raw.(*upstream.StreamResult)
		wc.Response = streamedResponse(wc, res)
		return workflow.StepResult{Status: workflow.StatusSuccess}, nil
	}

	raw, _ := wc.Get(workflow.StepUpstreamCall, keyCallResult)
	res, _ := raw.(*upstream.Result)

	resp, err := transform.Normalize(res.Candidate.Protocol, res.Body, wc.RequestedModel)
	if err != nil {
		return failed(wc, types.NewError(types.SourceUpstream, types.ErrUpstream5xx,
			"upstream returned an unparseable response").WithCause(err).WithHTTPStatus(502))
	}

	resp.Model = wc.RequestedModel
	wc.Response = resp
	return workflow.StepResult{Status: workflow.StatusSuccess}, nil
}

// streamedResponse 从流式累计结果组装规范化响应
func streamedResponse(wc *workflow.Context, res *upstream.StreamResult) *types.ChatResponse {
	finish := res.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return &types.ChatResponse{
		ID:      "chatcmpl-" + wc.TraceID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   wc.RequestedModel,
		Choices: []types.Choice{{
			Message: types.ChatMessage{
				Role:      types.RoleAssistant,
				Content:   res.Content,
				ToolCalls: res.ToolCalls,
			},
			FinishReason: transform.MapFinishReason(finish),
		}},
		Usage: res.Usage,
	}
}
