package steps

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/transform"
	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/workflow"
)

// RequestAdapterStep 把入口协议（OpenAI chat / Anthropic messages /
// OpenAI responses）的原始请求体翻译成规范化请求。
// API 层把原始字节与方言写入本步骤命名空间后再启动管线。
type RequestAdapterStep struct {
	logger *zap.Logger
}

// NewRequestAdapterStep 创建请求适配步骤
func NewRequestAdapterStep(d Deps) *RequestAdapterStep {
	return &RequestAdapterStep{logger: d.Logger.With(zap.String("step", workflow.StepRequestAdapter))}
}

func (s *RequestAdapterStep) Name() string        { return workflow.StepRequestAdapter }
func (s *RequestAdapterStep) DependsOn() []string { return nil }

// ShouldSkip API 层已直接给出规范化请求时跳过翻译
func (s *RequestAdapterStep) ShouldSkip(wc *workflow.Context) bool {
	if !wc.Success {
		return true
	}
	_, ok := wc.Get(workflow.StepRequestAdapter, keyRawBody)
	return !ok && wc.Request != nil
}

func (s *RequestAdapterStep) Execute(_ context.Context, wc *workflow.Context) (workflow.StepResult, error) {
	raw, ok := wc.Get(workflow.StepRequestAdapter, keyRawBody)
	if !ok {
		return failed(wc, types.NewError(types.SourceClient, types.ErrBadRequest, "empty request body").WithHTTPStatus(400))
	}
	body, _ := raw.([]byte)

	var (
		req *types.ChatRequest
		err error
	)
	switch wc.GetString(workflow.StepRequestAdapter, keyDialect) {
	case DialectAnthropic:
		req, err = transform.AdaptAnthropicMessages(body)
	case DialectResponses:
		req, err = transform.AdaptResponses(body)
	default:
		req, err = transform.AdaptOpenAIChat(body)
	}
	if err != nil {
		return failed(wc, err)
	}

	wc.Request = req
	wc.Streaming = req.Stream
	return workflow.StepResult{Status: workflow.StatusSuccess}, nil
}

// failed 统一失败路径：标记上下文错误并返回失败结果
func failed(wc *workflow.Context, err error) (workflow.StepResult, error) {
	wc.MarkGatewayError(err)
	return workflow.StepResult{Status: workflow.StatusFailed, Message: err.Error()}, err
}
