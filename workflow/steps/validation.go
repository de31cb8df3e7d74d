package steps

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/workflow"
)

// ValidationStep 基础校验：请求体大小上限、必填 model、消息非空。
// 通过后把请求的模型名固化到上下文。
type ValidationStep struct {
	cfg    config.SecurityConfig
	logger *zap.Logger
}

// NewValidationStep 创建校验步骤
func NewValidationStep(d Deps) *ValidationStep {
	return &ValidationStep{
		cfg:    d.Cfg.Security,
		logger: d.Logger.With(zap.String("step", workflow.StepValidation)),
	}
}

func (s *ValidationStep) Name() string        { return workflow.StepValidation }
func (s *ValidationStep) DependsOn() []string { return nil }

func (s *ValidationStep) ShouldSkip(wc *workflow.Context) bool { return !wc.Success }

func (s *ValidationStep) Execute(_ context.Context, wc *workflow.Context) (workflow.StepResult, error) {
	req := wc.Request
	if req == nil {
		return failed(wc, types.NewError(types.SourceClient, types.ErrBadRequest, "missing request payload").WithHTTPStatus(400))
	}

	if max := s.cfg.MaxRequestBytes; max > 0 {
		size := s.requestSize(wc)
		if size > max {
			return failed(wc, types.NewError(types.SourceClient, types.ErrRequestTooLarge,
				fmt.Sprintf("request size %d exceeds limit %d", size, max)).WithHTTPStatus(413))
		}
	}

	if req.Model == "" {
		return failed(wc, types.NewError(types.SourceClient, types.ErrBadRequest, "model is required").WithHTTPStatus(400))
	}
	if wc.Capability == workflow.CapabilityChat && len(req.Messages) == 0 {
		return failed(wc, types.NewError(types.SourceClient, types.ErrBadRequest, "messages must not be empty").WithHTTPStatus(400))
	}

	wc.RequestedModel = req.Model
	wc.Streaming = req.Stream
	return workflow.StepResult{Status: workflow.StatusSuccess}, nil
}

// requestSize 优先用入口原始字节数；内部通道直接序列化规范化请求估算
func (s *ValidationStep) requestSize(wc *workflow.Context) int64 {
	if raw, ok := wc.Get(workflow.StepRequestAdapter, keyRawBody); ok {
		if b, ok := raw.([]byte); ok {
			return int64(len(b))
		}
	}
	b, err := json.Marshal(wc.Request)
	if err != nil {
		return 0
	}
	return int64(len(b))
}
