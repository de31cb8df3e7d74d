package steps

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/quota"
	"github.com/BaSui01/gateflow/routing"
	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/upstream"
	"github.com/BaSui01/gateflow/workflow"
)

// UpstreamCallStep 上游调用：按渲染好的尝试列表走故障转移，
// 每次尝试经观测回调回写摇臂状态。流式请求走 SSE 中继，
// 中途断流不再转移，但已送达部分的用量仍进入计费。
type UpstreamCallStep struct {
	caller   *upstream.Caller
	selector *routing.Selector
	quota    *quota.Manager
	logger   *zap.Logger
}

// NewUpstreamCallStep 创建上游调用步骤
func NewUpstreamCallStep(d Deps) *UpstreamCallStep {
	return &UpstreamCallStep{
		caller:   d.Caller,
		selector: d.Selector,
		quota:    d.Quota,
		logger:   d.Logger.With(zap.String("step", workflow.StepUpstreamCall)),
	}
}

func (s *UpstreamCallStep) Name() string        { return workflow.StepUpstreamCall }
func (s *UpstreamCallStep) DependsOn() []string { return []string{workflow.StepTemplateRender} }

func (s *UpstreamCallStep) ShouldSkip(wc *workflow.Context) bool { return !wc.Success }

func (s *UpstreamCallStep) Execute(ctx context.Context, wc *workflow.Context) (workflow.StepResult, error) {
	raw, ok := wc.Get(workflow.StepTemplateRender, keyAttempts)
	if !ok {
		return failed(wc, types.NewError(types.SourceGateway, types.ErrInternal, "no rendered upstream attempts").WithHTTPStatus(500))
	}
	attempts, _ := raw.([]upstream.Attempt)

	observe := func(cand *types.UpstreamCandidate, success bool, latency time.Duration) {
		s.selector.Feedback(ctx, cand, wc.SessionID, wc.RequestedModel, routing.Outcome{
			Success:   success,
			LatencyMS: float64(latency) / float64(time.Millisecond),
		})
	}

	if wc.Streaming {
		return s.stream(ctx, wc, attempts, observe)
	}
	return s.call(ctx, wc, attempts, observe)
}

func (s *UpstreamCallStep) call(ctx context.Context, wc *workflow.Context, attempts []upstream.Attempt, observe upstream.Observer) (workflow.StepResult, error) {
	res, err := s.caller.Call(ctx, attempts, observe)
	if err != nil {
		s.refundEstimate(ctx, wc)
		s.recordFailure(wc, err, res)
		return failed(wc, err)
	}

	wc.Selected = res.Candidate
	wc.Upstream = workflow.UpstreamResult{
		Provider:   res.Candidate.Provider,
		Model:      res.Candidate.UpstreamModel,
		StatusCode: res.Status,
		LatencyMS:  float64(res.Latency) / float64(time.Millisecond),
		RetryCount: res.Attempts - 1,
	}
	wc.Set(workflow.StepUpstreamCall, keyCallResult, res)
	return workflow.StepResult{Status: workflow.StatusSuccess}, nil
}

func (s *UpstreamCallStep) stream(ctx context.Context, wc *workflow.Context, attempts []upstream.Attempt, observe upstream.Observer) (workflow.StepResult, error) {
	sinkRaw, ok := wc.Get(workflow.StepUpstreamCall, keyStreamSink)
	if !ok {
		return failed(wc, types.NewError(types.SourceGateway, types.ErrInternal, "streaming request without a client sink").WithHTTPStatus(500))
	}
	sink, _ := sinkRaw.(upstream.StreamSink)

	res, err := s.caller.Stream(ctx, attempts, wc.RequestedModel, sink, observe)
	if res != nil {
		if res.Candidate != nil {
			wc.Selected = res.Candidate
			wc.Upstream = workflow.UpstreamResult{
				Provider:   res.Candidate.Provider,
				Model:      res.Candidate.UpstreamModel,
				StatusCode: res.Status,
				LatencyMS:  float64(res.Latency) / float64(time.Millisecond),
				RetryCount: res.Attempts - 1,
			}
		}
		wc.Set(workflow.StepUpstreamCall, keyStreamResult, res)
	}

	if err != nil {
		s.recordFailure(wc, err, nil)
		if res != nil && res.Frames > 0 {
			// 首字节之后的断流：不可转移，但已送达帧照常计费，
			// 后续步骤继续跑完结算与审计
			wc.MarkGatewayError(err)
			return workflow.StepResult{Status: workflow.StatusDegraded, Message: err.Error()}, nil
		}
		s.refundEstimate(ctx, wc)
		return failed(wc, err)
	}
	return workflow.StepResult{Status: workflow.StatusSuccess}, nil
}

// refundEstimate 上游致命失败时回补预检阶段扣掉的 token 估算
func (s *UpstreamCallStep) refundEstimate(ctx context.Context, wc *workflow.Context) {
	estimated := estimatedFromContext(wc)
	if estimated <= 0 {
		return
	}
	if err := s.quota.Refund(ctx, wc.APIKeyID, quota.KindTokens, estimated); err != nil {
		s.logger.Warn("token quota refund failed",
			zap.String("trace_id", wc.TraceID), zap.Error(err))
	}
}

func (s *UpstreamCallStep) recordFailure(wc *workflow.Context, err error, res *upstream.Result) {
	wc.Upstream.ErrorCode = string(types.GetErrorCode(err))
	if res != nil {
		wc.Upstream.StatusCode = res.Status
	} else if ge, ok := err.(*types.Error); ok {
		wc.Upstream.StatusCode = ge.HTTPStatus
	}
}
