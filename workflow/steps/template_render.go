package steps

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/internal/secrets"
	"github.com/BaSui01/gateflow/transform"
	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/upstream"
	"github.com/BaSui01/gateflow/workflow"
)

// TemplateRenderStep 为故障转移列表中的每个候选渲染上游请求：
// 模板展开、URL 推导、凭证解析与认证注入。
// 单个候选渲染失败只是从列表中剔除，全部失败才中止。
type TemplateRenderStep struct {
	secrets *secrets.Resolver
	logger  *zap.Logger
}

// NewTemplateRenderStep 创建模板渲染步骤
func NewTemplateRenderStep(d Deps) *TemplateRenderStep {
	return &TemplateRenderStep{
		secrets: d.Secrets,
		logger:  d.Logger.With(zap.String("step", workflow.StepTemplateRender)),
	}
}

func (s *TemplateRenderStep) Name() string        { return workflow.StepTemplateRender }
func (s *TemplateRenderStep) DependsOn() []string { return []string{workflow.StepRouting} }

func (s *TemplateRenderStep) ShouldSkip(wc *workflow.Context) bool { return !wc.Success }

func (s *TemplateRenderStep) Execute(ctx context.Context, wc *workflow.Context) (workflow.StepResult, error) {
	cands := make([]types.UpstreamCandidate, 0, 1+len(wc.Failovers))
	cands = append(cands, *wc.Selected)
	cands = append(cands, wc.Failovers...)

	vars := map[string]any{
		"trace_id":   wc.TraceID,
		"session_id": wc.SessionID,
		"model":      wc.RequestedModel,
		"channel":    string(wc.Channel),
	}

	attempts := make([]upstream.Attempt, 0, len(cands))
	for i := range cands {
		att, err := s.render(ctx, &cands[i], wc, vars)
		if err != nil {
			s.logger.Warn("candidate dropped: render failed",
				zap.String("trace_id", wc.TraceID),
				zap.String("candidate", cands[i].Key()),
				zap.Error(err))
			continue
		}
		attempts = append(attempts, att)
	}

	if len(attempts) == 0 {
		return failed(wc, types.NewError(types.SourceGateway, types.ErrTemplateRenderFailed,
			"no candidate produced a renderable upstream request").WithHTTPStatus(502))
	}

	wc.Selected = attempts[0].Candidate
	wc.Set(workflow.StepTemplateRender, keyAttempts, attempts)
	return workflow.StepResult{Status: workflow.StatusSuccess}, nil
}

func (s *TemplateRenderStep) render(ctx context.Context, cand *types.UpstreamCandidate, wc *workflow.Context, vars map[string]any) (upstream.Attempt, error) {
	rendered, err := transform.RenderRequest(cand, wc.Request, vars)
	if err != nil {
		return upstream.Attempt{}, err
	}

	if cand.AuthType != types.AuthNone {
		secret, err := s.secrets.Resolve(ctx, cand.Provider, cand.AuthConfig.SecretRefID)
		if err != nil {
			return upstream.Attempt{}, err
		}
		url, err := transform.ApplyAuth(rendered.Headers, rendered.URL, cand.AuthType, cand.AuthConfig.HeaderName, string(secret))
		if err != nil {
			return upstream.Attempt{}, err
		}
		rendered.URL = url
	}

	return upstream.Attempt{Candidate: cand, Request: rendered}, nil
}
