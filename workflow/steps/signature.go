package steps

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/auth"
	"github.com/BaSui01/gateflow/repo"
	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/workflow"
)

// SignatureVerifyStep 外部通道签名校验。
// 通过后把密钥身份写入上下文，并按密钥的模型白名单做准入。
type SignatureVerifyStep struct {
	verifier *auth.SignatureVerifier
	logger   *zap.Logger
}

// NewSignatureVerifyStep 创建签名校验步骤
func NewSignatureVerifyStep(d Deps) *SignatureVerifyStep {
	return &SignatureVerifyStep{
		verifier: d.Verifier,
		logger:   d.Logger.With(zap.String("step", workflow.StepSignatureVerify)),
	}
}

func (s *SignatureVerifyStep) Name() string        { return workflow.StepSignatureVerify }
func (s *SignatureVerifyStep) DependsOn() []string { return []string{workflow.StepValidation} }

func (s *SignatureVerifyStep) ShouldSkip(wc *workflow.Context) bool {
	return !wc.Success || wc.IsInternal()
}

func (s *SignatureVerifyStep) Execute(ctx context.Context, wc *workflow.Context) (workflow.StepResult, error) {
	raw, ok := wc.Get(workflow.StepSignatureVerify, keySignatureInput)
	if !ok {
		return failed(wc, types.NewError(types.SourceClient, types.ErrUnauthorized, "missing signature headers").WithHTTPStatus(401))
	}
	in, _ := raw.(auth.SignatureInput)

	key, err := s.verifier.Verify(ctx, in)
	if err != nil {
		return failed(wc, err)
	}

	if !modelAllowed(key, wc.RequestedModel) {
		return failed(wc, types.NewError(types.SourcePolicy, types.ErrModelNotAllowed,
			"model "+wc.RequestedModel+" is not allowed for this key").WithHTTPStatus(403))
	}

	wc.APIKeyID = key.ID
	wc.UserID = key.UserID
	wc.TenantID = key.Tenant
	wc.Set(workflow.StepSignatureVerify, keyAPIKey, key)
	return workflow.StepResult{Status: workflow.StatusSuccess}, nil
}

// modelAllowed 密钥的 allowed_models 为空表示不限
func modelAllowed(key *repo.APIKey, model string) bool {
	allowed := strings.TrimSpace(key.AllowedModels)
	if allowed == "" {
		return true
	}
	for _, m := range strings.Split(allowed, ",") {
		if strings.TrimSpace(m) == model {
			return true
		}
	}
	return false
}
