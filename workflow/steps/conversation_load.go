package steps

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/conversation"
	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/workflow"
)

// ConversationLoadStep 内部通道会话历史装配。
// 取 token 预算内的历史窗口，前插到本次请求消息之前；
// 新到消息的副本留在命名空间，落库步骤只持久化这部分。
type ConversationLoadStep struct {
	conversations *conversation.Manager
	logger        *zap.Logger
}

// NewConversationLoadStep 创建会话装配步骤
func NewConversationLoadStep(d Deps) *ConversationLoadStep {
	return &ConversationLoadStep{
		conversations: d.Conversations,
		logger:        d.Logger.With(zap.String("step", workflow.StepConversationLoad)),
	}
}

func (s *ConversationLoadStep) Name() string        { return workflow.StepConversationLoad }
func (s *ConversationLoadStep) DependsOn() []string { return []string{workflow.StepValidation} }

// ShouldSkip 无会话 ID 的内部请求按无状态处理
func (s *ConversationLoadStep) ShouldSkip(wc *workflow.Context) bool {
	return !wc.Success || wc.SessionID == ""
}

func (s *ConversationLoadStep) Execute(ctx context.Context, wc *workflow.Context) (workflow.StepResult, error) {
	session, err := s.conversations.EnsureSession(ctx, wc.SessionID, wc.UserID)
	if err != nil {
		return workflow.StepResult{Status: workflow.StatusFailed, Message: err.Error()}, err
	}

	history, err := s.conversations.History(ctx, wc.SessionID)
	if err != nil {
		return workflow.StepResult{Status: workflow.StatusFailed, Message: err.Error()}, err
	}

	incoming := append([]types.ChatMessage(nil), wc.Request.Messages...)
	wc.Set(workflow.StepConversationLoad, keyHistoryLen, len(history))
	wc.Set(workflow.StepConversationLoad, keyPersonaID, session.AssistantID)

	if len(history) > 0 {
		wc.Request.Messages = append(history, incoming...)
	}
	return workflow.StepResult{Status: workflow.StatusSuccess}, nil
}

// OnFailure 历史装配失败不致命，降级为无历史对话
func (s *ConversationLoadStep) OnFailure(wc *workflow.Context, err error, _ int) workflow.FailureAction {
	s.logger.Warn("conversation history unavailable, continuing stateless",
		zap.String("trace_id", wc.TraceID),
		zap.String("session_id", wc.SessionID),
		zap.Error(err))
	return workflow.ActionSkip
}
