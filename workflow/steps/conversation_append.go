package steps

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/conversation"
	"github.com/BaSui01/gateflow/workflow"
)

// ConversationAppendStep 内部通道消息落库：本次新到的消息与助手回复
// 在一个事务里按预留的 turn_index 持久化，并触发闲时摘要调度。
type ConversationAppendStep struct {
	conversations *conversation.Manager
	logger        *zap.Logger
}

// NewConversationAppendStep 创建消息落库步骤
func NewConversationAppendStep(d Deps) *ConversationAppendStep {
	return &ConversationAppendStep{
		conversations: d.Conversations,
		logger:        d.Logger.With(zap.String("step", workflow.StepConversationAppend)),
	}
}

func (s *ConversationAppendStep) Name() string { return workflow.StepConversationAppend }
func (s *ConversationAppendStep) DependsOn() []string {
	return []string{workflow.StepResponseTransform}
}

func (s *ConversationAppendStep) ShouldSkip(wc *workflow.Context) bool {
	if wc.SessionID == "" || wc.Response == nil || len(wc.Response.Choices) == 0 {
		return true
	}
	return false
}

func (s *ConversationAppendStep) Execute(ctx context.Context, wc *workflow.Context) (workflow.StepResult, error) {
	// 历史是 conversation_load 前插的，之后的才是本次新到的消息
	historyLen := 0
	if v, ok := wc.Get(workflow.StepConversationLoad, keyHistoryLen); ok {
		historyLen, _ = v.(int)
	}
	incoming := wc.Request.Messages
	if historyLen > 0 && historyLen <= len(incoming) {
		incoming = incoming[historyLen:]
	}

	personaID := wc.GetString(workflow.StepConversationLoad, keyPersonaID)
	assistant := wc.Response.Choices[0].Message

	if err := s.conversations.AppendExchange(ctx, wc.SessionID, wc.RequestedModel, incoming, assistant, personaID); err != nil {
		return workflow.StepResult{Status: workflow.StatusFailed, Message: err.Error()}, err
	}
	return workflow.StepResult{Status: workflow.StatusSuccess}, nil
}

// OnFailure 落库失败不影响已产出的响应，跳过并记日志
func (s *ConversationAppendStep) OnFailure(wc *workflow.Context, err error, _ int) workflow.FailureAction {
	s.logger.Error("conversation append failed",
		zap.String("trace_id", wc.TraceID),
		zap.String("session_id", wc.SessionID),
		zap.Error(err))
	return workflow.ActionSkip
}
