package steps

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/workflow"
)

// MemoryWriteStep 外部聊天成功后异步判定用户消息是否包含值得
// 长期记忆的个人事实，命中则写入用户记忆库。
// 后台任务的错误只记日志，永不影响请求结果。
// 流式请求同样走本层：上游步骤同步排空流之后才会进入这里。
type MemoryWriteStep struct {
	memory     MemoryStore
	classifier MemoryClassifier
	logger     *zap.Logger
}

// NewMemoryWriteStep 创建记忆写入步骤
func NewMemoryWriteStep(d Deps) *MemoryWriteStep {
	return &MemoryWriteStep{
		memory:     d.Memory,
		classifier: d.Classifier,
		logger:     d.Logger.With(zap.String("step", workflow.StepMemoryWrite)),
	}
}

func (s *MemoryWriteStep) Name() string        { return workflow.StepMemoryWrite }
func (s *MemoryWriteStep) DependsOn() []string { return []string{workflow.StepResponseTransform} }

func (s *MemoryWriteStep) ShouldSkip(wc *workflow.Context) bool {
	if s.memory == nil || s.classifier == nil {
		return true
	}
	if !wc.Success || !wc.IsExternal() {
		return true
	}
	return wc.Capability != workflow.CapabilityChat || lastUserMessage(wc) == ""
}

func (s *MemoryWriteStep) Execute(_ context.Context, wc *workflow.Context) (workflow.StepResult, error) {
	s.dispatch(wc)
	return workflow.StepResult{Status: workflow.StatusSuccess}, nil
}

// dispatch 异步投递记忆写入任务，分类与落库都带 10s 超时
func (s *MemoryWriteStep) dispatch(wc *workflow.Context) {
	message := lastUserMessage(wc)
	if message == "" {
		return
	}
	userID := wc.UserID
	traceID := wc.TraceID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fact, ok := s.classifier(ctx, message)
		if !ok {
			return
		}
		if err := s.memory.Upsert(ctx, userID, fact); err != nil {
			s.logger.Warn("memory upsert failed",
				zap.String("trace_id", traceID),
				zap.Int64("user_id", userID),
				zap.Error(err))
		}
	}()
}

// lastUserMessage 取本次请求的最后一条用户消息
func lastUserMessage(wc *workflow.Context) string {
	if wc.Request == nil {
		return ""
	}
	for i := len(wc.Request.Messages) - 1; i >= 0; i-- {
		if wc.Request.Messages[i].Role == types.RoleUser {
			return wc.Request.Messages[i].Content
		}
	}
	return ""
}
