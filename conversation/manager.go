package conversation

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/internal/cache"
	"github.com/BaSui01/gateflow/repo"
	"github.com/BaSui01/gateflow/tokenizer"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 💬 会话管理器
// =============================================================================

// Summarizer 生成会话摘要。拿到升序历史，返回新摘要文本。
// 为 nil 时退化为内置的轮次概要。
type Summarizer func(ctx context.Context, history []repo.ConversationMessage) (string, error)

// Manager 会话核心：轮次预留、消息落库、历史裁剪、摘要调度
type Manager struct {
	repo      repo.ConversationRepo
	cache     *cache.Manager
	cacheKeys cache.Keys
	cfg       config.ConversationConfig
	summarize Summarizer
	logger    *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
	closed bool
}

// NewManager 创建会话管理器。cacheMgr 可为 nil（摘要任务退化为纯进程内防抖）。
func NewManager(convRepo repo.ConversationRepo, cacheMgr *cache.Manager, cfg config.ConversationConfig, summarize Summarizer, logger *zap.Logger) *Manager {
	if cfg.HistoryTokenBudget <= 0 {
		cfg.HistoryTokenBudget = 8192
	}
	if cfg.SummaryIdleWindow <= 0 {
		cfg.SummaryIdleWindow = 2 * time.Minute
	}
	return &Manager{
		repo:      convRepo,
		cache:     cacheMgr,
		cfg:       cfg,
		summarize: summarize,
		logger:    logger.With(zap.String("component", "conversation")),
		timers:    make(map[string]*time.Timer),
	}
}

// EnsureSession 取回或建立会话
func (m *Manager) EnsureSession(ctx context.Context, sessionID string, userID int64) (*repo.ConversationSession, error) {
	return m.repo.GetOrCreateSession(ctx, sessionID, userID)
}

// AppendExchange 把一轮交互（用户消息 + 助手回复）写入会话：
// 原子预留连续 turn_index，单事务落库，然后重置摘要防抖计时。
func (m *Manager) AppendExchange(ctx context.Context, sessionID, model string, userMsgs []types.ChatMessage, assistant types.ChatMessage, personaID string) error {
	total := len(userMsgs) + 1
	first, err := m.repo.ReserveTurns(ctx, sessionID, total)
	if err != nil {
		return err
	}

	counter := tokenizer.ForModel(model)
	rows := make([]repo.ConversationMessage, 0, total)
	for i, msg := range userMsgs {
		rows = append(rows, m.toRow(sessionID, first+i, msg, personaID, counter))
	}
	rows = append(rows, m.toRow(sessionID, first+len(userMsgs), assistant, personaID, counter))

	if err := m.repo.AppendMessages(ctx, rows); err != nil {
		return err
	}

	m.scheduleSummary(sessionID)
	return nil
}

// AppendAssistant 流式终结器用：单独补写助手消息（用户消息已在流开始前落库时不适用，
// 网关的流式路径在收尾时一次性写入，走 AppendExchange；此方法服务重生成等单条场景）。
func (m *Manager) AppendAssistant(ctx context.Context, sessionID, model string, assistant types.ChatMessage, personaID string) error {
	first, err := m.repo.ReserveTurns(ctx, sessionID, 1)
	if err != nil {
		return err
	}
	counter := tokenizer.ForModel(model)
	if err := m.repo.AppendMessages(ctx, []repo.ConversationMessage{
		m.toRow(sessionID, first, assistant, personaID, counter),
	}); err != nil {
		return err
	}
	m.scheduleSummary(sessionID)
	return nil
}

func (m *Manager) toRow(sessionID string, turn int, msg types.ChatMessage, personaID string, counter tokenizer.Counter) repo.ConversationMessage {
	estimate, err := counter.CountText(msg.Content)
	if err != nil {
		estimate = 0
	}
	return repo.ConversationMessage{
		SessionID:     sessionID,
		TurnIndex:     turn,
		Role:          string(msg.Role),
		Content:       msg.Content,
		RawBlocks:     string(msg.RawBlocks),
		TokenEstimate: estimate,
		UsedPersonaID: personaID,
	}
}

// historyLoadLimit 裁剪前最多捞取的消息条数
const historyLoadLimit = 200

// History 加载会话历史拼入提示：从最新往回保留直到 token 预算耗尽，
// 被裁掉的早期轮次由会话摘要（若有）以 system 消息顶替。
func (m *Manager) History(ctx context.Context, sessionID string) ([]types.ChatMessage, error) {
	sess, err := m.repo.GetOrCreateSession(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	msgs, err := m.repo.History(ctx, sessionID, historyLoadLimit)
	if err != nil {
		return nil, err
	}

	budget := m.cfg.HistoryTokenBudget
	summaryCost := 0
	if sess.Summary != "" {
		if n, err := tokenizer.ForModel("").CountText(sess.Summary); err == nil {
			summaryCost = n
		}
	}

	// 从尾部回收，最新消息优先保留
	kept := 0
	used := summaryCost
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := msgs[i].TokenEstimate
		if cost <= 0 {
			cost = 1
		}
		if used+cost > budget && kept > 0 {
			break
		}
		used += cost
		kept++
	}

	trimmed := len(msgs) > kept
	out := make([]types.ChatMessage, 0, kept+1)
	if sess.Summary != "" && trimmed {
		out = append(out, types.ChatMessage{
			Role:    types.RoleSystem,
			Content: "Earlier conversation summary: " + sess.Summary,
		})
	}
	for _, row := range msgs[len(msgs)-kept:] {
		out = append(out, types.ChatMessage{
			Role:    types.Role(row.Role),
			Content: row.Content,
		})
	}
	return out, nil
}

// DeleteMessage 软删一条消息（turn_index 留洞）
func (m *Manager) DeleteMessage(ctx context.Context, sessionID string, turnIndex int) error {
	return m.repo.DeleteMessage(ctx, sessionID, turnIndex)
}

// Close 取消所有待触发的摘要计时并等待在途任务
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// =============================================================================
// 📝 空闲摘要调度
// =============================================================================

// scheduleSummary 防抖：新消息到达时重置计时，空闲窗口静默后触发一次
func (m *Manager) scheduleSummary(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[sessionID]; ok {
		t.Reset(m.cfg.SummaryIdleWindow)
		return
	}
	m.timers[sessionID] = time.AfterFunc(m.cfg.SummaryIdleWindow, func() {
		m.mu.Lock()
		delete(m.timers, sessionID)
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runSummary(sessionID)
		}()
	})
}

// runSummary 摘要任务。跨实例用 pending 键抢占，失败只记日志。
func (m *Manager) runSummary(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if m.cache != nil {
		ok, err := m.cache.SetNX(ctx, m.cacheKeys.ConversationSummaryPending(sessionID), "1", m.cfg.SummaryIdleWindow)
		if err == nil && !ok {
			return // 别的实例已接手
		}
	}

	history, err := m.repo.History(ctx, sessionID, historyLoadLimit)
	if err != nil || len(history) == 0 {
		if err != nil {
			m.logger.Warn("summary history load failed", zap.String("session", sessionID), zap.Error(err))
		}
		return
	}

	summary, err := m.buildSummary(ctx, history)
	if err != nil {
		m.logger.Warn("summarizer failed", zap.String("session", sessionID), zap.Error(err))
		return
	}
	if err := m.repo.UpdateSummary(ctx, sessionID, summary); err != nil {
		m.logger.Warn("summary persist failed", zap.String("session", sessionID), zap.Error(err))
		return
	}
	m.logger.Debug("session summary updated",
		zap.String("session", sessionID), zap.Int("messages", len(history)))
}

func (m *Manager) buildSummary(ctx context.Context, history []repo.ConversationMessage) (string, error) {
	if m.summarize != nil {
		return m.summarize(ctx, history)
	}
	// 内置兜底：轮次计数 + 最近一个用户问题的截断
	var lastUser string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == string(types.RoleUser) {
			lastUser = history[i].Content
			break
		}
	}
	if len(lastUser) > 120 {
		lastUser = lastUser[:120]
	}
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(history)))
	b.WriteString(" turns")
	if lastUser != "" {
		b.WriteString("; latest topic: ")
		b.WriteString(lastUser)
	}
	return b.String(), nil
}
