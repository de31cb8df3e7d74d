package conversation

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/repo"
	"github.com/BaSui01/gateflow/types"
)

func setupManager(t *testing.T, mutate func(*config.ConversationConfig)) (*Manager, *repo.Store) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "conversation_test.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, repo.AutoMigrate(db))
	store := repo.NewStore(db, zap.NewNop())

	cfg := config.ConversationConfig{
		HistoryTokenBudget: 8192,
		SummaryIdleWindow:  time.Hour, // 默认测试里不触发摘要
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(store, nil, cfg, nil, zap.NewNop())
	t.Cleanup(m.Close)
	return m, store
}

func userMsg(content string) types.ChatMessage {
	return types.ChatMessage{Role: types.RoleUser, Content: content}
}

func assistantMsg(content string) types.ChatMessage {
	return types.ChatMessage{Role: types.RoleAssistant, Content: content}
}

func TestAppendExchange_ReservesContiguousTurns(t *testing.T) {
	m, store := setupManager(t, nil)
	ctx := context.Background()

	_, err := m.EnsureSession(ctx, "sess-1", 42)
	require.NoError(t, err)

	require.NoError(t, m.AppendExchange(ctx, "sess-1", "some-model",
		[]types.ChatMessage{userMsg("first question please")},
		assistantMsg("first answer"), "persona-a"))
	require.NoError(t, m.AppendExchange(ctx, "sess-1", "some-model",
		[]types.ChatMessage{userMsg("second question")},
		assistantMsg("second answer"), "persona-a"))

	rows, err := store.History(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for i, row := range rows {
		assert.Equal(t, i+1, row.TurnIndex, "turn indexes are gap-free")
		assert.Positive(t, row.TokenEstimate)
		assert.Equal(t, "persona-a", row.UsedPersonaID)
	}
	assert.Equal(t, "user", rows[0].Role)
	assert.Equal(t, "assistant", rows[1].Role)

	sess, err := store.GetOrCreateSession(ctx, "sess-1", 42)
	require.NoError(t, err)
	assert.Equal(t, 4, sess.MessageCount)
	assert.NotNil(t, sess.LastActiveAt)
}

func TestAppendAssistant_SingleTurn(t *testing.T) {
	m, store := setupManager(t, nil)
	ctx := context.Background()

	_, err := m.EnsureSession(ctx, "sess-1", 42)
	require.NoError(t, err)
	require.NoError(t, m.AppendAssistant(ctx, "sess-1", "some-model", assistantMsg("regenerated"), ""))

	rows, err := store.History(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].TurnIndex)
	assert.Equal(t, "assistant", rows[0].Role)
}

func TestHistory_TrimsToTokenBudget(t *testing.T) {
	// 每条消息约 25 个 token（100 ASCII 字符），预算放得下两条多一点
	m, _ := setupManager(t, func(cfg *config.ConversationConfig) {
		cfg.HistoryTokenBudget = 60
	})
	ctx := context.Background()

	_, err := m.EnsureSession(ctx, "sess-1", 42)
	require.NoError(t, err)

	long := strings.Repeat("word ", 20) // 100 chars
	for i := 0; i < 3; i++ {
		require.NoError(t, m.AppendExchange(ctx, "sess-1", "some-model",
			[]types.ChatMessage{userMsg(long)}, assistantMsg(long), ""))
	}

	history, err := m.History(ctx, "sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Less(t, len(history), 6, "older turns dropped")

	// 留下的必须是最新的，升序排列
	assert.Equal(t, types.RoleAssistant, history[len(history)-1].Role)
}

func TestHistory_SummaryReplacesTrimmedTurns(t *testing.T) {
	m, store := setupManager(t, func(cfg *config.ConversationConfig) {
		cfg.HistoryTokenBudget = 60
	})
	ctx := context.Background()

	_, err := m.EnsureSession(ctx, "sess-1", 42)
	require.NoError(t, err)
	long := strings.Repeat("word ", 20)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.AppendExchange(ctx, "sess-1", "some-model",
			[]types.ChatMessage{userMsg(long)}, assistantMsg(long), ""))
	}
	require.NoError(t, store.UpdateSummary(ctx, "sess-1", "they talked about words"))

	history, err := m.History(ctx, "sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, types.RoleSystem, history[0].Role)
	assert.Contains(t, history[0].Content, "they talked about words")
}

func TestHistory_NoSummaryLeaderWhenNothingTrimmed(t *testing.T) {
	m, store := setupManager(t, nil)
	ctx := context.Background()

	_, err := m.EnsureSession(ctx, "sess-1", 42)
	require.NoError(t, err)
	require.NoError(t, m.AppendExchange(ctx, "sess-1", "some-model",
		[]types.ChatMessage{userMsg("hi")}, assistantMsg("hello"), ""))
	require.NoError(t, store.UpdateSummary(ctx, "sess-1", "irrelevant"))

	history, err := m.History(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 2, "summary only injected when turns were dropped")
	assert.Equal(t, types.RoleUser, history[0].Role)
}

func TestSummary_FiresAfterIdleWindow(t *testing.T) {
	m, store := setupManager(t, func(cfg *config.ConversationConfig) {
		cfg.SummaryIdleWindow = 50 * time.Millisecond
	})
	ctx := context.Background()

	_, err := m.EnsureSession(ctx, "sess-1", 42)
	require.NoError(t, err)
	require.NoError(t, m.AppendExchange(ctx, "sess-1", "some-model",
		[]types.ChatMessage{userMsg("summarize me")}, assistantMsg("ok"), ""))

	require.Eventually(t, func() bool {
		sess, err := store.GetOrCreateSession(ctx, "sess-1", 42)
		return err == nil && sess.Summary != ""
	}, 2*time.Second, 20*time.Millisecond)

	sess, err := store.GetOrCreateSession(ctx, "sess-1", 42)
	require.NoError(t, err)
	assert.Contains(t, sess.Summary, "2 turns")
	assert.Contains(t, sess.Summary, "summarize me")
}

func TestSummary_DebounceResetsOnNewMessage(t *testing.T) {
	m, store := setupManager(t, func(cfg *config.ConversationConfig) {
		cfg.SummaryIdleWindow = 120 * time.Millisecond
	})
	ctx := context.Background()

	_, err := m.EnsureSession(ctx, "sess-1", 42)
	require.NoError(t, err)
	require.NoError(t, m.AppendExchange(ctx, "sess-1", "some-model",
		[]types.ChatMessage{userMsg("one")}, assistantMsg("a"), ""))

	// 窗口过半再追加一条，计时应被重置
	time.Sleep(70 * time.Millisecond)
	require.NoError(t, m.AppendExchange(ctx, "sess-1", "some-model",
		[]types.ChatMessage{userMsg("two")}, assistantMsg("b"), ""))

	time.Sleep(70 * time.Millisecond)
	sess, err := store.GetOrCreateSession(ctx, "sess-1", 42)
	require.NoError(t, err)
	assert.Empty(t, sess.Summary, "timer reset postponed the summary")

	require.Eventually(t, func() bool {
		sess, err := store.GetOrCreateSession(ctx, "sess-1", 42)
		return err == nil && strings.Contains(sess.Summary, "4 turns")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSummary_CustomSummarizer(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "conversation_test.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, repo.AutoMigrate(db))
	store := repo.NewStore(db, zap.NewNop())

	summarize := func(_ context.Context, history []repo.ConversationMessage) (string, error) {
		return "custom summary", nil
	}
	m := NewManager(store, nil, config.ConversationConfig{
		HistoryTokenBudget: 8192,
		SummaryIdleWindow:  30 * time.Millisecond,
	}, summarize, zap.NewNop())
	t.Cleanup(m.Close)
	ctx := context.Background()

	_, err = m.EnsureSession(ctx, "sess-1", 42)
	require.NoError(t, err)
	require.NoError(t, m.AppendExchange(ctx, "sess-1", "some-model",
		[]types.ChatMessage{userMsg("hi")}, assistantMsg("hello"), ""))

	require.Eventually(t, func() bool {
		sess, err := store.GetOrCreateSession(ctx, "sess-1", 42)
		return err == nil && sess.Summary == "custom summary"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDeleteMessage_LeavesHole(t *testing.T) {
	m, store := setupManager(t, nil)
	ctx := context.Background()

	_, err := m.EnsureSession(ctx, "sess-1", 42)
	require.NoError(t, err)
	require.NoError(t, m.AppendExchange(ctx, "sess-1", "some-model",
		[]types.ChatMessage{userMsg("q1")}, assistantMsg("a1"), ""))
	require.NoError(t, m.DeleteMessage(ctx, "sess-1", 1))

	rows, err := store.History(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].TurnIndex)
}
