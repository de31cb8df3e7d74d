package repo

import (
	"context"
	"errors"

	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 📋 仓储契约
// =============================================================================

// 哨兵错误
var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("optimistic lock version conflict")
)

// CandidateRepo 按公开模型名收集可用上游候选。
// 每个 (实例, 模型, 凭证) 展开为一个候选，附带摇臂快照。
type CandidateRepo interface {
	GatherCandidates(ctx context.Context, publicModel string, channel types.Channel, userID int64) ([]types.UpstreamCandidate, error)
	ListModels(ctx context.Context) ([]ProviderModel, error)
}

// BanditRepo 摇臂状态读写。UpdateArmCAS 在版本不匹配时返回
// ErrVersionConflict，调用方重读重试。
type BanditRepo interface {
	EnsureArm(ctx context.Context, candidateKey string) (*types.BanditArm, error)
	GetArms(ctx context.Context, candidateKeys []string) (map[string]*types.BanditArm, error)
	UpdateArmCAS(ctx context.Context, arm *types.BanditArm) error
}

// KeyRepo 密钥与用户查询
type KeyRepo interface {
	GetByKeyHash(ctx context.Context, keyHash string) (*APIKey, error)
	GetUser(ctx context.Context, id int64) (*User, error)
}

// QuotaRepo 配额读写。AddUsed 以增量方式原子更新 used。
type QuotaRepo interface {
	Get(ctx context.Context, apiKeyID int64, kind string) (*QuotaRecord, error)
	AddUsed(ctx context.Context, apiKeyID int64, kind string, delta int64) error
}

// ConversationRepo 会话与消息。ReserveTurns 原子预留 n 个 turn_index，
// 返回第一个预留下标；AppendMessages 在单事务内落库。
type ConversationRepo interface {
	GetOrCreateSession(ctx context.Context, sessionID string, userID int64) (*ConversationSession, error)
	ReserveTurns(ctx context.Context, sessionID string, n int) (firstTurn int, err error)
	AppendMessages(ctx context.Context, messages []ConversationMessage) error
	History(ctx context.Context, sessionID string, limit int) ([]ConversationMessage, error)
	UpdateSummary(ctx context.Context, sessionID, summary string) error
	DeleteMessage(ctx context.Context, sessionID string, turnIndex int) error
}

// AuditSink 审计行追加（gorm 表或 mongo 集合）
type AuditSink interface {
	Append(ctx context.Context, row *GatewayLog) error
}
