// Package repo defines the gateway's persistent entities and the
// repository contracts the pipeline consumes. Implementations live in
// gorm.go (relational) and audit_mongo.go (append-only log sink).
package repo

import (
	"time"

	"gorm.io/gorm"
)

// =============================================================================
// 💾 数据模型
// =============================================================================

// User 平台用户
type User struct {
	ID           int64  `gorm:"primaryKey" json:"id"`
	Username     string `gorm:"size:100;uniqueIndex;not null" json:"username"`
	PasswordHash string `gorm:"size:255;not null" json:"-"`
	// 改密/强制下线时递增，旧 JWT 立即失效
	TokenVersion int       `gorm:"default:0" json:"token_version"`
	Status       string    `gorm:"size:20;default:active" json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// APIKey 外部通道的签名密钥。key 本体与 secret 均只存哈希，
// SecretHint 仅保留展示用尾号（如 "****a1b2"）。
type APIKey struct {
	ID         int64  `gorm:"primaryKey" json:"id"`
	UserID     int64  `gorm:"index;not null" json:"user_id"`
	KeyHash    string `gorm:"size:64;uniqueIndex;not null" json:"-"`
	SecretHash string `gorm:"size:255;not null" json:"-"`
	SecretHint string `gorm:"size:16" json:"secret_hint"`
	Name       string `gorm:"size:100" json:"name"`
	Tenant     string `gorm:"size:64;index" json:"tenant"`
	Enabled    bool   `gorm:"default:true" json:"enabled"`
	// 允许的模型（逗号分隔，空为不限）
	AllowedModels string     `gorm:"type:text" json:"allowed_models"`
	ExpiresAt     *time.Time `json:"expires_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ProviderPreset 提供商预设（协议、模板、脱敏规则的模板集合）。
// RequestTemplate / ResponseTransform 存 JSON 序列化的
// types.TemplateConfig / types.TransformConfig。
type ProviderPreset struct {
	ID                int64     `gorm:"primaryKey" json:"id"`
	Name              string    `gorm:"size:100;uniqueIndex;not null" json:"name"`
	Provider          string    `gorm:"size:50;not null" json:"provider"`
	Protocol          string    `gorm:"size:20;not null;default:openai" json:"protocol"`
	RequestTemplate   string    `gorm:"type:text" json:"request_template"`
	ResponseTransform string    `gorm:"type:text" json:"response_transform"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ProviderInstance 某预设的一个部署实例（base_url + 凭证集合）
type ProviderInstance struct {
	ID       int64  `gorm:"primaryKey" json:"id"`
	PresetID int64  `gorm:"index;not null" json:"preset_id"`
	Name     string `gorm:"size:100;not null" json:"name"`
	BaseURL  string `gorm:"size:500;not null" json:"base_url"`
	// 可见性: public / private（私有实例仅 OwnerID 可用）
	Visibility string `gorm:"size:20;default:public" json:"visibility"`
	OwnerID    int64  `gorm:"index" json:"owner_id"`
	// 通道: external / internal / both
	Channel   string    `gorm:"size:20;default:both" json:"channel"`
	Enabled   bool      `gorm:"default:true" json:"enabled"`
	Priority  int       `gorm:"default:100" json:"priority"`
	Weight    int       `gorm:"default:100" json:"weight"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Preset      *ProviderPreset      `gorm:"foreignKey:PresetID" json:"preset,omitempty"`
	Models      []ProviderModel      `gorm:"foreignKey:InstanceID" json:"models,omitempty"`
	Credentials []ProviderCredential `gorm:"foreignKey:InstanceID" json:"credentials,omitempty"`
}

// ProviderModel 实例上暴露的一个模型。PublicName 是请求里的 model，
// UpstreamName 是上游侧模型名（可能不同）。Pricing / Limits / Routing
// 存 JSON 序列化的对应 types 配置。
type ProviderModel struct {
	ID           int64     `gorm:"primaryKey" json:"id"`
	InstanceID   int64     `gorm:"not null;index:idx_instance_model" json:"instance_id"`
	PublicName   string    `gorm:"size:100;not null;index:idx_instance_model" json:"public_name"`
	UpstreamName string    `gorm:"size:100;not null" json:"upstream_name"`
	Capability   string    `gorm:"size:30;default:chat" json:"capability"`
	Path         string    `gorm:"size:200" json:"path"`
	Pricing      string    `gorm:"type:text" json:"pricing"`
	Limits       string    `gorm:"type:text" json:"limits"`
	Routing      string    `gorm:"type:text" json:"routing"`
	Enabled      bool      `gorm:"default:true" json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ProviderCredential 实例的一个凭证引用，明文由 secrets 解析
type ProviderCredential struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	InstanceID  int64     `gorm:"index;not null" json:"instance_id"`
	Alias       string    `gorm:"size:100;not null;default:default" json:"alias"`
	SecretRefID string    `gorm:"size:200;not null" json:"secret_ref_id"`
	AuthType    string    `gorm:"size:20;default:bearer" json:"auth_type"`
	HeaderName  string    `gorm:"size:100" json:"header_name"`
	Enabled     bool      `gorm:"default:true" json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BanditArmState 摇臂统计，每个 (模型, 凭证) 一条。
// Version 单调递增，写入方 CAS，冲突重读重试。
type BanditArmState struct {
	ID             int64      `gorm:"primaryKey" json:"id"`
	CandidateKey   string     `gorm:"size:200;uniqueIndex;not null" json:"candidate_key"`
	Alpha          float64    `gorm:"default:1" json:"alpha"`
	Beta           float64    `gorm:"default:1" json:"beta"`
	TotalTrials    int64      `gorm:"default:0" json:"total_trials"`
	Successes      int64      `gorm:"default:0" json:"successes"`
	Failures       int64      `gorm:"default:0" json:"failures"`
	TotalLatencyMS float64    `gorm:"default:0" json:"total_latency_ms"`
	LatencyP95MS   float64    `gorm:"default:0" json:"latency_p95_ms"`
	TotalCost      float64    `gorm:"default:0" json:"total_cost"`
	LastReward     float64    `gorm:"default:0" json:"last_reward"`
	CooldownUntil  *time.Time `json:"cooldown_until"`
	Version        int64      `gorm:"default:0" json:"version"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ConversationSession 会话。MessageCount 恒等于最大 turn_index。
type ConversationSession struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	UserID         int64      `gorm:"index;not null" json:"user_id"`
	AssistantID    string     `gorm:"size:36" json:"assistant_id"`
	Channel        string     `gorm:"size:20;default:internal" json:"channel"`
	Status         string     `gorm:"size:20;default:active" json:"status"`
	Title          string     `gorm:"size:200" json:"title"`
	MessageCount   int        `gorm:"default:0" json:"message_count"`
	FirstMessageAt *time.Time `json:"first_message_at"`
	LastActiveAt   *time.Time `json:"last_active_at"`
	Summary        string     `gorm:"type:text" json:"summary"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ConversationMessage 会话消息，(session_id, turn_index) 唯一，软删除。
// RawBlocks 存结构化块（tool_calls、附件等）的 JSON。
type ConversationMessage struct {
	ID            int64          `gorm:"primaryKey" json:"id"`
	SessionID     string         `gorm:"size:36;not null;uniqueIndex:idx_session_turn" json:"session_id"`
	TurnIndex     int            `gorm:"not null;uniqueIndex:idx_session_turn" json:"turn_index"`
	Role          string         `gorm:"size:20;not null" json:"role"`
	Content       string         `gorm:"type:text" json:"content"`
	RawBlocks     string         `gorm:"type:text" json:"raw_blocks"`
	TokenEstimate int            `gorm:"default:0" json:"token_estimate"`
	Truncated     bool           `gorm:"default:false" json:"truncated"`
	ParentID      *int64         `json:"parent_id"`
	UsedPersonaID string         `gorm:"size:36" json:"used_persona_id"`
	CreatedAt     time.Time      `json:"created_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

// GatewayLog 请求审计行（非敏感投影）。StepDurations 为 JSON {step: ms}。
type GatewayLog struct {
	ID            int64     `gorm:"primaryKey" json:"id"`
	TraceID       string    `gorm:"size:36;index;not null" json:"trace_id"`
	Channel       string    `gorm:"size:20" json:"channel"`
	Capability    string    `gorm:"size:30" json:"capability"`
	UserID        int64     `gorm:"index" json:"user_id"`
	Tenant        string    `gorm:"size:64;index" json:"tenant"`
	APIKeyID      int64     `gorm:"index" json:"api_key_id"`
	Model         string    `gorm:"size:100" json:"model"`
	Provider      string    `gorm:"size:50" json:"provider"`
	UpstreamModel string    `gorm:"size:100" json:"upstream_model"`
	StatusCode    int       `json:"status_code"`
	ErrorSource   string    `gorm:"size:20" json:"error_source"`
	ErrorCode     string    `gorm:"size:50" json:"error_code"`
	InputTokens   int       `json:"input_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	TotalCost     float64   `json:"total_cost"`
	LatencyMS     float64   `json:"latency_ms"`
	StepDurations string    `gorm:"type:text" json:"step_durations"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

// BridgeAgentToken 桥接 agent 的轮换令牌，(user_id, agent_id) 唯一，
// Version 每次轮换递增。
type BridgeAgentToken struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	UserID    int64     `gorm:"not null;uniqueIndex:idx_user_agent" json:"user_id"`
	AgentID   string    `gorm:"size:64;not null;uniqueIndex:idx_user_agent" json:"agent_id"`
	TokenHash string    `gorm:"size:64;not null" json:"-"`
	Version   int64     `gorm:"default:0" json:"version"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MediaAsset 去重存储的媒体资产，(content_hash, size) 唯一
type MediaAsset struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	ContentHash string    `gorm:"size:64;not null;uniqueIndex:idx_hash_size" json:"content_hash"`
	Size        int64     `gorm:"not null;uniqueIndex:idx_hash_size" json:"size"`
	MimeType    string    `gorm:"size:100" json:"mime_type"`
	StorageKey  string    `gorm:"size:500" json:"storage_key"`
	RefCount    int       `gorm:"default:1" json:"ref_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// FileHash 上传文件秒传索引
type FileHash struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Hash      string    `gorm:"size:64;uniqueIndex;not null" json:"hash"`
	FileName  string    `gorm:"size:255" json:"file_name"`
	Size      int64     `json:"size"`
	AssetID   int64     `gorm:"index" json:"asset_id"`
	CreatedAt time.Time `json:"created_at"`
}

// UserMemory 用户长期记忆：(user_id, fact_hash) 唯一，
// 重复事实只刷新 UpdatedAt。
type UserMemory struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	UserID    int64     `gorm:"not null;uniqueIndex:idx_user_fact" json:"user_id"`
	FactHash  string    `gorm:"size:64;not null;uniqueIndex:idx_user_fact" json:"fact_hash"`
	Fact      string    `gorm:"type:text;not null" json:"fact"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QuotaRecord 每 api-key 每维度（tokens / requests / credits）的配额。
// ResetPeriod 为重置周期秒数，0 为不重置。
type QuotaRecord struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	APIKeyID    int64     `gorm:"not null;uniqueIndex:idx_key_kind" json:"api_key_id"`
	Kind        string    `gorm:"size:20;not null;uniqueIndex:idx_key_kind" json:"kind"`
	Total       int64     `gorm:"default:0" json:"total"`
	Used        int64     `gorm:"default:0" json:"used"`
	ResetPeriod int64     `gorm:"default:0" json:"reset_period"`
	PeriodStart time.Time `json:"period_start"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AutoMigrate 迁移全部网关表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&APIKey{},
		&ProviderPreset{},
		&ProviderInstance{},
		&ProviderModel{},
		&ProviderCredential{},
		&BanditArmState{},
		&ConversationSession{},
		&ConversationMessage{},
		&GatewayLog{},
		&BridgeAgentToken{},
		&MediaAsset{},
		&FileHash{},
		&QuotaRecord{},
		&UserMemory{},
	)
}
