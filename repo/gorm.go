package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🗄️ GORM 仓储实现
// =============================================================================

// Store 基于 GORM 的仓储聚合，实现全部仓储契约
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore 创建仓储
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "repo")),
	}
}

// DB 暴露底层连接（事务、迁移用）
func (s *Store) DB() *gorm.DB {
	return s.db
}

// =============================================================================
// 🔎 候选收集
// =============================================================================

// GatherCandidates 按公开模型名展开全部可用候选：
// 实例须启用、通道匹配、可见（公开或本人私有）；每个启用凭证一个候选。
func (s *Store) GatherCandidates(ctx context.Context, publicModel string, channel types.Channel, userID int64) ([]types.UpstreamCandidate, error) {
	var models []ProviderModel
	err := s.db.WithContext(ctx).
		Where("public_name = ? AND enabled = ?", publicModel, true).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("load models for %s: %w", publicModel, err)
	}
	if len(models) == 0 {
		return nil, nil
	}

	instanceIDs := make([]int64, 0, len(models))
	for _, m := range models {
		instanceIDs = append(instanceIDs, m.InstanceID)
	}

	var instances []ProviderInstance
	err = s.db.WithContext(ctx).
		Preload("Preset").
		Preload("Credentials", "enabled = ?", true).
		Where("id IN ? AND enabled = ?", instanceIDs, true).
		Where("channel IN ?", []string{"both", string(channel)}).
		Where("visibility = ? OR owner_id = ?", "public", userID).
		Find(&instances).Error
	if err != nil {
		return nil, fmt.Errorf("load instances: %w", err)
	}

	instByID := make(map[int64]*ProviderInstance, len(instances))
	for i := range instances {
		instByID[instances[i].ID] = &instances[i]
	}

	var candidates []types.UpstreamCandidate
	for _, m := range models {
		inst := instByID[m.InstanceID]
		if inst == nil || inst.Preset == nil {
			continue
		}
		for _, cred := range inst.Credentials {
			c, err := buildCandidate(&m, inst, &cred)
			if err != nil {
				s.logger.Warn("skipping malformed candidate config",
					zap.Int64("instance_id", inst.ID),
					zap.Int64("model_id", m.ID),
					zap.Error(err),
				)
				continue
			}
			candidates = append(candidates, c)
		}
	}

	// 附加摇臂快照
	keys := make([]string, 0, len(candidates))
	for i := range candidates {
		keys = append(keys, candidates[i].Key())
	}
	arms, err := s.GetArms(ctx, keys)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		candidates[i].Arm = arms[candidates[i].Key()]
	}

	return candidates, nil
}

// buildCandidate 将三张表的行拼装为一个不可变候选
func buildCandidate(m *ProviderModel, inst *ProviderInstance, cred *ProviderCredential) (types.UpstreamCandidate, error) {
	c := types.UpstreamCandidate{
		PresetID:        inst.PresetID,
		InstanceID:      inst.ID,
		ModelID:         m.ID,
		CredentialAlias: cred.Alias,
		Provider:        inst.Preset.Provider,
		Protocol:        types.Protocol(inst.Preset.Protocol),
		BaseURL:         inst.BaseURL,
		Path:            m.Path,
		UpstreamModel:   m.UpstreamName,
		AuthType:        types.AuthType(cred.AuthType),
		AuthConfig: types.AuthConfig{
			SecretRefID: cred.SecretRefID,
			HeaderName:  cred.HeaderName,
		},
		Weight:   inst.Weight,
		Priority: inst.Priority,
	}

	if err := unmarshalConfig(inst.Preset.RequestTemplate, &c.Template); err != nil {
		return c, fmt.Errorf("request_template: %w", err)
	}
	if err := unmarshalConfig(inst.Preset.ResponseTransform, &c.Transform); err != nil {
		return c, fmt.Errorf("response_transform: %w", err)
	}
	if err := unmarshalConfig(m.Pricing, &c.Pricing); err != nil {
		return c, fmt.Errorf("pricing: %w", err)
	}
	if err := unmarshalConfig(m.Limits, &c.Limits); err != nil {
		return c, fmt.Errorf("limits: %w", err)
	}
	if err := unmarshalConfig(m.Routing, &c.Routing); err != nil {
		return c, fmt.Errorf("routing: %w", err)
	}
	return c, nil
}

func unmarshalConfig(raw string, dest any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dest)
}

// ListModels 列出启用的模型（/v1/models 用）
func (s *Store) ListModels(ctx context.Context) ([]ProviderModel, error) {
	var models []ProviderModel
	err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("public_name").Find(&models).Error
	return models, err
}

// =============================================================================
// 🎰 摇臂状态
// =============================================================================

// EnsureArm 返回候选的摇臂，不存在则创建冷臂
func (s *Store) EnsureArm(ctx context.Context, candidateKey string) (*types.BanditArm, error) {
	var row BanditArmState
	err := s.db.WithContext(ctx).
		Where(BanditArmState{CandidateKey: candidateKey}).
		Attrs(BanditArmState{Alpha: 1, Beta: 1}).
		FirstOrCreate(&row).Error
	if err != nil {
		return nil, fmt.Errorf("ensure arm %s: %w", candidateKey, err)
	}
	return armFromRow(&row), nil
}

// GetArms 批量读取摇臂快照
func (s *Store) GetArms(ctx context.Context, candidateKeys []string) (map[string]*types.BanditArm, error) {
	out := make(map[string]*types.BanditArm, len(candidateKeys))
	if len(candidateKeys) == 0 {
		return out, nil
	}
	var rows []BanditArmState
	err := s.db.WithContext(ctx).Where("candidate_key IN ?", candidateKeys).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load arms: %w", err)
	}
	for i := range rows {
		out[rows[i].CandidateKey] = armFromRow(&rows[i])
	}
	return out, nil
}

// UpdateArmCAS 按观察到的版本条件更新，版本不匹配返回 ErrVersionConflict
func (s *Store) UpdateArmCAS(ctx context.Context, arm *types.BanditArm) error {
	updates := map[string]any{
		"alpha":            arm.Alpha,
		"beta":             arm.Beta,
		"total_trials":     arm.TotalTrials,
		"successes":        arm.Successes,
		"failures":         arm.Failures,
		"total_latency_ms": arm.TotalLatencyMS,
		"latency_p95_ms":   arm.LatencyP95MS,
		"total_cost":       arm.TotalCost,
		"last_reward":      arm.LastReward,
		"version":          arm.Version + 1,
		"updated_at":       time.Now(),
	}
	if arm.CooldownUntil.IsZero() {
		updates["cooldown_until"] = nil
	} else {
		updates["cooldown_until"] = arm.CooldownUntil
	}

	res := s.db.WithContext(ctx).
		Model(&BanditArmState{}).
		Where("candidate_key = ? AND version = ?", arm.CandidateKey, arm.Version).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update arm %s: %w", arm.CandidateKey, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	arm.Version++
	return nil
}

func armFromRow(row *BanditArmState) *types.BanditArm {
	arm := &types.BanditArm{
		ID:             row.ID,
		CandidateKey:   row.CandidateKey,
		Alpha:          row.Alpha,
		Beta:           row.Beta,
		TotalTrials:    row.TotalTrials,
		Successes:      row.Successes,
		Failures:       row.Failures,
		TotalLatencyMS: row.TotalLatencyMS,
		LatencyP95MS:   row.LatencyP95MS,
		TotalCost:      row.TotalCost,
		LastReward:     row.LastReward,
		Version:        row.Version,
	}
	if row.CooldownUntil != nil {
		arm.CooldownUntil = *row.CooldownUntil
	}
	return arm
}

// =============================================================================
// 🔑 密钥与用户
// =============================================================================

// GetByKeyHash 按 key 哈希查找启用的 API Key
func (s *Store) GetByKeyHash(ctx context.Context, keyHash string) (*APIKey, error) {
	var key APIKey
	err := s.db.WithContext(ctx).Where("key_hash = ? AND enabled = ?", keyHash, true).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load api key: %w", err)
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, ErrNotFound
	}
	return &key, nil
}

// GetUser 按 ID 查找用户
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", id, err)
	}
	return &user, nil
}

// GetUserByUsername 按用户名查找活跃用户（内部通道登录）
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("username = ? AND status = ?", username, "active").First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", username, err)
	}
	return &user, nil
}

// UpsertMemory 写入一条用户记忆，重复事实只刷新时间
func (s *Store) UpsertMemory(ctx context.Context, userID int64, fact string) error {
	sum := sha256.Sum256([]byte(fact))
	row := UserMemory{
		UserID:   userID,
		FactHash: hex.EncodeToString(sum[:]),
		Fact:     fact,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "fact_hash"}},
		DoUpdates: clause.Assignments(map[string]any{"updated_at": time.Now()}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert memory for user %d: %w", userID, err)
	}
	return nil
}

// =============================================================================
// 📏 配额
// =============================================================================

// Get 读取配额记录，过期周期自动翻转
func (s *Store) Get(ctx context.Context, apiKeyID int64, kind string) (*QuotaRecord, error) {
	var rec QuotaRecord
	err := s.db.WithContext(ctx).Where("api_key_id = ? AND kind = ?", apiKeyID, kind).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load quota %d/%s: %w", apiKeyID, kind, err)
	}

	// 周期重置: period_start + reset_period 已过则清零
	if rec.ResetPeriod > 0 {
		periodEnd := rec.PeriodStart.Add(time.Duration(rec.ResetPeriod) * time.Second)
		if time.Now().After(periodEnd) {
			rec.Used = 0
			rec.PeriodStart = time.Now()
			if err := s.db.WithContext(ctx).Model(&rec).
				Updates(map[string]any{"used": 0, "period_start": rec.PeriodStart}).Error; err != nil {
				return nil, fmt.Errorf("reset quota period: %w", err)
			}
		}
	}
	return &rec, nil
}

// AddUsed 原子增加已用量（负数为回补）
func (s *Store) AddUsed(ctx context.Context, apiKeyID int64, kind string, delta int64) error {
	res := s.db.WithContext(ctx).
		Model(&QuotaRecord{}).
		Where("api_key_id = ? AND kind = ?", apiKeyID, kind).
		UpdateColumn("used", gorm.Expr("used + ?", delta))
	if res.Error != nil {
		return fmt.Errorf("update quota used: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// 💬 会话
// =============================================================================

// GetOrCreateSession 取回会话，不存在则创建
func (s *Store) GetOrCreateSession(ctx context.Context, sessionID string, userID int64) (*ConversationSession, error) {
	var sess ConversationSession
	err := s.db.WithContext(ctx).
		Where(ConversationSession{ID: sessionID}).
		Attrs(ConversationSession{UserID: userID, Channel: "internal", Status: "active"}).
		FirstOrCreate(&sess).Error
	if err != nil {
		return nil, fmt.Errorf("get or create session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// ReserveTurns 原子预留 n 个 turn_index。
// 行锁内读取 message_count，占位后提交，保证每会话严格单调无空洞。
func (s *Store) ReserveTurns(ctx context.Context, sessionID string, n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("reserve count must be positive, got %d", n)
	}

	var first int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess ConversationSession
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", sessionID).First(&sess).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		first = sess.MessageCount + 1
		now := time.Now()
		updates := map[string]any{
			"message_count":  sess.MessageCount + n,
			"last_active_at": now,
		}
		if sess.FirstMessageAt == nil {
			updates["first_message_at"] = now
		}
		return tx.Model(&sess).Updates(updates).Error
	})
	if err != nil {
		return 0, err
	}
	return first, nil
}

// AppendMessages 单事务落库一批消息
func (s *Store) AppendMessages(ctx context.Context, messages []ConversationMessage) error {
	if len(messages) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&messages).Error
	})
}

// History 按 turn_index 倒序取最近 limit 条（软删除自动排除），升序返回
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]ConversationMessage, error) {
	var msgs []ConversationMessage
	q := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("turn_index DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("load history %s: %w", sessionID, err)
	}
	// 倒序翻回升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// UpdateSummary 写入会话摘要
func (s *Store) UpdateSummary(ctx context.Context, sessionID, summary string) error {
	res := s.db.WithContext(ctx).
		Model(&ConversationSession{}).
		Where("id = ?", sessionID).
		Update("summary", summary)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage 软删除单条消息（允许产生 turn_index 空洞）
func (s *Store) DeleteMessage(ctx context.Context, sessionID string, turnIndex int) error {
	res := s.db.WithContext(ctx).
		Where("session_id = ? AND turn_index = ?", sessionID, turnIndex).
		Delete(&ConversationMessage{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// 📝 审计
// =============================================================================

// Append 追加一条审计行（gorm 表实现）
func (s *Store) Append(ctx context.Context, row *GatewayLog) error {
	return s.db.WithContext(ctx).Create(row).Error
}
