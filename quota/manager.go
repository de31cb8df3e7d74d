package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/gateflow/internal/cache"
	"github.com/BaSui01/gateflow/repo"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 📏 配额管理器
// =============================================================================

// 配额维度
const (
	KindTokens   = "tokens"
	KindRequests = "requests"
	KindCredits  = "credits"
)

// Decision 配额判定结果
type Decision struct {
	Allowed bool
	Balance int64
	// Unlimited 该 Key 在此维度未配置配额
	Unlimited bool
}

// Manager 配额管理器。KV 里的值是剩余余额，仓储是周期权威。
type Manager struct {
	cache     *cache.Manager
	cacheKeys cache.Keys
	repo      repo.QuotaRepo
	warmTTL   time.Duration
	sf        singleflight.Group
	logger    *zap.Logger
}

// NewManager 创建配额管理器
func NewManager(cacheMgr *cache.Manager, quotaRepo repo.QuotaRepo, warmTTL time.Duration, logger *zap.Logger) *Manager {
	if warmTTL <= 0 {
		warmTTL = 10 * time.Minute
	}
	return &Manager{
		cache:   cacheMgr,
		repo:    quotaRepo,
		warmTTL: warmTTL,
		logger:  logger.With(zap.String("component", "quota")),
	}
}

// CheckDeduct 原子检查并扣减。KV 未预热时从仓储预热后重试一次。
// 未配置该维度配额的 Key 视为不限额。
func (m *Manager) CheckDeduct(ctx context.Context, apiKeyID int64, kind string, amount int64) (Decision, error) {
	if amount <= 0 {
		return Decision{Allowed: true}, nil
	}
	key := m.cacheKeys.Quota(apiKeyID, kind)

	for attempt := 0; attempt < 2; attempt++ {
		res, err := m.cache.EvalSha(ctx, cache.ScriptQuotaDeduct, []string{key}, amount)
		if err != nil {
			return Decision{}, fmt.Errorf("quota deduct script: %w", err)
		}
		vals, err := scriptInts(res, 2)
		if err != nil {
			return Decision{}, err
		}

		switch vals[0] {
		case 1:
			return Decision{Allowed: true, Balance: vals[1]}, nil
		case 0:
			return Decision{Allowed: false, Balance: vals[1]}, nil
		default: // -1: 未预热
			unlimited, err := m.warm(ctx, apiKeyID, kind, key)
			if err != nil {
				return Decision{}, err
			}
			if unlimited {
				return Decision{Allowed: true, Unlimited: true}, nil
			}
		}
	}
	return Decision{}, fmt.Errorf("quota key %s still cold after warm", key)
}

// warm 从仓储加载余额写入 KV。返回 true 表示该维度不限额。
// singleflight 合并同 key 的并发预热，SetNX 避免覆盖已扣减的余额。
func (m *Manager) warm(ctx context.Context, apiKeyID int64, kind, key string) (bool, error) {
	v, err, _ := m.sf.Do(key, func() (any, error) {
		rec, err := m.repo.Get(ctx, apiKeyID, kind)
		if errors.Is(err, repo.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("load quota %d/%s: %w", apiKeyID, kind, err)
		}

		balance := rec.Total - rec.Used
		if balance < 0 {
			balance = 0
		}
		_, err = m.cache.SetNX(ctx, key, strconv.FormatInt(balance, 10), cache.JitterTTL(m.warmTTL))
		if err != nil {
			return false, fmt.Errorf("warm quota %s: %w", key, err)
		}
		return false, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Refund 回补配额（上游致命失败时调用）。
// KV 键不存在（已过期）时只回补仓储。
func (m *Manager) Refund(ctx context.Context, apiKeyID int64, kind string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	key := m.cacheKeys.Quota(apiKeyID, kind)
	if _, err := m.cache.EvalSha(ctx, cache.ScriptQuotaRefund, []string{key}, amount); err != nil {
		m.logger.Warn("kv quota refund failed", zap.String("key", key), zap.Error(err))
	}
	if err := m.repo.AddUsed(ctx, apiKeyID, kind, -amount); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("repo quota refund: %w", err)
	}
	return nil
}

// Settle 按实际用量结算。预检阶段已按估算扣减 KV，这里修正差额
// 并把实际用量落到仓储。同一 trace 只结算一次。
func (m *Manager) Settle(ctx context.Context, apiKeyID int64, kind string, estimated, actual int64, tenant, traceID string) error {
	fresh, err := m.cache.SetNX(ctx, m.cacheKeys.BillingDedup(tenant, traceID), "1", 24*time.Hour)
	if err != nil {
		return fmt.Errorf("billing dedup: %w", err)
	}
	if !fresh {
		m.logger.Debug("duplicate settlement skipped",
			zap.String("trace_id", traceID), zap.String("kind", kind))
		return nil
	}

	// 多退少补：INCRBY 负数即补扣，允许余额短暂为负，
	// 下一次 CheckDeduct 自然拒绝
	if delta := actual - estimated; delta != 0 {
		key := m.cacheKeys.Quota(apiKeyID, kind)
		if _, err := m.cache.EvalSha(ctx, cache.ScriptQuotaRefund, []string{key}, -delta); err != nil {
			m.logger.Warn("kv quota settle adjust failed", zap.String("key", key), zap.Error(err))
		}
	}

	if err := m.repo.AddUsed(ctx, apiKeyID, kind, actual); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// ExceededError 构造配额超限错误，状态码跟随错误码表
func ExceededError(kind string) *types.Error {
	return types.NewError(types.SourcePolicy, types.ErrQuotaExceeded,
		fmt.Sprintf("quota exceeded for %s", kind)).
		WithHTTPStatus(types.HTTPStatusFor(types.ErrQuotaExceeded))
}

func scriptInts(res any, want int) ([]int64, error) {
	arr, ok := res.([]any)
	if !ok || len(arr) < want {
		return nil, fmt.Errorf("unexpected script result: %v", res)
	}
	out := make([]int64, want)
	for i := 0; i < want; i++ {
		n, ok := arr[i].(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script element %d: %v", i, arr[i])
		}
		out[i] = n
	}
	return out, nil
}
