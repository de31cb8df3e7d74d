package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/internal/cache"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🚦 限流器
// =============================================================================

// Kind 限流维度
const (
	KindRPM = "rpm"
	KindTPM = "tpm"
)

// Decision 单次限流判定结果
type Decision struct {
	Allowed    bool
	Kind       string // 拒绝时命中的维度
	Remaining  int64  // RPM 维度的剩余额度
	TokensLeft int64  // TPM 维度的剩余令牌
	RetryAfter int    // 秒
	// Degraded 标记本次判定走了本地降级路径
	Degraded bool
}

// Limits 本次请求适用的限流参数（Key/模型配置覆盖通道默认值后的结果）
type Limits struct {
	RPM           int
	TPM           int
	WindowSeconds int
}

// Limiter 双重限流器。exempt 集合内的主体直接放行。
type Limiter struct {
	cache     *cache.Manager
	cacheKeys cache.Keys
	cfg       config.RateLimitConfig
	logger    *zap.Logger

	exempt map[string]struct{}

	// Redis 不可达时的进程内降级桶
	localMu sync.Mutex
	local   map[string]*rate.Limiter
}

// NewLimiter 创建限流器
func NewLimiter(cacheMgr *cache.Manager, cfg config.RateLimitConfig, exempt []string, logger *zap.Logger) *Limiter {
	l := &Limiter{
		cache:  cacheMgr,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "ratelimit")),
		exempt: make(map[string]struct{}, len(exempt)),
		local:  make(map[string]*rate.Limiter),
	}
	for _, s := range exempt {
		l.exempt[s] = struct{}{}
	}
	return l
}

// ResolveLimits 计算请求适用的限流参数：模型/Key 级覆盖优先，
// 缺省回落到通道默认值。
func (l *Limiter) ResolveLimits(channel types.Channel, override types.LimitConfig) Limits {
	limits := Limits{WindowSeconds: l.cfg.WindowSeconds}
	switch channel {
	case types.ChannelInternal:
		limits.RPM = l.cfg.InternalRPM
		limits.TPM = l.cfg.InternalTPM
	default:
		limits.RPM = l.cfg.ExternalRPM
		limits.TPM = l.cfg.ExternalTPM
	}
	if override.RPM > 0 {
		limits.RPM = override.RPM
	}
	if override.TPM > 0 {
		limits.TPM = override.TPM
	}
	if override.WindowSeconds > 0 {
		limits.WindowSeconds = override.WindowSeconds
	}
	if limits.WindowSeconds <= 0 {
		limits.WindowSeconds = 60
	}
	return limits
}

// Check 先判 RPM 再判 TPM；RPM 拒绝时不消耗 TPM 令牌。
// tokenCost 是本次请求的预估 token 数（TPM 维度扣减量）。
func (l *Limiter) Check(ctx context.Context, subject string, limits Limits, tokenCost int64) (Decision, error) {
	if _, ok := l.exempt[subject]; ok {
		return Decision{Allowed: true}, nil
	}

	rpmDec, err := l.checkRPM(ctx, subject, limits)
	if err != nil {
		return l.checkLocal(subject, limits), nil
	}
	if !rpmDec.Allowed {
		return rpmDec, nil
	}

	if limits.TPM <= 0 || tokenCost <= 0 {
		return rpmDec, nil
	}
	tpmDec, err := l.checkTPM(ctx, subject, limits, tokenCost)
	if err != nil {
		return l.checkLocal(subject, limits), nil
	}
	if !tpmDec.Allowed {
		return tpmDec, nil
	}

	tpmDec.Remaining = rpmDec.Remaining
	return tpmDec, nil
}

func (l *Limiter) checkRPM(ctx context.Context, subject string, limits Limits) (Decision, error) {
	now := time.Now()
	member := fmt.Sprintf("%d-%d", now.UnixNano(), randSuffix())
	res, err := l.cache.EvalSha(ctx, cache.ScriptSlidingWindow,
		[]string{l.cacheKeys.RateLimitRPM(subject)},
		limits.WindowSeconds, limits.RPM, now.UnixMilli(), member,
	)
	if err != nil {
		l.logger.Warn("rpm script eval failed, degrading to local limiter",
			zap.String("subject", subject), zap.Error(err))
		return Decision{}, err
	}

	vals, err := scriptInts(res, 3)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:    vals[0] == 1,
		Kind:       KindRPM,
		Remaining:  vals[1],
		RetryAfter: int(vals[2]),
	}, nil
}

func (l *Limiter) checkTPM(ctx context.Context, subject string, limits Limits, cost int64) (Decision, error) {
	refillPerSecond := float64(limits.TPM) / float64(limits.WindowSeconds)
	res, err := l.cache.EvalSha(ctx, cache.ScriptTokenBucket,
		[]string{l.cacheKeys.RateLimitTPM(subject)},
		limits.TPM, refillPerSecond, time.Now().Unix(), cost,
	)
	if err != nil {
		l.logger.Warn("tpm script eval failed, degrading to local limiter",
			zap.String("subject", subject), zap.Error(err))
		return Decision{}, err
	}

	vals, err := scriptInts(res, 3)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:    vals[0] == 1,
		Kind:       KindTPM,
		TokensLeft: vals[1],
		RetryAfter: int(vals[2]),
	}, nil
}

// checkLocal 进程内降级：按 RPM 建一个令牌桶，只挡明显的洪峰。
// 降级期间 TPM 不判（没有全局视图，宁可放行）。
func (l *Limiter) checkLocal(subject string, limits Limits) Decision {
	l.localMu.Lock()
	lim, ok := l.local[subject]
	if !ok {
		perSecond := rate.Limit(float64(limits.RPM) / float64(limits.WindowSeconds))
		lim = rate.NewLimiter(perSecond, limits.RPM)
		l.local[subject] = lim
	}
	l.localMu.Unlock()

	if lim.Allow() {
		return Decision{Allowed: true, Degraded: true}
	}
	return Decision{
		Allowed:    false,
		Kind:       KindRPM,
		RetryAfter: 1,
		Degraded:   true,
	}
}

// randSuffix 防止同一纳秒内的两个请求在有序集合里互相覆盖
func randSuffix() int {
	return rand.Intn(1 << 16)
}

// scriptInts 把脚本返回的数组拆成 int64 切片
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
