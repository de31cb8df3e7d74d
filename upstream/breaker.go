package upstream

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/internal/cache"
	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// ⚡ 按主机熔断器
// =============================================================================

// BreakerState 熔断器状态
type BreakerState int

const (
	// BreakerClosed 关闭状态（正常放行）
	BreakerClosed BreakerState = iota
	// BreakerOpen 打开状态（熔断中）
	BreakerOpen
	// BreakerHalfOpen 半开状态（试探恢复）
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// hostBreaker 单主机状态机。
// closed → open: 连续失败达到阈值；open → half_open: 冷却期满；
// half_open → closed: 首次成功；half_open → open: 任意失败。
type hostBreaker struct {
	state         BreakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// BreakerRegistry 主机名到熔断器的注册表
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*hostBreaker

	threshold    int
	resetTimeout time.Duration

	cache   *cache.Manager
	keys    cache.Keys
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewBreakerRegistry 创建熔断器注册表。cacheMgr 与 collector 可为 nil。
func NewBreakerRegistry(threshold int, resetTimeout time.Duration, cacheMgr *cache.Manager, collector *metrics.Collector, logger *zap.Logger) *BreakerRegistry {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &BreakerRegistry{
		breakers:     make(map[string]*hostBreaker),
		threshold:    threshold,
		resetTimeout: resetTimeout,
		cache:        cacheMgr,
		metrics:      collector,
		logger:       logger.With(zap.String("component", "breaker")),
	}
}

// Allow 调用前检查。open 状态冷却期满则转半开放行一个探针，
// 否则返回 UPSTREAM_CIRCUIT_OPEN。
func (r *BreakerRegistry) Allow(host string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.breaker(host)
	switch b.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if time.Since(b.openedAt) >= r.resetTimeout {
			r.transition(host, b, BreakerHalfOpen)
			b.probeInFlight = true
			return nil
		}

	case BreakerHalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			return nil
		}
	}

	if r.metrics != nil {
		r.metrics.RecordBreakerReject(host)
	}
	retryAfter := r.resetTimeout - time.Since(b.openedAt)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	// 可重试：故障转移列表里的下一个候选可能位于别的主机
	return types.NewError(types.SourceUpstream, types.ErrUpstreamCircuitOpen,
		"circuit open for host "+host).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithRetryAfter(int(retryAfter / time.Second))
}

// OnSuccess 记录一次成功。半开状态首个成功直接闭合。
func (r *BreakerRegistry) OnSuccess(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.breaker(host)
	b.failures = 0
	b.probeInFlight = false
	if b.state != BreakerClosed {
		r.transition(host, b, BreakerClosed)
	}
}

// OnFailure 记录一次失败。半开状态任意失败立即重新打开。
func (r *BreakerRegistry) OnFailure(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.breaker(host)
	b.probeInFlight = false
	switch b.state {
	case BreakerHalfOpen:
		b.openedAt = time.Now()
		r.transition(host, b, BreakerOpen)
	case BreakerClosed:
		b.failures++
		if b.failures >= r.threshold {
			b.openedAt = time.Now()
			r.transition(host, b, BreakerOpen)
		}
	}
}

// State 查询主机当前状态（未登记即 closed）
func (r *BreakerRegistry) State(host string) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[host]; ok {
		return b.state
	}
	return BreakerClosed
}

func (r *BreakerRegistry) breaker(host string) *hostBreaker {
	b, ok := r.breakers[host]
	if !ok {
		b = &hostBreaker{state: BreakerClosed}
		r.breakers[host] = b
	}
	return b
}

// transition 状态切换并把最新状态同步到缓存（跨实例可观测，尽力而为）
func (r *BreakerRegistry) transition(host string, b *hostBreaker, to BreakerState) {
	from := b.state
	b.state = to
	r.logger.Info("breaker state change",
		zap.String("host", host),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failures", b.failures))
	if r.metrics != nil {
		r.metrics.RecordBreakerState(host, int(to))
	}
	if r.cache != nil {
		r.cache.SetAsync(r.keys.CircuitBreaker(host), to.String(), 2*r.resetTimeout)
	}
}
