package routing

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/internal/cache"
	"github.com/BaSui01/gateflow/repo"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🧭 选路器
// =============================================================================

// Selector 候选收集、过滤与排序
type Selector struct {
	candidates repo.CandidateRepo
	bandits    repo.BanditRepo
	cache      *cache.Manager
	cacheKeys  cache.Keys
	cfg        config.RoutingConfig
	logger     *zap.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// NewSelector 创建选路器
func NewSelector(candidates repo.CandidateRepo, bandits repo.BanditRepo, cacheMgr *cache.Manager, cfg config.RoutingConfig, logger *zap.Logger) *Selector {
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = 0.1
	}
	if cfg.CASMaxRetries <= 0 {
		cfg.CASMaxRetries = 3
	}
	return &Selector{
		candidates: candidates,
		bandits:    bandits,
		cache:      cacheMgr,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "routing")),
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SelectInput 一次选路的输入
type SelectInput struct {
	PublicModel string
	Channel     types.Channel
	UserID      int64
	SessionID   string
	Request     *types.ChatRequest
}

// Select 返回有序故障转移列表。表头是本次选中的臂，
// 其余候选按分数降序留给上游调用器失败时迭代。
func (s *Selector) Select(ctx context.Context, in SelectInput) ([]types.UpstreamCandidate, error) {
	if s.cfg.SelectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SelectTimeout)
		defer cancel()
	}

	all, err := s.candidates.GatherCandidates(ctx, in.PublicModel, in.Channel, in.UserID)
	if err != nil {
		return nil, types.NewError(types.SourceGateway, types.ErrInternal, "candidate gathering failed").
			WithCause(err).WithHTTPStatus(500)
	}

	cands := s.filter(all, in.Request)
	if len(cands) == 0 {
		return nil, types.NewError(types.SourceGateway, types.ErrNoAvailableUpstream,
			"no available upstream for model "+in.PublicModel).WithHTTPStatus(503)
	}

	ordered := s.order(ctx, cands, in)
	return ordered, nil
}

// filter 丢弃冷却中的臂、灰度未命中的候选和必填字段缺失的候选
func (s *Selector) filter(cands []types.UpstreamCandidate, req *types.ChatRequest) []types.UpstreamCandidate {
	now := time.Now()
	reqFields := requestFields(req)

	out := make([]types.UpstreamCandidate, 0, len(cands))
	for _, c := range cands {
		if c.Arm.InCooldown(now) {
			continue
		}
		if c.Routing.GrayRatio != nil && s.randFloat() >= *c.Routing.GrayRatio {
			continue
		}
		if !hasRequiredFields(reqFields, c.Template.RequiredFields) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// order 打分排序。epsilon_greedy 以 ε 概率把随机候选提为表头。
func (s *Selector) order(ctx context.Context, cands []types.UpstreamCandidate, in SelectInput) []types.UpstreamCandidate {
	strategy := cands[0].Routing.Strategy
	if strategy == "" {
		strategy = types.StrategyEpsilonGreedy
	}

	var totalTrials int64
	for i := range cands {
		if cands[i].Arm != nil {
			totalTrials += cands[i].Arm.TotalTrials
		}
	}

	s.mu.Lock()
	scores := scoreCandidates(s.rand, strategy, cands, totalTrials)
	explore := strategy == types.StrategyEpsilonGreedy && s.rand.Float64() < s.epsilon(cands)
	exploreIdx := s.rand.Intn(len(cands))
	s.mu.Unlock()

	// 会话亲和: 最近成功的臂加分
	if in.SessionID != "" && s.cache != nil {
		affinityKey, err := s.cache.Get(ctx, s.cacheKeys.RoutingAffinity(in.SessionID, in.PublicModel))
		if err == nil && affinityKey != "" {
			for i := range cands {
				if cands[i].Key() == affinityKey {
					scores[i] += s.cfg.AffinityBonus
					break
				}
			}
		}
	}

	idx := make([]int, len(cands))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ia, ib := idx[a], idx[b]
		if scores[ia] != scores[ib] {
			return scores[ia] > scores[ib]
		}
		if cands[ia].Priority != cands[ib].Priority {
			return cands[ia].Priority > cands[ib].Priority
		}
		return cands[ia].Weight > cands[ib].Weight
	})

	ordered := make([]types.UpstreamCandidate, len(cands))
	for i, j := range idx {
		ordered[i] = cands[j]
	}

	if explore {
		for i := range ordered {
			if ordered[i].Key() == cands[exploreIdx].Key() {
				ordered[0], ordered[i] = ordered[i], ordered[0]
				break
			}
		}
	}
	return ordered
}

func (s *Selector) epsilon(cands []types.UpstreamCandidate) float64 {
	if e := cands[0].Routing.Epsilon; e > 0 {
		return e
	}
	return s.cfg.Epsilon
}

func (s *Selector) randFloat() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Float64()
}

// requestFields 请求里非空字段的集合（含 Extra），必填字段校验用
func requestFields(req *types.ChatRequest) map[string]bool {
	fields := make(map[string]bool)
	if req == nil {
		return fields
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return fields
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fields
	}
	for k, v := range m {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		fields[k] = true
	}
	for k, v := range req.Extra {
		if v != nil {
			fields[k] = true
		}
	}
	return fields
}

func hasRequiredFields(fields map[string]bool, required []string) bool {
	for _, f := range required {
		if !fields[f] {
			return false
		}
	}
	return true
}
