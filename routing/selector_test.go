package routing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/internal/cache"
	"github.com/BaSui01/gateflow/repo"
	"github.com/BaSui01/gateflow/types"
)

// fakeCandidateRepo 返回预置候选
type fakeCandidateRepo struct {
	cands []types.UpstreamCandidate
}

func (f *fakeCandidateRepo) GatherCandidates(_ context.Context, _ string, _ types.Channel, _ int64) ([]types.UpstreamCandidate, error) {
	out := make([]types.UpstreamCandidate, len(f.cands))
	copy(out, f.cands)
	return out, nil
}

func (f *fakeCandidateRepo) ListModels(_ context.Context) ([]repo.ProviderModel, error) {
	return nil, nil
}

// fakeBanditRepo 内存臂仓储，可注入一次性 CAS 冲突
type fakeBanditRepo struct {
	mu        sync.Mutex
	arms      map[string]*types.BanditArm
	conflicts int // 前 N 次 UpdateArmCAS 返回冲突
}

func newFakeBanditRepo() *fakeBanditRepo {
	return &fakeBanditRepo{arms: make(map[string]*types.BanditArm)}
}

func (f *fakeBanditRepo) EnsureArm(_ context.Context, key string) (*types.BanditArm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if arm, ok := f.arms[key]; ok {
		cp := *arm
		return &cp, nil
	}
	f.arms[key] = &types.BanditArm{CandidateKey: key, Alpha: 1, Beta: 1}
	cp := *f.arms[key]
	return &cp, nil
}

func (f *fakeBanditRepo) GetArms(_ context.Context, keys []string) (map[string]*types.BanditArm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*types.BanditArm)
	for _, k := range keys {
		if arm, ok := f.arms[k]; ok {
			cp := *arm
			out[k] = &cp
		}
	}
	return out, nil
}

func (f *fakeBanditRepo) UpdateArmCAS(_ context.Context, arm *types.BanditArm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts > 0 {
		f.conflicts--
		return repo.ErrVersionConflict
	}
	stored, ok := f.arms[arm.CandidateKey]
	if !ok || stored.Version != arm.Version {
		return repo.ErrVersionConflict
	}
	cp := *arm
	cp.Version++
	f.arms[arm.CandidateKey] = &cp
	arm.Version++
	return nil
}

func candidate(instanceID int64, alias string, priority, weight int) types.UpstreamCandidate {
	return types.UpstreamCandidate{
		InstanceID:      instanceID,
		ModelID:         1,
		CredentialAlias: alias,
		Provider:        "openai",
		Protocol:        types.ProtocolOpenAI,
		BaseURL:         "https://api.example.com/v1",
		UpstreamModel:   "gpt-4",
		Priority:        priority,
		Weight:          weight,
	}
}

func setupSelector(t *testing.T, cands []types.UpstreamCandidate, mutate func(*config.RoutingConfig)) (*Selector, *fakeBanditRepo) {
	t.Helper()
	cfg := config.RoutingConfig{
		Epsilon:       1e-9, // 测试里几乎不探索，保持确定性
		AffinityBonus: 0.3,
		AffinityTTL:   time.Minute,
		ArmCooldown:   30 * time.Second,
		CASMaxRetries: 3,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	bandits := newFakeBanditRepo()
	sel := NewSelector(&fakeCandidateRepo{cands: cands}, bandits, nil, cfg, zap.NewNop())
	return sel, bandits
}

func TestSelect_ColdStartOrdersByPriorityThenWeight(t *testing.T) {
	cands := []types.UpstreamCandidate{
		candidate(1, "a", 10, 50),
		candidate(2, "b", 20, 10),
		candidate(3, "c", 20, 90),
	}
	sel, _ := setupSelector(t, cands, nil)

	ordered, err := sel.Select(context.Background(), SelectInput{PublicModel: "gpt-4", Channel: types.ChannelExternal})
	require.NoError(t, err)
	require.Len(t, ordered, 3)

	// 冷臂一律 0.5 分，平分按 priority 再 weight
	assert.Equal(t, int64(3), ordered[0].InstanceID)
	assert.Equal(t, int64(2), ordered[1].InstanceID)
	assert.Equal(t, int64(1), ordered[2].InstanceID)
}

func TestSelect_NoCandidates(t *testing.T) {
	sel, _ := setupSelector(t, nil, nil)
	_, err := sel.Select(context.Background(), SelectInput{PublicModel: "gpt-4"})
	require.Error(t, err)
	assert.Equal(t, types.ErrNoAvailableUpstream, types.GetErrorCode(err))
}

func TestSelect_FiltersCooldownArms(t *testing.T) {
	hot := candidate(1, "a", 10, 50)
	cold := candidate(2, "b", 99, 99)
	cold.Arm = &types.BanditArm{
		CandidateKey:  cold.Key(),
		CooldownUntil: time.Now().Add(time.Minute),
	}
	sel, _ := setupSelector(t, []types.UpstreamCandidate{hot, cold}, nil)

	ordered, err := sel.Select(context.Background(), SelectInput{PublicModel: "gpt-4"})
	require.NoError(t, err)
	require.Len(t, ordered, 1)
	assert.Equal(t, int64(1), ordered[0].InstanceID)
}

func TestSelect_FiltersMissingRequiredFields(t *testing.T) {
	plain := candidate(1, "a", 10, 50)
	clone := candidate(2, "b", 99, 99)
	clone.Template.RequiredFields = []string{"reference_audio_url"}
	sel, _ := setupSelector(t, []types.UpstreamCandidate{plain, clone}, nil)

	req := &types.ChatRequest{Model: "gpt-4", Messages: []types.ChatMessage{{Role: types.RoleUser, Content: "hi"}}}
	ordered, err := sel.Select(context.Background(), SelectInput{PublicModel: "gpt-4", Request: req})
	require.NoError(t, err)
	require.Len(t, ordered, 1)
	assert.Equal(t, int64(1), ordered[0].InstanceID)

	// 请求带上必填字段后两者都可用
	req.Extra = map[string]any{"reference_audio_url": "https://x/ref.wav"}
	ordered, err = sel.Select(context.Background(), SelectInput{PublicModel: "gpt-4", Request: req})
	require.NoError(t, err)
	assert.Len(t, ordered, 2)
}

func TestSelect_GrayRatio(t *testing.T) {
	zero, one := 0.0, 1.0
	hidden := candidate(1, "a", 10, 50)
	hidden.Routing.GrayRatio = &zero
	visible := candidate(2, "b", 10, 50)
	visible.Routing.GrayRatio = &one
	sel, _ := setupSelector(t, []types.UpstreamCandidate{hidden, visible}, nil)

	ordered, err := sel.Select(context.Background(), SelectInput{PublicModel: "gpt-4"})
	require.NoError(t, err)
	require.Len(t, ordered, 1)
	assert.Equal(t, int64(2), ordered[0].InstanceID)
}

func TestSelect_EpsilonGreedyPrefersHigherSuccessRate(t *testing.T) {
	good := candidate(1, "a", 10, 50)
	good.Arm = &types.BanditArm{CandidateKey: good.Key(), TotalTrials: 100, Successes: 95, Alpha: 96, Beta: 6}
	bad := candidate(2, "b", 99, 99)
	bad.Arm = &types.BanditArm{CandidateKey: bad.Key(), TotalTrials: 100, Successes: 10, Alpha: 11, Beta: 91}
	sel, _ := setupSelector(t, []types.UpstreamCandidate{bad, good}, nil)

	ordered, err := sel.Select(context.Background(), SelectInput{PublicModel: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ordered[0].InstanceID)
	assert.Equal(t, int64(2), ordered[1].InstanceID, "loser retained as failover")
}

func TestSelect_UCB1PrefersUntriedArm(t *testing.T) {
	tried := candidate(1, "a", 10, 50)
	tried.Arm = &types.BanditArm{CandidateKey: tried.Key(), TotalTrials: 50, Successes: 50}
	tried.Routing.Strategy = types.StrategyUCB1
	fresh := candidate(2, "b", 1, 1)
	fresh.Routing.Strategy = types.StrategyUCB1
	sel, _ := setupSelector(t, []types.UpstreamCandidate{tried, fresh}, nil)

	ordered, err := sel.Select(context.Background(), SelectInput{PublicModel: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), ordered[0].InstanceID, "cold arm explored first")
}

func TestSelect_ThompsonFavorsStrongArm(t *testing.T) {
	strong := candidate(1, "a", 10, 50)
	strong.Arm = &types.BanditArm{CandidateKey: strong.Key(), Alpha: 100, Beta: 2, TotalTrials: 100}
	strong.Routing.Strategy = types.StrategyThompson
	weak := candidate(2, "b", 10, 50)
	weak.Arm = &types.BanditArm{CandidateKey: weak.Key(), Alpha: 2, Beta: 100, TotalTrials: 100}
	weak.Routing.Strategy = types.StrategyThompson
	sel, _ := setupSelector(t, []types.UpstreamCandidate{weak, strong}, nil)

	wins := 0
	for i := 0; i < 100; i++ {
		ordered, err := sel.Select(context.Background(), SelectInput{PublicModel: "gpt-4"})
		require.NoError(t, err)
		if ordered[0].InstanceID == 1 {
			wins++
		}
	}
	assert.Greater(t, wins, 80, "strong arm should dominate thompson sampling")
}

func TestSelect_AffinityBoost(t *testing.T) {
	mr := miniredis.RunT(t)
	mgr, err := cache.NewManager(cache.Config{Addr: mr.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	a := candidate(1, "a", 50, 50)
	b := candidate(2, "b", 50, 50)
	cfg := config.RoutingConfig{Epsilon: 1e-9, AffinityBonus: 0.3, CASMaxRetries: 3}
	sel := NewSelector(&fakeCandidateRepo{cands: []types.UpstreamCandidate{a, b}}, newFakeBanditRepo(), mgr, cfg, zap.NewNop())

	var keys cache.Keys
	require.NoError(t, mgr.Set(context.Background(), keys.RoutingAffinity("sess-1", "gpt-4"), b.Key(), time.Minute))

	ordered, err := sel.Select(context.Background(), SelectInput{PublicModel: "gpt-4", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), ordered[0].InstanceID, "affinity bonus promotes recent winner")
}

func TestFeedback_UpdatesArm(t *testing.T) {
	c := candidate(1, "a", 10, 50)
	sel, bandits := setupSelector(t, []types.UpstreamCandidate{c}, nil)
	ctx := context.Background()

	sel.Feedback(ctx, &c, "", "gpt-4", Outcome{Success: true, LatencyMS: 120, Cost: 0.01})

	arms, err := bandits.GetArms(ctx, []string{c.Key()})
	require.NoError(t, err)
	arm := arms[c.Key()]
	require.NotNil(t, arm)
	assert.Equal(t, int64(1), arm.TotalTrials)
	assert.Equal(t, int64(1), arm.Successes)
	assert.Equal(t, 2.0, arm.Alpha)
	assert.Equal(t, 120.0, arm.TotalLatencyMS)
}

func TestFeedback_RetriesOnVersionConflict(t *testing.T) {
	c := candidate(1, "a", 10, 50)
	sel, bandits := setupSelector(t, []types.UpstreamCandidate{c}, nil)
	ctx := context.Background()

	// 预建臂再注入两次冲突
	_, err := bandits.EnsureArm(ctx, c.Key())
	require.NoError(t, err)
	bandits.conflicts = 2

	sel.Feedback(ctx, &c, "", "gpt-4", Outcome{Success: false})

	arms, err := bandits.GetArms(ctx, []string{c.Key()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), arms[c.Key()].Failures, "update applied after conflict retries")
}

func TestFeedback_CooldownAfterConsecutiveFailures(t *testing.T) {
	c := candidate(1, "a", 10, 50)
	sel, bandits := setupSelector(t, []types.UpstreamCandidate{c}, nil)
	ctx := context.Background()

	sel.Feedback(ctx, &c, "", "gpt-4", Outcome{Success: false})
	arms, _ := bandits.GetArms(ctx, []string{c.Key()})
	assert.False(t, arms[c.Key()].InCooldown(time.Now()), "single failure does not cool down")

	sel.Feedback(ctx, &c, "", "gpt-4", Outcome{Success: false})
	arms, _ = bandits.GetArms(ctx, []string{c.Key()})
	assert.True(t, arms[c.Key()].InCooldown(time.Now()), "second consecutive failure cools down")

	// 成功清除冷却
	sel.Feedback(ctx, &c, "", "gpt-4", Outcome{Success: true})
	arms, _ = bandits.GetArms(ctx, []string{c.Key()})
	assert.False(t, arms[c.Key()].InCooldown(time.Now()))
}

// 冷启动性质: 任意优先级/权重组合下，返回的列表是输入的一个排列，
// 且冷臂排序与 (priority, weight) 字典序一致
func TestSelect_ColdStartOrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("ordered failover list is a priority-sorted permutation", prop.ForAll(
		func(prios []int) bool {
			if len(prios) == 0 {
				return true
			}
			cands := make([]types.UpstreamCandidate, len(prios))
			for i, p := range prios {
				cands[i] = candidate(int64(i+1), "a", p, i)
			}
			sel, _ := setupSelector(t, cands, nil)

			ordered, err := sel.Select(context.Background(), SelectInput{PublicModel: "gpt-4"})
			if err != nil || len(ordered) != len(cands) {
				return false
			}

			seen := make(map[string]bool)
			for i := range ordered {
				if seen[ordered[i].Key()] {
					return false
				}
				seen[ordered[i].Key()] = true
				if i > 0 {
					prev, cur := ordered[i-1], ordered[i]
					if prev.Priority < cur.Priority {
						return false
					}
					if prev.Priority == cur.Priority && prev.Weight < cur.Weight {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(6, gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
