package routing

import (
	"math"
	"math/rand"

	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🎲 选择策略打分
// =============================================================================
// 每个策略给候选打分，调用方按分数降序得到故障转移列表。

// scoreCandidates 按策略为每个候选打分
func scoreCandidates(r *rand.Rand, strategy types.RoutingStrategy, cands []types.UpstreamCandidate, totalTrials int64) []float64 {
	scores := make([]float64, len(cands))
	for i := range cands {
		arm := cands[i].Arm
		switch strategy {
		case types.StrategyThompson:
			alpha, beta := 1.0, 1.0
			if arm != nil {
				alpha, beta = arm.Alpha, arm.Beta
			}
			scores[i] = sampleBeta(r, alpha, beta)

		case types.StrategyUCB1:
			scores[i] = ucb1Score(arm, totalTrials)

		case types.StrategyWeighted:
			// 权重 × 成功率的比例抽样（Efraimidis-Spirakis key）
			w := float64(cands[i].Weight) * arm.SuccessRate()
			if w <= 0 {
				w = 1e-9
			}
			scores[i] = math.Pow(r.Float64(), 1/w)

		default: // epsilon_greedy
			scores[i] = arm.SuccessRate()
		}
	}
	return scores
}

// ucb1Score 置信上界。冷臂返回 +Inf 强制先探索。
func ucb1Score(arm *types.BanditArm, totalTrials int64) float64 {
	if arm == nil || arm.TotalTrials == 0 {
		return math.Inf(1)
	}
	if totalTrials < 1 {
		totalTrials = 1
	}
	mean := float64(arm.Successes) / float64(arm.TotalTrials)
	return mean + math.Sqrt(2*math.Log(float64(totalTrials))/float64(arm.TotalTrials))
}

// sampleBeta Beta(α,β) 抽样，经由两次 Gamma 抽样
func sampleBeta(r *rand.Rand, alpha, beta float64) float64 {
	if alpha <= 0 {
		alpha = 1e-3
	}
	if beta <= 0 {
		beta = 1e-3
	}
	x := sampleGamma(r, alpha)
	y := sampleGamma(r, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma Marsaglia-Tsang 法 Gamma(shape, 1) 抽样
func sampleGamma(r *rand.Rand, shape float64) float64 {
	if shape < 1 {
		// Gamma(a) = Gamma(a+1) * U^(1/a)
		return sampleGamma(r, shape+1) * math.Pow(r.Float64(), 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := r.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := r.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
