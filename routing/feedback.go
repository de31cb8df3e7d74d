package routing

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/repo"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🔁 臂状态回写
// =============================================================================

// Outcome 一次上游尝试的观测结果
type Outcome struct {
	Success   bool
	LatencyMS float64
	Cost      float64
}

// Feedback 回写臂状态：成功 α+1、失败 β+1，延迟与成本累加。
// 版本冲突重读重试，超过上限丢弃本次更新（下一个请求会修正）。
// 连续两次失败触发冷却；成功清除冷却并记录会话亲和。
// publicModel 是请求侧模型名，与 Select 的亲和查询键保持一致。
func (s *Selector) Feedback(ctx context.Context, cand *types.UpstreamCandidate, sessionID, publicModel string, out Outcome) {
	key := cand.Key()
	arm, err := s.bandits.EnsureArm(ctx, key)
	if err != nil {
		s.logger.Warn("ensure arm failed, dropping feedback", zap.String("arm", key), zap.Error(err))
		return
	}

	for attempt := 0; attempt <= s.cfg.CASMaxRetries; attempt++ {
		s.applyOutcome(arm, cand, out)

		err = s.bandits.UpdateArmCAS(ctx, arm)
		if err == nil {
			break
		}
		if !errors.Is(err, repo.ErrVersionConflict) {
			s.logger.Warn("arm update failed", zap.String("arm", key), zap.Error(err))
			return
		}
		if attempt == s.cfg.CASMaxRetries {
			s.logger.Warn("arm update dropped after version conflicts",
				zap.String("arm", key), zap.Int("retries", attempt))
			return
		}

		arms, rerr := s.bandits.GetArms(ctx, []string{key})
		if rerr != nil || arms[key] == nil {
			s.logger.Warn("arm re-read failed", zap.String("arm", key), zap.Error(rerr))
			return
		}
		arm = arms[key]
	}

	if out.Success && sessionID != "" && s.cache != nil {
		ttl := s.cfg.AffinityTTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		s.cache.SetAsync(s.cacheKeys.RoutingAffinity(sessionID, publicModel), key, ttl)
	}
}

// applyOutcome 把观测叠加到臂上（不落库）
func (s *Selector) applyOutcome(arm *types.BanditArm, cand *types.UpstreamCandidate, out Outcome) {
	consecutiveFailure := !out.Success && arm.TotalTrials > 0 && arm.LastReward == 0

	arm.TotalTrials++
	arm.TotalLatencyMS += out.LatencyMS
	arm.TotalCost += out.Cost
	if out.Success {
		arm.Alpha++
		arm.Successes++
		arm.LastReward = 1
		arm.CooldownUntil = time.Time{}
	} else {
		arm.Beta++
		arm.Failures++
		arm.LastReward = 0
		if consecutiveFailure {
			arm.CooldownUntil = time.Now().Add(s.cooldown(cand))
		}
	}
}

func (s *Selector) cooldown(cand *types.UpstreamCandidate) time.Duration {
	if cand.Routing.CooldownSeconds > 0 {
		return time.Duration(cand.Routing.CooldownSeconds) * time.Second
	}
	if s.cfg.ArmCooldown > 0 {
		return s.cfg.ArmCooldown
	}
	return 30 * time.Second
}
