package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 🧪 Lua 脚本测试
// =============================================================================

func setupScripts(t *testing.T) *Manager {
	t.Helper()
	mr, manager := setupTestRedis(t)
	t.Cleanup(func() {
		manager.Close()
		mr.Close()
	})

	require.NoError(t, manager.PreloadScripts(context.Background(), AllScripts()))
	return manager
}

func evalInts(t *testing.T, manager *Manager, name string, keys []string, args ...any) []int64 {
	t.Helper()
	res, err := manager.EvalSha(context.Background(), name, keys, args...)
	require.NoError(t, err)
	raw, ok := res.([]any)
	require.True(t, ok, "script should return an array, got %T", res)
	out := make([]int64, len(raw))
	for i, v := range raw {
		out[i] = v.(int64)
	}
	return out
}

func TestSlidingWindow_AllowsUnderLimit(t *testing.T) {
	manager := setupScripts(t)
	now := time.Now().UnixMilli()

	key := Keys{}.RateLimitRPM("key:1")
	for i := 0; i < 3; i++ {
		res := evalInts(t, manager, ScriptSlidingWindow, []string{key},
			60, 3, now+int64(i), fmt.Sprintf("req-%d", i))
		assert.Equal(t, int64(1), res[0])
		assert.Equal(t, int64(3-i-1), res[1])
	}
}

func TestSlidingWindow_RejectsOverLimit(t *testing.T) {
	manager := setupScripts(t)
	now := time.Now().UnixMilli()
	key := Keys{}.RateLimitRPM("key:2")

	for i := 0; i < 2; i++ {
		evalInts(t, manager, ScriptSlidingWindow, []string{key}, 60, 2, now, fmt.Sprintf("req-%d", i))
	}

	res := evalInts(t, manager, ScriptSlidingWindow, []string{key}, 60, 2, now, "req-over")
	assert.Equal(t, int64(0), res[0])
	assert.Equal(t, int64(0), res[1])
	assert.GreaterOrEqual(t, res[2], int64(1), "retry_after should be at least 1s")
	assert.LessOrEqual(t, res[2], int64(60))
}

func TestSlidingWindow_OldEntriesExpire(t *testing.T) {
	manager := setupScripts(t)
	now := time.Now().UnixMilli()
	key := Keys{}.RateLimitRPM("key:3")

	evalInts(t, manager, ScriptSlidingWindow, []string{key}, 60, 1, now, "req-0")

	// 同一窗口内第二个请求被拒
	res := evalInts(t, manager, ScriptSlidingWindow, []string{key}, 60, 1, now+100, "req-1")
	assert.Equal(t, int64(0), res[0])

	// 窗口滑过后旧记录被清理，恢复放行
	res = evalInts(t, manager, ScriptSlidingWindow, []string{key}, 60, 1, now+61_000, "req-2")
	assert.Equal(t, int64(1), res[0])
}

func TestTokenBucket_DeductAndRefill(t *testing.T) {
	manager := setupScripts(t)
	now := time.Now().Unix()
	key := Keys{}.RateLimitTPM("key:1")

	// 容量 1000，速率 100/s，消耗 600 → 剩 400
	res := evalInts(t, manager, ScriptTokenBucket, []string{key}, 1000, 100, now, 600)
	assert.Equal(t, int64(1), res[0])
	assert.Equal(t, int64(400), res[1])

	// 再消耗 600 → 不足，retry_after = ceil(200/100) = 2
	res = evalInts(t, manager, ScriptTokenBucket, []string{key}, 1000, 100, now, 600)
	assert.Equal(t, int64(0), res[0])
	assert.Equal(t, int64(400), res[1])
	assert.Equal(t, int64(2), res[2])

	// 3 秒后补充 300 → 700，可扣 600
	res = evalInts(t, manager, ScriptTokenBucket, []string{key}, 1000, 100, now+3, 600)
	assert.Equal(t, int64(1), res[0])
	assert.Equal(t, int64(100), res[1])
}

func TestTokenBucket_CapacityCap(t *testing.T) {
	manager := setupScripts(t)
	now := time.Now().Unix()
	key := Keys{}.RateLimitTPM("key:2")

	evalInts(t, manager, ScriptTokenBucket, []string{key}, 500, 100, now, 100)

	// 长时间空闲后补充不超过容量
	res := evalInts(t, manager, ScriptTokenBucket, []string{key}, 500, 100, now+3600, 0)
	assert.Equal(t, int64(1), res[0])
	assert.Equal(t, int64(500), res[1])
}

func TestQuotaDeduct_StatusTransitions(t *testing.T) {
	manager := setupScripts(t)
	ctx := context.Background()
	key := Keys{}.Quota(42, "tokens")

	// 未预热 → -1
	res := evalInts(t, manager, ScriptQuotaDeduct, []string{key}, 100)
	assert.Equal(t, int64(-1), res[0])

	require.NoError(t, manager.Set(ctx, key, "250", time.Minute))

	// 余额充足 → 扣减
	res = evalInts(t, manager, ScriptQuotaDeduct, []string{key}, 100)
	assert.Equal(t, int64(1), res[0])
	assert.Equal(t, int64(150), res[1])

	// 余额不足 → 拒绝且不扣
	res = evalInts(t, manager, ScriptQuotaDeduct, []string{key}, 200)
	assert.Equal(t, int64(0), res[0])
	assert.Equal(t, int64(150), res[1])
}

func TestQuotaRefund(t *testing.T) {
	manager := setupScripts(t)
	ctx := context.Background()
	key := Keys{}.Quota(43, "tokens")

	// 键不存在 → -1
	res, err := manager.EvalSha(ctx, ScriptQuotaRefund, []string{key}, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), res)

	require.NoError(t, manager.Set(ctx, key, "100", time.Minute))
	res, err = manager.EvalSha(ctx, ScriptQuotaRefund, []string{key}, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(150), res)
}

func TestEvalSha_UnregisteredScript(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	_, err := manager.EvalSha(context.Background(), "missing", []string{"k"})
	assert.ErrorIs(t, err, ErrScriptNotFound)
}

func TestEvalSha_ReloadAfterFlush(t *testing.T) {
	manager := setupScripts(t)
	ctx := context.Background()

	// 模拟 Redis 重启后脚本缓存丢失
	require.NoError(t, manager.redis.ScriptFlush(ctx).Err())

	key := Keys{}.Quota(44, "tokens")
	require.NoError(t, manager.Set(ctx, key, "10", time.Minute))
	res := evalInts(t, manager, ScriptQuotaDeduct, []string{key}, 5)
	assert.Equal(t, int64(1), res[0])
	assert.Equal(t, int64(5), res[1])
}
