package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/internal/cache"
	"github.com/BaSui01/gateflow/types"
)

func setupLimiter(t *testing.T, exempt []string) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	mgr, err := cache.NewManager(cache.Config{Addr: mr.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	require.NoError(t, mgr.PreloadScripts(context.Background(), cache.AllScripts()))

	cfg := config.RateLimitConfig{
		ExternalRPM:   60,
		ExternalTPM:   100_000,
		InternalRPM:   600,
		InternalTPM:   1_000_000,
		WindowSeconds: 60,
	}
	return NewLimiter(mgr, cfg, exempt, zap.NewNop()), mr
}

func TestResolveLimits(t *testing.T) {
	l, _ := setupLimiter(t, nil)

	limits := l.ResolveLimits(types.ChannelExternal, types.LimitConfig{})
	assert.Equal(t, 60, limits.RPM)
	assert.Equal(t, 100_000, limits.TPM)
	assert.Equal(t, 60, limits.WindowSeconds)

	limits = l.ResolveLimits(types.ChannelInternal, types.LimitConfig{})
	assert.Equal(t, 600, limits.RPM)

	// 模型级覆盖优先
	limits = l.ResolveLimits(types.ChannelExternal, types.LimitConfig{RPM: 5, TPM: 1000, WindowSeconds: 10})
	assert.Equal(t, 5, limits.RPM)
	assert.Equal(t, 1000, limits.TPM)
	assert.Equal(t, 10, limits.WindowSeconds)
}

func TestCheck_RPMDeniesBeforeTPM(t *testing.T) {
	l, _ := setupLimiter(t, nil)
	ctx := context.Background()
	limits := Limits{RPM: 2, TPM: 100, WindowSeconds: 60}

	for i := 0; i < 2; i++ {
		dec, err := l.Check(ctx, "key-1", limits, 10)
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "request %d within limit", i)
	}

	dec, err := l.Check(ctx, "key-1", limits, 10)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, KindRPM, dec.Kind)
	assert.GreaterOrEqual(t, dec.RetryAfter, 1)
}

func TestCheck_TPMDenial(t *testing.T) {
	l, _ := setupLimiter(t, nil)
	ctx := context.Background()
	limits := Limits{RPM: 100, TPM: 50, WindowSeconds: 60}

	dec, err := l.Check(ctx, "key-2", limits, 40)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	// 余 10 个令牌，再要 40 个被拒
	dec, err = l.Check(ctx, "key-2", limits, 40)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, KindTPM, dec.Kind)
	assert.GreaterOrEqual(t, dec.RetryAfter, 1)
}

func TestCheck_RemainingDecrements(t *testing.T) {
	l, _ := setupLimiter(t, nil)
	ctx := context.Background()
	limits := Limits{RPM: 10, WindowSeconds: 60}

	dec, err := l.Check(ctx, "key-3", limits, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(9), dec.Remaining)

	dec, err = l.Check(ctx, "key-3", limits, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(8), dec.Remaining)
}

func TestCheck_ExemptBypass(t *testing.T) {
	l, _ := setupLimiter(t, []string{"vip-key"})
	ctx := context.Background()
	limits := Limits{RPM: 1, WindowSeconds: 60}

	for i := 0; i < 5; i++ {
		dec, err := l.Check(ctx, "vip-key", limits, 100)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
	}
}

func TestCheck_DegradedWhenRedisDown(t *testing.T) {
	l, mr := setupLimiter(t, nil)
	ctx := context.Background()
	limits := Limits{RPM: 3, WindowSeconds: 60}

	mr.Close()

	dec, err := l.Check(ctx, "key-4", limits, 10)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.True(t, dec.Degraded)

	// 本地桶耗尽后拒绝
	for i := 0; i < 3; i++ {
		dec, err = l.Check(ctx, "key-4", limits, 10)
		require.NoError(t, err)
	}
	assert.False(t, dec.Allowed)
	assert.Equal(t, KindRPM, dec.Kind)
	assert.True(t, dec.Degraded)
}
