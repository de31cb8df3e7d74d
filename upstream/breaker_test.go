package upstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/types"
)

func TestBreaker_OpensAtThreshold(t *testing.T) {
	r := NewBreakerRegistry(5, time.Minute, nil, nil, zap.NewNop())

	for i := 0; i < 4; i++ {
		require.NoError(t, r.Allow("api.example.com"))
		r.OnFailure("api.example.com")
	}
	assert.Equal(t, BreakerClosed, r.State("api.example.com"), "below threshold stays closed")

	require.NoError(t, r.Allow("api.example.com"))
	r.OnFailure("api.example.com")
	assert.Equal(t, BreakerOpen, r.State("api.example.com"))

	err := r.Allow("api.example.com")
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstreamCircuitOpen, types.GetErrorCode(err))
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	r := NewBreakerRegistry(3, time.Minute, nil, nil, zap.NewNop())

	r.OnFailure("h")
	r.OnFailure("h")
	r.OnSuccess("h")
	r.OnFailure("h")
	r.OnFailure("h")
	assert.Equal(t, BreakerClosed, r.State("h"), "streak must be consecutive")

	r.OnFailure("h")
	assert.Equal(t, BreakerOpen, r.State("h"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	r := NewBreakerRegistry(1, 30*time.Millisecond, nil, nil, zap.NewNop())

	r.OnFailure("h")
	require.Equal(t, BreakerOpen, r.State("h"))
	require.Error(t, r.Allow("h"))

	time.Sleep(40 * time.Millisecond)

	// 冷却期满放行一个探针，第二个并发请求仍被拒
	require.NoError(t, r.Allow("h"))
	assert.Equal(t, BreakerHalfOpen, r.State("h"))
	require.Error(t, r.Allow("h"))

	// 首个成功直接闭合
	r.OnSuccess("h")
	assert.Equal(t, BreakerClosed, r.State("h"))
	assert.NoError(t, r.Allow("h"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	r := NewBreakerRegistry(1, 30*time.Millisecond, nil, nil, zap.NewNop())

	r.OnFailure("h")
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, r.Allow("h"))

	r.OnFailure("h")
	assert.Equal(t, BreakerOpen, r.State("h"))
	require.Error(t, r.Allow("h"))
}

func TestBreaker_HostsAreIndependent(t *testing.T) {
	r := NewBreakerRegistry(1, time.Minute, nil, nil, zap.NewNop())

	r.OnFailure("down.example.com")
	require.Error(t, r.Allow("down.example.com"))
	assert.NoError(t, r.Allow("up.example.com"))
}
