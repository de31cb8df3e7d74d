package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/transform"
	"github.com/BaSui01/gateflow/types"
)

func setupCaller(t *testing.T, mutate func(*config.UpstreamConfig)) *Caller {
	t.Helper()
	cfg := config.UpstreamConfig{
		Timeout:             5 * time.Second,
		ConnectTimeout:      time.Second,
		IdleTimeout:         time.Second,
		MaxAttempts:         3,
		RetryBackoff:        time.Millisecond,
		BreakerThreshold:    5,
		BreakerResetTimeout: 100 * time.Millisecond,
		MaxIdleConns:        8,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	// httptest 监听环回地址，防护放内网
	guard := NewGuard(true, nil)
	breakers := NewBreakerRegistry(cfg.BreakerThreshold, cfg.BreakerResetTimeout, nil, nil, zap.NewNop())
	return NewCaller(cfg, guard, breakers, 1<<20, nil, zap.NewNop())
}

func testAttempt(url string, instanceID int64) Attempt {
	return Attempt{
		Candidate: &types.UpstreamCandidate{
			InstanceID:      instanceID,
			ModelID:         1,
			CredentialAlias: "main",
			Provider:        "openai",
			Protocol:        types.ProtocolOpenAI,
			UpstreamModel:   "test-model",
		},
		Request: &transform.RenderedRequest{
			URL:     url,
			Body:    []byte(`{"model":"test-model"}`),
			Headers: map[string]string{"Content-Type": "application/json"},
		},
	}
}

func TestCall_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"id":"resp-1"}`))
	}))
	defer srv.Close()

	c := setupCaller(t, nil)
	var observed []bool
	res, err := c.Call(context.Background(), []Attempt{testAttempt(srv.URL, 1)}, func(_ *types.UpstreamCandidate, success bool, _ time.Duration) {
		observed = append(observed, success)
	})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.JSONEq(t, `{"id":"resp-1"}`, string(res.Body))
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []bool{true}, observed)
}

func TestCall_FailoverOn5xx(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(503)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"from-b"}`))
	}))
	defer up.Close()

	c := setupCaller(t, nil)
	var observed []bool
	res, err := c.Call(context.Background(),
		[]Attempt{testAttempt(down.URL, 1), testAttempt(up.URL, 2)},
		func(_ *types.UpstreamCandidate, success bool, _ time.Duration) {
			observed = append(observed, success)
		})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Candidate.InstanceID)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []bool{false, true}, observed, "arm A failure then arm B success")
}

func TestCall_429WalksFailoverList(t *testing.T) {
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(429)
	}))
	defer limited.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer up.Close()

	c := setupCaller(t, nil)
	res, err := c.Call(context.Background(), []Attempt{testAttempt(limited.URL, 1), testAttempt(up.URL, 2)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Candidate.InstanceID)
}

func TestCall_Client4xxDoesNotFailover(t *testing.T) {
	var hits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(400)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer bad.Close()
	next := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer next.Close()

	c := setupCaller(t, nil)
	_, err := c.Call(context.Background(), []Attempt{testAttempt(bad.URL, 1), testAttempt(next.URL, 2)}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstream4xx, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err))
	assert.Equal(t, int32(0), hits.Load(), "second candidate never attempted")
}

func TestCall_MaxAttemptsCapsWalk(t *testing.T) {
	var hits atomic.Int32
	down := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(502)
	})
	a := httptest.NewServer(down)
	defer a.Close()
	b := httptest.NewServer(down)
	defer b.Close()
	d := httptest.NewServer(down)
	defer d.Close()

	c := setupCaller(t, func(cfg *config.UpstreamConfig) { cfg.MaxAttempts = 2 })
	_, err := c.Call(context.Background(),
		[]Attempt{testAttempt(a.URL, 1), testAttempt(b.URL, 2), testAttempt(d.URL, 3)}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstream5xx, types.GetErrorCode(err))
	assert.Equal(t, int32(2), hits.Load())
}

func TestCall_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(500)
	}))
	defer srv.Close()

	c := setupCaller(t, func(cfg *config.UpstreamConfig) { cfg.MaxAttempts = 1 })
	for i := 0; i < 5; i++ {
		_, err := c.Call(context.Background(), []Attempt{testAttempt(srv.URL, 1)}, nil)
		require.Error(t, err)
		assert.Equal(t, types.ErrUpstream5xx, types.GetErrorCode(err))
	}

	// 第六次被熔断拦下，不再打到上游
	_, err := c.Call(context.Background(), []Attempt{testAttempt(srv.URL, 1)}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstreamCircuitOpen, types.GetErrorCode(err))
	assert.Equal(t, int32(5), hits.Load())
}

func TestCall_ResponseSizeCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		big, _ := json.Marshal(map[string]string{"data": string(make([]byte, 4096))})
		_, _ = w.Write(big)
	}))
	defer srv.Close()

	cfg := config.UpstreamConfig{Timeout: time.Second, MaxAttempts: 1, RetryBackoff: time.Millisecond}
	guard := NewGuard(true, nil)
	breakers := NewBreakerRegistry(5, time.Minute, nil, nil, zap.NewNop())
	c := NewCaller(cfg, guard, breakers, 1024, nil, zap.NewNop())

	_, err := c.Call(context.Background(), []Attempt{testAttempt(srv.URL, 1)}, nil)
	require.Error(t, err)
	assert.False(t, types.IsRetryable(err))
}

func TestCall_GuardRejectsBeforeDial(t *testing.T) {
	cfg := config.UpstreamConfig{Timeout: time.Second, MaxAttempts: 1}
	guard := NewGuard(false, nil) // 禁内网
	breakers := NewBreakerRegistry(5, time.Minute, nil, nil, zap.NewNop())
	c := NewCaller(cfg, guard, breakers, 0, nil, zap.NewNop())

	_, err := c.Call(context.Background(), []Attempt{testAttempt("http://127.0.0.1:9/admin", 1)}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstreamDomainNotAllowed, types.GetErrorCode(err))
}
