package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.upstreamRequestsTotal)
	assert.NotNil(t, collector.upstreamTokensUsed)
	assert.NotNil(t, collector.banditTrials)
	assert.NotNil(t, collector.breakerState)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("POST", "/v1/chat/completions", 200, 100*time.Millisecond, 1024, 2048)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)
}

func TestCollector_RecordUpstreamRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordUpstreamRequest("openai", "gpt-4o", "success", 2*time.Second, 100, 50, 0.0045)
	collector.RecordUpstreamRequest("openai", "gpt-4o", "success", 1*time.Second, 200, 80, 0.0090)

	got := testutil.ToFloat64(collector.upstreamTokensUsed.WithLabelValues("openai", "gpt-4o", "prompt"))
	assert.Equal(t, float64(300), got)

	cost := testutil.ToFloat64(collector.upstreamCost.WithLabelValues("openai", "gpt-4o"))
	assert.InDelta(t, 0.0135, cost, 1e-9)
}

func TestCollector_RecordBandit(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordBanditTrial("epsilon_greedy", "1:2:default")
	collector.RecordBanditTrial("epsilon_greedy", "1:2:default")
	collector.RecordBanditReward("1:2:default", 0.8)

	trials := testutil.ToFloat64(collector.banditTrials.WithLabelValues("epsilon_greedy", "1:2:default"))
	assert.Equal(t, float64(2), trials)
}

func TestCollector_RecordBreakerState(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordBreakerState("api.openai.com", 2)
	got := testutil.ToFloat64(collector.breakerState.WithLabelValues("api.openai.com"))
	assert.Equal(t, float64(2), got)

	collector.RecordBreakerState("api.openai.com", 0)
	got = testutil.ToFloat64(collector.breakerState.WithLabelValues("api.openai.com"))
	assert.Equal(t, float64(0), got)
}

func TestCollector_RecordPolicyRejects(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordRateLimitReject("api_key", "rpm")
	collector.RecordRateLimitReject("api_key", "tpm")
	collector.RecordQuotaReject("tokens")

	rpm := testutil.ToFloat64(collector.rateLimitRejects.WithLabelValues("api_key", "rpm"))
	assert.Equal(t, float64(1), rpm)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(201))
	assert.Equal(t, "4xx", statusCode(429))
	assert.Equal(t, "5xx", statusCode(502))
	assert.Equal(t, "unknown", statusCode(42))
}
