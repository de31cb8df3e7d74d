// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 网关指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 上游指标
	upstreamRequestsTotal   *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec
	upstreamFirstByte       *prometheus.HistogramVec
	upstreamTokensUsed      *prometheus.CounterVec
	upstreamCost            *prometheus.CounterVec
	upstreamFailovers       *prometheus.CounterVec

	// 管线指标
	stepDuration *prometheus.HistogramVec
	stepFailures *prometheus.CounterVec

	// 路由指标
	banditTrials   *prometheus.CounterVec
	banditReward   *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	breakerRejects *prometheus.CounterVec

	// 策略指标
	rateLimitRejects *prometheus.CounterVec
	quotaRejects     *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 上游指标
	c.upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total number of upstream requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.upstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	c.upstreamFirstByte = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_first_byte_seconds",
			Help:      "Time to first upstream byte in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	c.upstreamTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_tokens_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	c.upstreamCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_cost_total",
			Help:      "Total upstream cost in USD",
		},
		[]string{"provider", "model"},
	)

	c.upstreamFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failovers_total",
			Help:      "Total number of failovers to a backup candidate",
		},
		[]string{"provider", "model"},
	)

	// 管线指标
	c.stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_step_duration_seconds",
			Help:      "Pipeline step duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"step"},
	)

	c.stepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_step_failures_total",
			Help:      "Total number of pipeline step failures",
		},
		[]string{"step", "code"},
	)

	// 路由指标
	c.banditTrials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_bandit_trials_total",
			Help:      "Total number of bandit arm selections",
		},
		[]string{"strategy", "arm"},
	)

	c.banditReward = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_bandit_reward_total",
			Help:      "Accumulated bandit reward per arm",
		},
		[]string{"arm"},
	)

	c.breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per host (0=closed, 1=half-open, 2=open)",
		},
		[]string{"host"},
	)

	c.breakerRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_rejects_total",
			Help:      "Requests rejected by an open circuit breaker",
		},
		[]string{"host"},
	)

	// 策略指标
	c.rateLimitRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejects_total",
			Help:      "Requests rejected by rate limiting",
		},
		[]string{"subject_type", "kind"}, // kind: rpm, tpm
	)

	c.quotaRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejects_total",
			Help:      "Requests rejected by quota enforcement",
		},
		[]string{"kind"},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🚀 上游指标记录
// =============================================================================

// RecordUpstreamRequest 记录一次上游调用
func (c *Collector) RecordUpstreamRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int, cost float64) {
	c.upstreamRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.upstreamRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.upstreamTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.upstreamTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	c.upstreamCost.WithLabelValues(provider, model).Add(cost)
}

// RecordUpstreamFirstByte 记录上游首字节耗时
func (c *Collector) RecordUpstreamFirstByte(provider, model string, ttfb time.Duration) {
	c.upstreamFirstByte.WithLabelValues(provider, model).Observe(ttfb.Seconds())
}

// RecordFailover 记录一次候选切换
func (c *Collector) RecordFailover(provider, model string) {
	c.upstreamFailovers.WithLabelValues(provider, model).Inc()
}

// =============================================================================
// ⚙️ 管线指标记录
// =============================================================================

// RecordStep 记录管线步骤执行
func (c *Collector) RecordStep(step string, duration time.Duration) {
	c.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordStepFailure 记录管线步骤失败
func (c *Collector) RecordStepFailure(step, code string) {
	c.stepFailures.WithLabelValues(step, code).Inc()
}

// =============================================================================
// 🎰 路由指标记录
// =============================================================================

// RecordBanditTrial 记录一次摇臂选择
func (c *Collector) RecordBanditTrial(strategy, arm string) {
	c.banditTrials.WithLabelValues(strategy, arm).Inc()
}

// RecordBanditReward 记录摇臂回报
func (c *Collector) RecordBanditReward(arm string, reward float64) {
	c.banditReward.WithLabelValues(arm).Add(reward)
}

// RecordBreakerState 记录熔断器状态
func (c *Collector) RecordBreakerState(host string, state int) {
	c.breakerState.WithLabelValues(host).Set(float64(state))
}

// RecordBreakerReject 记录熔断拒绝
func (c *Collector) RecordBreakerReject(host string) {
	c.breakerRejects.WithLabelValues(host).Inc()
}

// =============================================================================
// 🚦 策略指标记录
// =============================================================================

// RecordRateLimitReject 记录限流拒绝
func (c *Collector) RecordRateLimitReject(subjectType, kind string) {
	c.rateLimitRejects.WithLabelValues(subjectType, kind).Inc()
}

// RecordQuotaReject 记录配额拒绝
func (c *Collector) RecordQuotaReject(kind string) {
	c.quotaRejects.WithLabelValues(kind).Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
