package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/transform"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 📞 故障转移调用器
// =============================================================================

// Attempt 一个已渲染完成、可直接发出的上游请求
type Attempt struct {
	Candidate *types.UpstreamCandidate
	Request   *transform.RenderedRequest
}

// Result 非流式调用结果
type Result struct {
	Candidate *types.UpstreamCandidate
	Status    int
	Header    http.Header
	Body      []byte
	Latency   time.Duration
	Attempts  int
}

// Observer 每次上游尝试结束后的回调，绑定 bandit 回写
type Observer func(cand *types.UpstreamCandidate, success bool, latency time.Duration)

// Caller 带 SSRF 防护、熔断与退避重试的出站调用器
type Caller struct {
	client   *http.Client
	guard    *Guard
	breakers *BreakerRegistry
	cfg      config.UpstreamConfig
	maxBody  int64
	metrics  *metrics.Collector
	logger   *zap.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// NewCaller 创建调用器。maxResponseBytes <= 0 表示不限制响应体大小。
func NewCaller(cfg config.UpstreamConfig, guard *Guard, breakers *BreakerRegistry, maxResponseBytes int64, collector *metrics.Collector, logger *zap.Logger) *Caller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	return &Caller{
		client:   newHTTPClient(cfg),
		guard:    guard,
		breakers: breakers,
		cfg:      cfg,
		maxBody:  maxResponseBytes,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "upstream")),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Call 按序遍历故障转移列表，直到成功、遇到不可重试错误或尝试耗尽。
// 每次尝试结束都会调用 observe（可为 nil）。
func (c *Caller) Call(ctx context.Context, attempts []Attempt, observe Observer) (*Result, error) {
	if len(attempts) == 0 {
		return nil, types.NewError(types.SourceGateway, types.ErrNoAvailableUpstream,
			"empty failover list").WithHTTPStatus(503)
	}

	limit := len(attempts)
	if c.cfg.MaxAttempts < limit {
		limit = c.cfg.MaxAttempts
	}

	var lastErr error
	for i := 0; i < limit; i++ {
		if i > 0 {
			if err := c.backoff(ctx, i); err != nil {
				return nil, err
			}
			if c.metrics != nil {
				c.metrics.RecordFailover(attempts[i].Candidate.Provider, attempts[i].Candidate.UpstreamModel)
			}
		}

		att := attempts[i]
		res, err := c.callOnce(ctx, att)
		if err == nil {
			res.Attempts = i + 1
			if observe != nil {
				observe(att.Candidate, true, res.Latency)
			}
			return res, nil
		}

		lastErr = err
		if observe != nil && !isPrecheckError(err) {
			observe(att.Candidate, false, 0)
		}
		if !types.IsRetryable(err) {
			return nil, err
		}
		c.logger.Warn("upstream attempt failed, trying next candidate",
			zap.String("candidate", att.Candidate.Key()),
			zap.Int("attempt", i+1),
			zap.Error(err))
	}
	return nil, lastErr
}

// callOnce 单次尝试：防护检查 → 熔断检查 → 发请求 → 状态分类
func (c *Caller) callOnce(ctx context.Context, att Attempt) (*Result, error) {
	if err := c.guard.CheckURL(ctx, att.Request.URL); err != nil {
		return nil, err
	}
	host := urlHost(att.Request.URL)
	if err := c.breakers.Allow(host); err != nil {
		return nil, err
	}

	callCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, att.Request.URL, bytes.NewReader(att.Request.Body))
	if err != nil {
		return nil, types.NewError(types.SourceGateway, types.ErrInternal, "build upstream request").
			WithCause(err).WithHTTPStatus(500)
	}
	for k, v := range att.Request.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.breakers.OnFailure(host)
		return nil, c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := c.readAll(resp.Body)
	latency := time.Since(start)
	if err != nil {
		c.breakers.OnFailure(host)
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, c.statusError(host, resp, body)
	}

	c.breakers.OnSuccess(host)
	if c.metrics != nil {
		c.metrics.RecordUpstreamFirstByte(att.Candidate.Provider, att.Candidate.UpstreamModel, latency)
	}
	return &Result{
		Candidate: att.Candidate,
		Status:    resp.StatusCode,
		Header:    resp.Header,
		Body:      body,
		Latency:   latency,
	}, nil
}

// readAll 读响应体并套用大小上限
func (c *Caller) readAll(r io.Reader) ([]byte, error) {
	if c.maxBody <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, c.maxBody+1))
	if err != nil {
		return nil, types.NewError(types.SourceUpstream, types.ErrUpstream5xx, "read upstream response").
			WithCause(err).WithHTTPStatus(502).WithRetryable(true)
	}
	if int64(len(body)) > c.maxBody {
		return nil, types.NewError(types.SourceUpstream, types.ErrUpstream5xx,
			"upstream response exceeds size limit").WithHTTPStatus(502).WithRetryable(false)
	}
	return body, nil
}

// transportError 连接层错误分类。超时归 UPSTREAM_TIMEOUT，其余可重试 5xx。
func (c *Caller) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		// 客户端取消直接上抛，不转移
		return types.NewError(types.SourceGateway, types.ErrInternal, "request cancelled").
			WithCause(ctx.Err()).WithHTTPStatus(499).WithRetryable(false)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.SourceUpstream, types.ErrUpstreamTimeout, "upstream timeout").
			WithCause(err).WithHTTPStatus(504).WithRetryable(true)
	}
	return types.NewError(types.SourceUpstream, types.ErrUpstream5xx, "upstream connection failed").
		WithCause(err).WithHTTPStatus(502).WithRetryable(true)
}

// statusError HTTP 状态分类。5xx 与 429 可转移；其余 4xx 视为请求问题，
// 不计熔断失败也不再尝试其他候选。
func (c *Caller) statusError(host string, resp *http.Response, body []byte) error {
	msg := truncate(string(body), 512)
	switch {
	case resp.StatusCode >= 500:
		c.breakers.OnFailure(host)
		return types.NewError(types.SourceUpstream, types.ErrUpstream5xx,
			"upstream returned "+strconv.Itoa(resp.StatusCode)+": "+msg).
			WithHTTPStatus(502).WithRetryable(true)
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return types.NewError(types.SourceUpstream, types.ErrUpstream4xx,
			"upstream rate limited: "+msg).
			WithHTTPStatus(502).WithRetryable(true).WithRetryAfter(retryAfter)
	default:
		return types.NewError(types.SourceUpstream, types.ErrUpstream4xx,
			"upstream returned "+strconv.Itoa(resp.StatusCode)+": "+msg).
			WithHTTPStatus(502).WithRetryable(false)
	}
}

// backoff 指数退避加抖动，被 context 取消时立即返回
func (c *Caller) backoff(ctx context.Context, attempt int) error {
	base := c.cfg.RetryBackoff << (attempt - 1)
	c.mu.Lock()
	jitter := 0.5 + c.rand.Float64()/2
	c.mu.Unlock()
	delay := time.Duration(float64(base) * jitter)

	select {
	case <-ctx.Done():
		return types.NewError(types.SourceGateway, types.ErrInternal, "request cancelled").
			WithCause(ctx.Err()).WithHTTPStatus(499).WithRetryable(false)
	case <-time.After(delay):
		return nil
	}
}

// isPrecheckError 防护或熔断拒绝不算臂的一次试验
func isPrecheckError(err error) bool {
	code := types.GetErrorCode(err)
	return code == types.ErrUpstreamDomainNotAllowed || code == types.ErrUpstreamCircuitOpen
}

func urlHost(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Hostname()
	}
	return rawURL
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
