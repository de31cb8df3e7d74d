package upstream

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/tokenizer"
	"github.com/BaSui01/gateflow/transform"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🌊 流式转发与 token 累计
// =============================================================================

// StreamFrame 一个转发给客户端的 SSE 帧
type StreamFrame struct {
	Event string
	Data  []byte
}

// StreamSink 把帧写给客户端。返回错误视为客户端断开，
// 上游请求随之取消，已送达部分照常计费。
type StreamSink func(frame StreamFrame) error

// StreamResult 流式调用的累计结果。
// 上游未给 usage 时 CompletionTokens 由分词器估算。
type StreamResult struct {
	Candidate         *types.UpstreamCandidate
	Status            int
	Frames            int
	Content           string
	ToolCalls         []types.ToolCall
	FinishReason      string
	Usage             types.Usage
	UsageFromUpstream bool
	Latency           time.Duration
	Attempts          int
}

// Stream 流式调用。首字节之前的失败沿故障转移列表走，
// 首字节之后的任何失败都终止本次请求（UPSTREAM_STREAM_BROKEN）。
// publicModel 用于选估算分词器。
// 出错时返回的 *StreamResult 仍然有效，承载已送达部分的计费数据。
func (c *Caller) Stream(ctx context.Context, attempts []Attempt, publicModel string, sink StreamSink, observe Observer) (*StreamResult, error) {
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
		res, err := c.streamOnce(ctx, att, publicModel, sink)
		if res != nil {
			res.Attempts = i + 1
		}
		if err == nil {
			if observe != nil {
				observe(att.Candidate, true, res.Latency)
			}
			return res, nil
		}

		lastErr = err
		if observe != nil && !isPrecheckError(err) {
			observe(att.Candidate, false, 0)
		}
		// 首字节之后的错误不可转移，带着部分结果上抛
		if res != nil && res.Frames > 0 {
			return res, err
		}
		if !types.IsRetryable(err) {
			return res, err
		}
		c.logger.Warn("upstream stream attempt failed, trying next candidate",
			zap.String("candidate", att.Candidate.Key()),
			zap.Int("attempt", i+1),
			zap.Error(err))
	}
	return nil, lastErr
}

// streamOnce 单次流式尝试
func (c *Caller) streamOnce(ctx context.Context, att Attempt, publicModel string, sink StreamSink) (*StreamResult, error) {
	if err := c.guard.CheckURL(ctx, att.Request.URL); err != nil {
		return nil, err
	}
	host := urlHost(att.Request.URL)
	if err := c.breakers.Allow(host); err != nil {
		return nil, err
	}

	// 流式不套总超时，只保留取消传播；空闲超时逐帧看护
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, att.Request.URL, bytes.NewReader(att.Request.Body))
	if err != nil {
		return nil, types.NewError(types.SourceGateway, types.ErrInternal, "build upstream request").
			WithCause(err).WithHTTPStatus(500)
	}
	for k, v := range att.Request.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.breakers.OnFailure(host)
		return nil, c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, c.statusError(host, resp, body)
	}

	if c.metrics != nil {
		c.metrics.RecordUpstreamFirstByte(att.Candidate.Provider, att.Candidate.UpstreamModel, time.Since(start))
	}

	res := &StreamResult{Candidate: att.Candidate, Status: resp.StatusCode}
	relayErr := c.relay(callCtx, cancel, resp.Body, att.Candidate.Protocol, sink, res)
	res.Latency = time.Since(start)
	c.finalizeUsage(res, publicModel)

	if relayErr != nil {
		c.breakers.OnFailure(host)
		return res, relayErr
	}
	c.breakers.OnSuccess(host)
	return res, nil
}

// relay 逐帧读取上游 SSE，转发给客户端并累计 token。
// 每读到一帧重置空闲计时；body 读取在独立 goroutine 进行，
// select 同时看护取消与空闲超时。
func (c *Caller) relay(ctx context.Context, cancel context.CancelFunc, body io.Reader, protocol types.Protocol, sink StreamSink, res *StreamResult) error {
	if c.maxBody > 0 {
		body = io.LimitReader(body, c.maxBody)
	}

	type frameOrErr struct {
		frame StreamFrame
		err   error
	}
	frames := make(chan frameOrErr, 8)
	go func() {
		defer close(frames)
		reader := bufio.NewReader(body)
		var event string
		var data []string
		for {
			line, err := reader.ReadString('\n')
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(line[len("event:"):])
			case strings.HasPrefix(line, "data:"):
				data = append(data, strings.TrimSpace(line[len("data:"):]))
			case line == "" && len(data) > 0:
				frames <- frameOrErr{frame: StreamFrame{Event: event, Data: []byte(strings.Join(data, "\n"))}}
				event, data = "", nil
			}
			if err != nil {
				if len(data) > 0 {
					frames <- frameOrErr{frame: StreamFrame{Event: event, Data: []byte(strings.Join(data, "\n"))}}
				}
				if err != io.EOF {
					frames <- frameOrErr{err: err}
				}
				return
			}
		}
	}()

	idle := c.cfg.IdleTimeout
	if idle <= 0 {
		idle = 60 * time.Second
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	var content strings.Builder
	for {
		select {
		case <-ctx.Done():
			res.Content = content.String()
			return streamBroken("request cancelled mid-stream", ctx.Err(), res.Frames)

		case <-timer.C:
			cancel()
			res.Content = content.String()
			return streamBroken("upstream idle timeout", nil, res.Frames)

		case fe, ok := <-frames:
			if !ok {
				// 无终止标记即断流；一帧未发则允许转移
				res.Content = content.String()
				return streamBroken("upstream closed stream prematurely", nil, res.Frames)
			}
			if fe.err != nil {
				cancel()
				res.Content = content.String()
				return streamBroken("upstream read failed", fe.err, res.Frames)
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idle)

			if err := sink(fe.frame); err != nil {
				cancel()
				res.Content = content.String()
				return streamBroken("client disconnected", err, res.Frames)
			}
			res.Frames++

			ev, perr := transform.NormalizeStreamData(protocol, fe.frame.Data)
			if perr != nil {
				continue // 无法解析的帧照转不计
			}
			content.WriteString(ev.ContentDelta)
			res.ToolCalls = append(res.ToolCalls, ev.ToolCalls...)
			if ev.FinishReason != "" {
				res.FinishReason = ev.FinishReason
			}
			if ev.Usage != nil {
				mergeUsage(&res.Usage, ev.Usage)
				res.UsageFromUpstream = true
			}
			if ev.Done {
				res.Content = content.String()
				return nil
			}
		}
	}
}

// finalizeUsage 上游没报 usage 时用分词器估算输出侧
func (c *Caller) finalizeUsage(res *StreamResult, publicModel string) {
	if res.UsageFromUpstream || res.Content == "" {
		res.Usage.TotalTokens = res.Usage.PromptTokens + res.Usage.CompletionTokens
		return
	}
	counter := tokenizer.ForModel(publicModel)
	if n, err := counter.CountText(res.Content); err == nil {
		res.Usage.CompletionTokens = n
	}
	res.Usage.TotalTokens = res.Usage.PromptTokens + res.Usage.CompletionTokens
}

// mergeUsage 增量合并 usage（Anthropic 把输入/输出拆在不同事件里）
func mergeUsage(dst *types.Usage, src *types.Usage) {
	if src.PromptTokens > 0 {
		dst.PromptTokens = src.PromptTokens
	}
	if src.CompletionTokens > 0 {
		dst.CompletionTokens = src.CompletionTokens
	}
	if src.CacheReadTokens > 0 {
		dst.CacheReadTokens = src.CacheReadTokens
	}
	if src.TotalTokens > 0 {
		dst.TotalTokens = src.TotalTokens
	}
}

// streamBroken 首字节后的错误一律不可重试；一帧未发时仍可转移
func streamBroken(msg string, cause error, framesSent int) error {
	e := types.NewError(types.SourceUpstream, types.ErrUpstreamStreamBroken, msg).
		WithHTTPStatus(502).WithRetryable(framesSent == 0)
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}
