package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/api"
	"github.com/BaSui01/gateflow/auth"
	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/internal/ctxkeys"
	"github.com/BaSui01/gateflow/internal/eventbus"
	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/upstream"
	"github.com/BaSui01/gateflow/workflow"
	"github.com/BaSui01/gateflow/workflow/steps"
)

// =============================================================================
// 🚪 网关入口 Handler
// =============================================================================

// Engines 按 (channel, capability) 预构建的管线引擎
type Engines map[string]*workflow.Engine

func engineKey(ch types.Channel, capability workflow.Capability) string {
	return string(ch) + "/" + string(capability)
}

// BuildEngines 为全部通道与工作类型预构建引擎。
// 环检测与拓扑分层在这里一次性完成，请求路径零构建开销。
func BuildEngines(reg *workflow.Registry, collector *metrics.Collector, logger *zap.Logger) (Engines, error) {
	capabilities := []workflow.Capability{
		workflow.CapabilityChat,
		workflow.CapabilityEmbedding,
		workflow.CapabilityImage,
		workflow.CapabilitySpeech,
		workflow.CapabilityTranscription,
		workflow.CapabilityVideo,
	}
	out := make(Engines, 2*len(capabilities))
	for _, ch := range []types.Channel{types.ChannelExternal, types.ChannelInternal} {
		for _, capability := range capabilities {
			tpl, err := workflow.ResolveTemplate(ch, capability)
			if err != nil {
				return nil, err
			}
			eng, err := workflow.NewEngine(tpl, reg, collector, logger)
			if err != nil {
				return nil, fmt.Errorf("build engine %s/%s: %w", ch, capability, err)
			}
			out[engineKey(ch, capability)] = eng
		}
	}
	return out, nil
}

// Gateway 模型网关统一入口。每个端点绑定 (channel, capability, dialect)，
// 把请求素材写入管线上下文后执行对应引擎。
type Gateway struct {
	engines Engines
	bus     *eventbus.Bus
	issuer  *auth.TokenIssuer
	cfg     *config.Config
	logger  *zap.Logger
}

// NewGateway 创建网关入口
func NewGateway(engines Engines, bus *eventbus.Bus, issuer *auth.TokenIssuer, cfg *config.Config, logger *zap.Logger) *Gateway {
	return &Gateway{
		engines: engines,
		bus:     bus,
		issuer:  issuer,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "gateway")),
	}
}

// HandleChatCompletions OpenAI 聊天补全入口
// @Router /v1/chat/completions [post]
func (g *Gateway) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	g.serveChat(w, r, types.ChannelExternal, steps.DialectOpenAIChat)
}

// HandleMessages Anthropic messages 入口
// @Router /v1/messages [post]
func (g *Gateway) HandleMessages(w http.ResponseWriter, r *http.Request) {
	g.serveChat(w, r, types.ChannelExternal, steps.DialectAnthropic)
}

// HandleResponses OpenAI responses 入口
// @Router /v1/responses [post]
func (g *Gateway) HandleResponses(w http.ResponseWriter, r *http.Request) {
	g.serveChat(w, r, types.ChannelExternal, steps.DialectResponses)
}

// HandleInternalChat 内部通道聊天入口（JWT Bearer）
// @Router /internal/v1/chat/completions [post]
func (g *Gateway) HandleInternalChat(w http.ResponseWriter, r *http.Request) {
	g.serveChat(w, r, types.ChannelInternal, steps.DialectOpenAIChat)
}

// HandleEmbeddings 向量化入口
// @Router /v1/embeddings [post]
func (g *Gateway) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	g.servePassthrough(w, r, workflow.CapabilityEmbedding)
}

// HandleImages 图像生成入口
// @Router /v1/images/generations [post]
func (g *Gateway) HandleImages(w http.ResponseWriter, r *http.Request) {
	g.servePassthrough(w, r, workflow.CapabilityImage)
}

// HandleSpeech 语音合成入口
// @Router /v1/audio/speech [post]
func (g *Gateway) HandleSpeech(w http.ResponseWriter, r *http.Request) {
	g.servePassthrough(w, r, workflow.CapabilitySpeech)
}

// HandleTranscriptions 语音转写入口（multipart 或 JSON）
// @Router /v1/audio/transcriptions [post]
func (g *Gateway) HandleTranscriptions(w http.ResponseWriter, r *http.Request) {
	g.serveTranscription(w, r)
}

// HandleVideo 视频生成入口
// @Router /v1/videos/generations [post]
func (g *Gateway) HandleVideo(w http.ResponseWriter, r *http.Request) {
	g.servePassthrough(w, r, workflow.CapabilityVideo)
}

// =============================================================================
// 🔄 请求执行
// =============================================================================

// pipelineContext 构建管线上下文；进程中间件已分配链路 ID 时沿用同一个
func pipelineContext(r *http.Request, channel types.Channel, capability workflow.Capability) *workflow.Context {
	wc := workflow.NewContext(channel, capability)
	if traceID, ok := ctxkeys.TraceID(r.Context()); ok {
		wc.TraceID = traceID
	}
	return wc
}

// serveChat 聊天族入口：原始体交给 request_adapter 步骤翻译
func (g *Gateway) serveChat(w http.ResponseWriter, r *http.Request, channel types.Channel, dialect string) {
	wc := pipelineContext(r, channel, workflow.CapabilityChat)
	if !g.authenticate(w, r, wc) {
		return
	}

	body, err := readBody(r, g.cfg.Security.MaxRequestBytes)
	if err != nil {
		WriteError(w, wc.TraceID, types.NewError(types.SourceClient, types.ErrBadRequest, "read request body").
			WithCause(err).WithHTTPStatus(400), g.logger)
		return
	}
	steps.PrepareRawRequest(wc, body, dialect)

	// 流式与会话标记在管线启动前就得知道
	var peek struct {
		Stream    bool   `json:"stream"`
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(body, &peek)
	if peek.SessionID != "" {
		wc.SessionID = peek.SessionID
	}

	g.execute(w, r, wc, peek.Stream)
}

// servePassthrough 非聊天能力：body 除 model/stream 外原样进入 Extra，
// 由候选模板决定上游形态。
func (g *Gateway) servePassthrough(w http.ResponseWriter, r *http.Request, capability workflow.Capability) {
	wc := pipelineContext(r, types.ChannelExternal, capability)
	if !g.authenticate(w, r, wc) {
		return
	}

	body, err := readBody(r, g.cfg.Security.MaxRequestBytes)
	if err != nil {
		WriteError(w, wc.TraceID, types.NewError(types.SourceClient, types.ErrBadRequest, "read request body").
			WithCause(err).WithHTTPStatus(400), g.logger)
		return
	}

	req, err := canonicalFromJSON(body)
	if err != nil {
		WriteError(w, wc.TraceID, err, g.logger)
		return
	}
	wc.Request = req

	g.execute(w, r, wc, req.Stream)
}

// serveTranscription 转写入口：multipart 表单拍平成规范请求，
// 音频字节以 base64 进入 Extra，纯 JSON 体按透传处理。
func (g *Gateway) serveTranscription(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || ct == "application/json" || ct == "application/json; charset=utf-8" {
		g.servePassthrough(w, r, workflow.CapabilityTranscription)
		return
	}

	wc := pipelineContext(r, types.ChannelExternal, workflow.CapabilityTranscription)
	if !g.authenticate(w, r, wc) {
		return
	}

	req, err := canonicalFromMultipart(r, g.cfg.Security.MaxRequestBytes)
	if err != nil {
		WriteError(w, wc.TraceID, err, g.logger)
		return
	}
	wc.Request = req

	g.execute(w, r, wc, false)
}

// authenticate 按通道准备认证素材。外部通道把签名四元组交给
// signature_verify 步骤；内部通道在入口就校验 JWT。
func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request, wc *workflow.Context) bool {
	switch wc.Channel {
	case types.ChannelExternal:
		steps.PrepareSignature(wc, auth.SignatureInput{
			APIKey:    r.Header.Get("X-Api-Key"),
			Timestamp: r.Header.Get("X-Timestamp"),
			Nonce:     r.Header.Get("X-Nonce"),
			Signature: r.Header.Get("X-Signature"),
			ClientIP:  clientIP(r),
		})
		return true

	case types.ChannelInternal:
		if g.issuer == nil {
			WriteError(w, wc.TraceID, types.NewError(types.SourceGateway, types.ErrInternal,
				"internal channel not configured").WithHTTPStatus(500), g.logger)
			return false
		}
		claims, err := g.issuer.Verify(r.Context(), bearerToken(r))
		if err != nil {
			WriteError(w, wc.TraceID, err, g.logger)
			return false
		}
		wc.UserID = claims.UserID
		if sid := r.Header.Get("X-Session-Id"); sid != "" {
			wc.SessionID = sid
		}
		return true
	}
	return true
}

func (g *Gateway) execute(w http.ResponseWriter, r *http.Request, wc *workflow.Context, streaming bool) {
	eng, ok := g.engines[engineKey(wc.Channel, wc.Capability)]
	if !ok {
		WriteError(w, wc.TraceID, types.NewError(types.SourceClient, types.ErrBadRequest,
			fmt.Sprintf("capability %s not served on channel %s", wc.Capability, wc.Channel)).
			WithHTTPStatus(400), g.logger)
		return
	}
	if g.bus != nil {
		traceID := wc.TraceID
		wc.Emit = func(frame eventbus.Frame) { g.bus.Publish(traceID, frame) }
		defer g.bus.CloseTopic(traceID)
	}

	if streaming {
		g.executeStream(w, r, wc, eng)
		return
	}
	eng.Execute(r.Context(), wc)
	g.writeResult(w, wc)
}

// executeStream SSE 下发。响应头推迟到首帧：首字节前的失败
// 仍然返回完整的 JSON 错误体。
func (g *Gateway) executeStream(w http.ResponseWriter, r *http.Request, wc *workflow.Context, eng *workflow.Engine) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, wc.TraceID, types.NewError(types.SourceGateway, types.ErrInternal,
			"streaming not supported by transport").WithHTTPStatus(500), g.logger)
		return
	}

	started := false
	sink := upstream.StreamSink(func(f upstream.StreamFrame) error {
		if !started {
			h := w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			h.Set("X-Accel-Buffering", "no")
			h.Set("X-Request-Id", wc.TraceID)
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if f.Event != "" {
			if _, err := fmt.Fprintf(w, "event: %s\n", f.Event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", f.Data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	steps.PrepareStreamSink(wc, sink)

	eng.Execute(r.Context(), wc)

	if !started {
		g.writeResult(w, wc)
		return
	}
	if !wc.Success {
		// 中途断流：错误以事件形式收尾，已送达部分已计费
		payload, _ := json.Marshal(api.ErrorBody{
			Source:    string(wc.ErrorSource),
			Code:      string(wc.ErrorCode),
			Message:   wc.ErrorMessage,
			RequestID: wc.TraceID,
		})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
		flusher.Flush()
	}
}

// writeResult 非流式收尾：成功写响应体（优先脱敏产物），失败写错误信封
func (g *Gateway) writeResult(w http.ResponseWriter, wc *workflow.Context) {
	h := w.Header()
	h.Set("X-Request-Id", wc.TraceID)
	if remaining, retryAfter, ok := steps.RateState(wc); ok {
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if retryAfter > 0 {
			h.Set("Retry-After", strconv.Itoa(retryAfter))
		}
	}
	if reset, ok := steps.RateReset(wc); ok {
		h.Set("X-RateLimit-Reset", strconv.Itoa(reset))
	}
	if steps.RateDegraded(wc) {
		h.Set("X-Gateway-Source", "degraded")
	}
	stripSensitiveHeaders(h, g.cfg.Security.SensitiveHeaders, g.cfg.Security.DebugHeaders,
		wc.IsInternal() && g.cfg.Security.InternalDebug)

	if wc.Success && wc.Response != nil {
		if body, ok := steps.SanitizedResponse(wc); ok {
			WriteJSON(w, http.StatusOK, body)
			return
		}
		WriteJSON(w, http.StatusOK, wc.Response)
		return
	}

	code := wc.ErrorCode
	if code == "" {
		code = types.ErrInternal
	}
	source := wc.ErrorSource
	if source == "" {
		source = types.SourceGateway
	}
	message := wc.ErrorMessage
	if message == "" {
		message = "request failed"
	}
	status := types.HTTPStatusFor(code)
	_, retryAfter, _ := steps.RateState(wc)

	WriteJSON(w, status, api.ErrorResponse{Error: api.ErrorBody{
		Source:     string(source),
		Code:       string(code),
		Message:    message,
		RetryAfter: retryAfter,
		RequestID:  wc.TraceID,
	}})
}

// =============================================================================
// 🧾 规范化辅助
// =============================================================================

// canonicalFromJSON 把非聊天能力的 JSON 体拍平成规范请求：
// model/stream/user 提取为字段，其余键全部进入 Extra 透传。
func canonicalFromJSON(body []byte) (*types.ChatRequest, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, types.NewError(types.SourceClient, types.ErrBadRequest, "invalid JSON body").
			WithCause(err).WithHTTPStatus(400)
	}

	req := &types.ChatRequest{Extra: make(map[string]any, len(m))}
	for k, v := range m {
		switch k {
		case "model":
			req.Model, _ = v.(string)
		case "stream":
			req.Stream, _ = v.(bool)
		case "user":
			req.User, _ = v.(string)
		default:
			req.Extra[k] = v
		}
	}
	return req, nil
}

// canonicalFromMultipart 把 multipart 表单拍平：标量字段照搬，
// 文件部分以 base64 进入 Extra（file_name / file_data）。
func canonicalFromMultipart(r *http.Request, limit int64) (*types.ChatRequest, error) {
	if limit <= 0 {
		limit = 32 << 20
	}
	if err := r.ParseMultipartForm(limit); err != nil {
		return nil, types.NewError(types.SourceClient, types.ErrBadRequest, "invalid multipart form").
			WithCause(err).WithHTTPStatus(400)
	}

	req := &types.ChatRequest{Extra: make(map[string]any)}
	for k, vals := range r.MultipartForm.Value {
		if len(vals) == 0 {
			continue
		}
		if k == "model" {
			req.Model = vals[0]
			continue
		}
		req.Extra[k] = vals[0]
	}

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		return nil, types.NewError(types.SourceClient, types.ErrBadRequest, "file part is required").
			WithHTTPStatus(400)
	}
	f, err := files[0].Open()
	if err != nil {
		return nil, types.NewError(types.SourceClient, types.ErrBadRequest, "open uploaded file").
			WithCause(err).WithHTTPStatus(400)
	}
	defer f.Close()

	data, err := readAllBase64(f, limit)
	if err != nil {
		return nil, err
	}
	req.Extra["file_name"] = files[0].Filename
	req.Extra["file_data"] = data
	return req, nil
}
