package handlers

import (
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/gateflow/api"
	"github.com/BaSui01/gateflow/auth"
	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/repo"
	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/upstream"
	"github.com/BaSui01/gateflow/workflow"
)

// stubStep 单步假管线，把请求态断言塞进闭包
type stubStep struct {
	name string
	run  func(ctx context.Context, wc *workflow.Context) (workflow.StepResult, error)
}

func (s *stubStep) Name() string        { return s.name }
func (s *stubStep) DependsOn() []string { return nil }
func (s *stubStep) Execute(ctx context.Context, wc *workflow.Context) (workflow.StepResult, error) {
	return s.run(ctx, wc)
}

func stubEngines(t *testing.T, channel types.Channel, capability workflow.Capability,
	run func(ctx context.Context, wc *workflow.Context) (workflow.StepResult, error)) Engines {
	t.Helper()
	reg := workflow.NewRegistry()
	require.NoError(t, reg.Register(&stubStep{name: "respond", run: run}))

	tpl := workflow.Template{Channel: channel, Capability: capability, Steps: []string{"respond"}}
	eng, err := workflow.NewEngine(tpl, reg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return Engines{engineKey(channel, capability): eng}
}

func newTestGateway(t *testing.T, engines Engines, issuer *auth.TokenIssuer) *Gateway {
	t.Helper()
	cfg := config.Default()
	return NewGateway(engines, nil, issuer, cfg, zaptest.NewLogger(t))
}

func okResponse(model string) *types.ChatResponse {
	return &types.ChatResponse{
		ID:     "chatcmpl-test",
		Object: "chat.completion",
		Model:  model,
		Choices: []types.Choice{{
			Message: types.ChatMessage{Role: types.RoleAssistant, Content: "hi"},
		}},
	}
}

func TestGateway_ChatSuccess(t *testing.T) {
	var gotSession string
	engines := stubEngines(t, types.ChannelExternal, workflow.CapabilityChat,
		func(_ context.Context, wc *workflow.Context) (workflow.StepResult, error) {
			gotSession = wc.SessionID
			wc.Response = okResponse("orion-chat")
			wc.Set(workflow.StepRateLimit, "remaining", int64(41))
			wc.Set(workflow.StepRateLimit, "reset", 60)
			return workflow.StepResult{Status: workflow.StatusSuccess}, nil
		})
	g := newTestGateway(t, engines, nil)

	body := `{"model":"orion-chat","messages":[{"role":"user","content":"hi"}],"session_id":"sess-9"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	g.HandleChatCompletions(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "41", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Reset"))
	assert.Empty(t, rec.Header().Get("X-Gateway-Source"))
	assert.Equal(t, "sess-9", gotSession)

	var resp types.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chatcmpl-test", resp.ID)
	assert.Equal(t, "orion-chat", resp.Model)
}

func TestGateway_SanitizedBodyWins(t *testing.T) {
	engines := stubEngines(t, types.ChannelExternal, workflow.CapabilityChat,
		func(_ context.Context, wc *workflow.Context) (workflow.StepResult, error) {
			wc.Response = okResponse("orion-chat")
			wc.Set(workflow.StepSanitize, "body", map[string]any{"id": "sanitized"})
			return workflow.StepResult{Status: workflow.StatusSuccess}, nil
		})
	g := newTestGateway(t, engines, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	g.HandleChatCompletions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "sanitized", got["id"])
}

func TestGateway_ErrorEnvelope(t *testing.T) {
	engines := stubEngines(t, types.ChannelExternal, workflow.CapabilityChat,
		func(_ context.Context, wc *workflow.Context) (workflow.StepResult, error) {
			wc.MarkError(types.SourcePolicy, types.ErrRateLimited, "rpm exhausted")
			wc.Set(workflow.StepRateLimit, "remaining", int64(0))
			wc.Set(workflow.StepRateLimit, "retry_after", 23)
			return workflow.StepResult{Status: workflow.StatusFailed, Message: "rpm exhausted"}, nil
		})
	g := newTestGateway(t, engines, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	g.HandleChatCompletions(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "23", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrRateLimited), resp.Error.Code)
	assert.Equal(t, string(types.SourcePolicy), resp.Error.Source)
	assert.Equal(t, 23, resp.Error.RetryAfter)
	assert.NotEmpty(t, resp.Error.RequestID)
}

func TestGateway_UnservedCapability(t *testing.T) {
	// 只装了聊天引擎，向量化入口应拒绝
	engines := stubEngines(t, types.ChannelExternal, workflow.CapabilityChat,
		func(_ context.Context, _ *workflow.Context) (workflow.StepResult, error) {
			return workflow.StepResult{Status: workflow.StatusSuccess}, nil
		})
	g := newTestGateway(t, engines, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(`{"model":"embed-1","input":"x"}`))
	rec := httptest.NewRecorder()
	g.HandleEmbeddings(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrBadRequest), resp.Error.Code)
}

func TestGateway_StreamRelaysFrames(t *testing.T) {
	engines := stubEngines(t, types.ChannelExternal, workflow.CapabilityChat,
		func(_ context.Context, wc *workflow.Context) (workflow.StepResult, error) {
			v, ok := wc.Get(workflow.StepUpstreamCall, "sink")
			if !ok {
				return workflow.StepResult{Status: workflow.StatusFailed}, nil
			}
			sink := v.(upstream.StreamSink)
			for _, data := range []string{`{"delta":"hel"}`, `{"delta":"lo"}`, "[DONE]"} {
				if err := sink(upstream.StreamFrame{Data: []byte(data)}); err != nil {
					return workflow.StepResult{}, err
				}
			}
			return workflow.StepResult{Status: workflow.StatusSuccess}, nil
		})
	g := newTestGateway(t, engines, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"stream":true}`))
	rec := httptest.NewRecorder()
	g.HandleChatCompletions(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	body := rec.Body.String()
	assert.Contains(t, body, `data: {"delta":"hel"}`)
	assert.Contains(t, body, "data: [DONE]")
	// 终止帧来自上游转发，网关不重复追加
	assert.Equal(t, 1, strings.Count(body, "[DONE]"))
	assert.NotContains(t, body, "event: error")
}

func TestGateway_StreamBrokenEmitsErrorEvent(t *testing.T) {
	engines := stubEngines(t, types.ChannelExternal, workflow.CapabilityChat,
		func(_ context.Context, wc *workflow.Context) (workflow.StepResult, error) {
			v, _ := wc.Get(workflow.StepUpstreamCall, "sink")
			sink := v.(upstream.StreamSink)
			if err := sink(upstream.StreamFrame{Data: []byte(`{"delta":"par"}`)}); err != nil {
				return workflow.StepResult{}, err
			}
			wc.MarkError(types.SourceUpstream, types.ErrUpstreamStreamBroken, "stream ended without terminator")
			return workflow.StepResult{Status: workflow.StatusSuccess}, nil
		})
	g := newTestGateway(t, engines, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"stream":true}`))
	rec := httptest.NewRecorder()
	g.HandleChatCompletions(rec, req)

	// 首帧已出，状态码只能是 200，错误以事件收尾
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `data: {"delta":"par"}`)
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, string(types.ErrUpstreamStreamBroken))
}

func TestGateway_StreamFailureBeforeFirstByte(t *testing.T) {
	engines := stubEngines(t, types.ChannelExternal, workflow.CapabilityChat,
		func(_ context.Context, wc *workflow.Context) (workflow.StepResult, error) {
			wc.MarkError(types.SourceClient, types.ErrUnauthorized, "signature mismatch")
			return workflow.StepResult{Status: workflow.StatusFailed, Message: "signature mismatch"}, nil
		})
	g := newTestGateway(t, engines, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"stream":true}`))
	rec := httptest.NewRecorder()
	g.HandleChatCompletions(rec, req)

	// 一帧未发，完整 JSON 错误体
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrUnauthorized), resp.Error.Code)
}

// fakeUserRepo 最小 KeyRepo：只服务 JWT 校验的用户行比对
type fakeUserRepo struct{ user *repo.User }

func (f *fakeUserRepo) GetByKeyHash(context.Context, string) (*repo.APIKey, error) {
	return nil, repo.ErrNotFound
}

func (f *fakeUserRepo) GetUser(_ context.Context, id int64) (*repo.User, error) {
	if f.user != nil && f.user.ID == id {
		return f.user, nil
	}
	return nil, repo.ErrNotFound
}

func TestGateway_InternalChatRequiresJWT(t *testing.T) {
	user := &repo.User{ID: 12, Username: "ops", TokenVersion: 3}
	issuer, err := auth.NewTokenIssuer("test-secret", 0, &fakeUserRepo{user: user})
	require.NoError(t, err)

	var gotUserID int64
	engines := stubEngines(t, types.ChannelInternal, workflow.CapabilityChat,
		func(_ context.Context, wc *workflow.Context) (workflow.StepResult, error) {
			gotUserID = wc.UserID
			wc.Response = okResponse("orion-chat")
			return workflow.StepResult{Status: workflow.StatusSuccess}, nil
		})
	g := newTestGateway(t, engines, issuer)

	req := httptest.NewRequest(http.MethodPost, "/internal/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	g.HandleInternalChat(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := issuer.Issue(user)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodPost, "/internal/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	g.HandleInternalChat(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(12), gotUserID)
}

func TestCanonicalFromJSON(t *testing.T) {
	req, err := canonicalFromJSON([]byte(`{"model":"embed-1","stream":true,"user":"u1","input":["a","b"],"dimensions":256}`))
	require.NoError(t, err)

	assert.Equal(t, "embed-1", req.Model)
	assert.True(t, req.Stream)
	assert.Equal(t, "u1", req.User)
	assert.Equal(t, []any{"a", "b"}, req.Extra["input"])
	assert.Equal(t, float64(256), req.Extra["dimensions"])
	assert.NotContains(t, req.Extra, "model")

	_, err = canonicalFromJSON([]byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, types.ErrBadRequest, types.GetErrorCode(err))
}

func TestCanonicalFromMultipart(t *testing.T) {
	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("model", "whisper-pro"))
	require.NoError(t, mw.WriteField("language", "en"))
	fw, err := mw.CreateFormFile("file", "audio.wav")
	require.NoError(t, err)
	_, err = fw.Write([]byte("RIFFfakeaudio"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", strings.NewReader(buf.String()))
	r.Header.Set("Content-Type", mw.FormDataContentType())

	req, err := canonicalFromMultipart(r, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "whisper-pro", req.Model)
	assert.Equal(t, "en", req.Extra["language"])
	assert.Equal(t, "audio.wav", req.Extra["file_name"])
	assert.NotEmpty(t, req.Extra["file_data"])
}

func TestCanonicalFromMultipart_MissingFile(t *testing.T) {
	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("model", "whisper-pro"))
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", strings.NewReader(buf.String()))
	r.Header.Set("Content-Type", mw.FormDataContentType())

	_, err := canonicalFromMultipart(r, 1<<20)
	require.Error(t, err)
	assert.Equal(t, types.ErrBadRequest, types.GetErrorCode(err))
}
