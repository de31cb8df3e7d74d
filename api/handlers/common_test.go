package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/gateflow/api"
	"github.com/BaSui01/gateflow/types"
)

func TestWriteError_GatewayError(t *testing.T) {
	rec := httptest.NewRecorder()
	err := types.NewError(types.SourcePolicy, types.ErrRateLimited, "rpm exhausted").
		WithHTTPStatus(http.StatusTooManyRequests).WithRetryAfter(17)

	WriteError(rec, "trace-1", err, zaptest.NewLogger(t))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "trace-1", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "17", rec.Header().Get("Retry-After"))

	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.SourcePolicy), resp.Error.Source)
	assert.Equal(t, string(types.ErrRateLimited), resp.Error.Code)
	assert.Equal(t, "rpm exhausted", resp.Error.Message)
	assert.Equal(t, 17, resp.Error.RetryAfter)
	assert.Equal(t, "trace-1", resp.Error.RequestID)
}

func TestWriteError_FoldsUnknownError(t *testing.T) {
	rec := httptest.NewRecorder()

	WriteError(rec, "", errors.New("disk on fire"), zaptest.NewLogger(t))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Request-Id"))

	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrInternal), resp.Error.Code)
	assert.Equal(t, string(types.SourceGateway), resp.Error.Source)
	// 内部细节不出网关
	assert.NotContains(t, resp.Error.Message, "disk on fire")
}

func TestReadBody_AllowsOneByteOverLimit(t *testing.T) {
	// 校验步骤靠多出的 1 字节区分 "正好到上限" 与 "超限"
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 100)))

	body, err := readBody(r, 10)
	require.NoError(t, err)
	assert.Len(t, body, 11)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"直连", "203.0.113.7:51234", "", "203.0.113.7"},
		{"单跳转发", "10.0.0.1:80", "198.51.100.2", "198.51.100.2"},
		{"多跳取最早", "10.0.0.1:80", "198.51.100.2, 10.0.0.9", "198.51.100.2"},
		{"无端口回落原值", "unix-socket", "", "unix-socket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, bearerToken(r))

	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	assert.Equal(t, "abc.def.ghi", bearerToken(r))

	r.Header.Set("Authorization", "bearer lower.case")
	assert.Equal(t, "lower.case", bearerToken(r))

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, bearerToken(r))
}

func TestStripSensitiveHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-Upstream-Latency", "120ms")
	h.Set("X-Selected-Instance", "inst-a")
	h.Set("Content-Type", "application/json")

	sensitive := []string{"X-Upstream-Latency", "X-Selected-Instance"}
	debug := []string{"X-Upstream-Latency"}

	stripSensitiveHeaders(h, sensitive, debug, false)
	assert.Empty(t, h.Get("X-Upstream-Latency"))
	assert.Empty(t, h.Get("X-Selected-Instance"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
}

func TestStripSensitiveHeaders_InternalDebugKeepsWhitelist(t *testing.T) {
	h := http.Header{}
	h.Set("X-Upstream-Latency", "120ms")
	h.Set("X-Selected-Instance", "inst-a")

	sensitive := []string{"X-Upstream-Latency", "X-Selected-Instance"}
	debug := []string{"X-Upstream-Latency"}

	stripSensitiveHeaders(h, sensitive, debug, true)
	assert.Equal(t, "120ms", h.Get("X-Upstream-Latency"))
	assert.Empty(t, h.Get("X-Selected-Instance"))
}
