package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/api"
	"github.com/BaSui01/gateflow/internal/pool"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应。先编码进复用缓冲再一次写出，
// 编码失败不会留下半截响应体。
func WriteJSON(w http.ResponseWriter, status int, data any) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, `{"error":{"source":"gateway","code":"INTERNAL","message":"encode response"}}`,
			http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// WriteError 把 types.Error 写成统一错误信封。
// 限流错误附带 Retry-After 响应头与 retry_after 字段。
func WriteError(w http.ResponseWriter, requestID string, err error, logger *zap.Logger) {
	ge := asGatewayError(err)

	status := ge.HTTPStatus
	if status == 0 {
		status = types.HTTPStatusFor(ge.Code)
	}
	if requestID != "" {
		w.Header().Set("X-Request-Id", requestID)
	}
	if ge.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ge.RetryAfter))
	}

	if logger != nil {
		logger.Warn("request rejected",
			zap.String("request_id", requestID),
			zap.String("source", string(ge.Source)),
			zap.String("code", string(ge.Code)),
			zap.Int("status", status),
			zap.Error(ge.Cause))
	}

	WriteJSON(w, status, api.ErrorResponse{Error: api.ErrorBody{
		Source:     string(ge.Source),
		Code:       string(ge.Code),
		Message:    ge.Message,
		RetryAfter: ge.RetryAfter,
		RequestID:  requestID,
	}})
}

// asGatewayError 未分类错误折叠为网关内部错误
func asGatewayError(err error) *types.Error {
	var ge *types.Error
	if errors.As(err, &ge) {
		return ge
	}
	return types.NewError(types.SourceGateway, types.ErrInternal, "internal error").
		WithCause(err).WithHTTPStatus(http.StatusInternalServerError)
}

// =============================================================================
// 🛡️ 请求辅助函数
// =============================================================================

// readBody 读取请求体。上限外多读 1 字节，超限判定留给校验步骤
// 返回精确的 413（而不是传输层截断的解码错误）。
func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	reader := io.Reader(r.Body)
	if limit > 0 {
		reader = io.LimitReader(r.Body, limit+1)
	}
	return io.ReadAll(reader)
}

// readAllBase64 读取上传内容并编码为 base64，超限即拒
func readAllBase64(r io.Reader, limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", types.NewError(types.SourceClient, types.ErrBadRequest, "read uploaded file").
			WithCause(err).WithHTTPStatus(400)
	}
	if int64(len(data)) > limit {
		return "", types.NewError(types.SourceClient, types.ErrRequestTooLarge,
			fmt.Sprintf("uploaded file exceeds limit %d", limit)).WithHTTPStatus(413)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// clientIP 取客户端 IP：信任链上最早的 X-Forwarded-For，
// 否则回落到连接对端地址。
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bearerToken 取 Authorization: Bearer 令牌
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// stripSensitiveHeaders 从响应头中剥离敏感项；
// 内部通道调试模式按白名单保留调试头。
func stripSensitiveHeaders(h http.Header, sensitive, debug []string, keepDebug bool) {
	keep := make(map[string]bool, len(debug))
	if keepDebug {
		for _, k := range debug {
			keep[http.CanonicalHeaderKey(k)] = true
		}
	}
	for _, k := range sensitive {
		ck := http.CanonicalHeaderKey(k)
		if !keep[ck] {
			h.Del(ck)
		}
	}
}
