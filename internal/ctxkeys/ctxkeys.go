// Package ctxkeys 在 http.Request 的 context 与网关管线之间传递链路标识。
// 进程中间件在入口分配 trace_id，管线沿用同一个值，
// 日志、审计与事件总线因此串在同一条链路上。
package ctxkeys

import "context"

// contextKey 私有键类型，避免与其他包的 context 键冲突
type contextKey string

const traceIDKey contextKey = "trace_id"

// WithTraceID 把链路 ID 写入 context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID 读取链路 ID，未设置或为空时返回 false
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
