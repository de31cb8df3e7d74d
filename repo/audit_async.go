package repo

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/internal/pool"
)

// AsyncAuditSink 把审计写入转到工作池执行。审计永远不能拖慢请求：
// 队列满时丢行并记日志，而不是反压到管线。
type AsyncAuditSink struct {
	inner  AuditSink
	pool   *pool.GoroutinePool
	logger *zap.Logger
}

// NewAsyncAuditSink 包装任意 AuditSink 为异步写入
func NewAsyncAuditSink(inner AuditSink, queueSize int, logger *zap.Logger) *AsyncAuditSink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	l := logger.With(zap.String("component", "audit_async"))
	p := pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		MaxWorkers:  4,
		QueueSize:   queueSize,
		IdleTimeout: time.Minute,
		PanicHandler: func(v any) {
			l.Error("audit worker panic", zap.Any("panic", v))
		},
	})
	return &AsyncAuditSink{inner: inner, pool: p, logger: l}
}

// Append 投递一条审计行。入队即返回，失败只记日志。
func (s *AsyncAuditSink) Append(_ context.Context, row *GatewayLog) error {
	err := s.pool.Submit(context.Background(), func(ctx context.Context) error {
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return s.inner.Append(writeCtx, row)
	})
	if err != nil {
		s.logger.Warn("audit row dropped",
			zap.String("trace_id", row.TraceID),
			zap.Error(err))
	}
	return nil
}

// Close 等在途审计写完
func (s *AsyncAuditSink) Close() {
	s.pool.Close()
}
