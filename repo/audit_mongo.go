package repo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// =============================================================================
// 🍃 Mongo 审计汇
// =============================================================================

// MongoAuditSink 将审计行写入 Mongo 集合（追加写，不更新）
type MongoAuditSink struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

// NewMongoAuditSink 连接 Mongo 并绑定集合
func NewMongoAuditSink(ctx context.Context, uri, database, collection string, logger *zap.Logger) (*MongoAuditSink, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &MongoAuditSink{
		client: client,
		coll:   client.Database(database).Collection(collection),
		logger: logger.With(zap.String("component", "audit_mongo")),
	}, nil
}

// Append 追加一条审计行
func (m *MongoAuditSink) Append(ctx context.Context, row *GatewayLog) error {
	doc := bson.M{
		"trace_id":       row.TraceID,
		"channel":        row.Channel,
		"capability":     row.Capability,
		"user_id":        row.UserID,
		"tenant":         row.Tenant,
		"api_key_id":     row.APIKeyID,
		"model":          row.Model,
		"provider":       row.Provider,
		"upstream_model": row.UpstreamModel,
		"status_code":    row.StatusCode,
		"error_source":   row.ErrorSource,
		"error_code":     row.ErrorCode,
		"input_tokens":   row.InputTokens,
		"output_tokens":  row.OutputTokens,
		"total_cost":     row.TotalCost,
		"latency_ms":     row.LatencyMS,
		"step_durations": row.StepDurations,
		"created_at":     row.CreatedAt,
	}
	if _, err := m.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// Close 断开 Mongo 连接
func (m *MongoAuditSink) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// =============================================================================
// 📜 日志审计汇
// =============================================================================

// ZapAuditSink 将审计行输出为结构化日志（sink=log 时使用）
type ZapAuditSink struct {
	logger *zap.Logger
}

// NewZapAuditSink 创建日志审计汇
func NewZapAuditSink(logger *zap.Logger) *ZapAuditSink {
	return &ZapAuditSink{logger: logger.With(zap.String("component", "audit"))}
}

// Append 输出一条审计行
func (z *ZapAuditSink) Append(_ context.Context, row *GatewayLog) error {
	z.logger.Info("gateway audit",
		zap.String("trace_id", row.TraceID),
		zap.String("channel", row.Channel),
		zap.String("capability", row.Capability),
		zap.Int64("user_id", row.UserID),
		zap.String("tenant", row.Tenant),
		zap.Int64("api_key_id", row.APIKeyID),
		zap.String("model", row.Model),
		zap.String("provider", row.Provider),
		zap.Int("status_code", row.StatusCode),
		zap.String("error_source", row.ErrorSource),
		zap.String("error_code", row.ErrorCode),
		zap.Int("input_tokens", row.InputTokens),
		zap.Int("output_tokens", row.OutputTokens),
		zap.Float64("total_cost", row.TotalCost),
		zap.Float64("latency_ms", row.LatencyMS),
	)
	return nil
}
