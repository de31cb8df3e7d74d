// Package gateflow wires the full gateway pipeline into an embeddable
// http.Handler.
//
// Usage:
//
//	import "github.com/BaSui01/gateflow"
//
//	app, err := gateflow.New(cfg, gateflow.WithLogger(logger))
//	if err != nil { ... }
//	defer app.Close(ctx)
//	http.ListenAndServe(":8080", app.Handler)
//
// The gateflow binary (cmd/gateflow) is a thin shell around this package:
// it adds process middleware, a metrics listener, and signal handling.
package gateflow

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/api/handlers"
	"github.com/BaSui01/gateflow/auth"
	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/conversation"
	"github.com/BaSui01/gateflow/internal/cache"
	"github.com/BaSui01/gateflow/internal/database"
	"github.com/BaSui01/gateflow/internal/eventbus"
	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/internal/secrets"
	"github.com/BaSui01/gateflow/quota"
	"github.com/BaSui01/gateflow/ratelimit"
	"github.com/BaSui01/gateflow/repo"
	"github.com/BaSui01/gateflow/routing"
	"github.com/BaSui01/gateflow/upstream"
	"github.com/BaSui01/gateflow/workflow"
	"github.com/BaSui01/gateflow/workflow/steps"
)

// Option 配置 [New] 的可选项
type Option func(*options)

type options struct {
	logger      *zap.Logger
	secretStore secrets.Store
	classifier  steps.MemoryClassifier
	summarizer  conversation.Summarizer
	auditSink   repo.AuditSink
	namespace   string
}

// WithLogger 指定日志器，默认 zap.NewNop
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSecretStore 指定凭证后端，默认环境变量（env:VAR_NAME）
func WithSecretStore(s secrets.Store) Option {
	return func(o *options) { o.secretStore = s }
}

// WithMemoryClassifier 指定记忆判定器。未配置时记忆写入整步跳过。
func WithMemoryClassifier(c steps.MemoryClassifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithSummarizer 指定会话摘要器。未配置时历史只裁剪不摘要。
func WithSummarizer(s conversation.Summarizer) Option {
	return func(o *options) { o.summarizer = s }
}

// WithAuditSink 覆盖配置选择的审计后端
func WithAuditSink(sink repo.AuditSink) Option {
	return func(o *options) { o.auditSink = sink }
}

// WithMetricsNamespace 指定 Prometheus 指标命名空间，默认 gateflow
func WithMetricsNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// App 已装配完成的网关。Handler 即完整路由表，可直接挂到任意
// http.Server 上；关闭时调用 Close 排空队列并断开连接。
type App struct {
	Handler http.Handler
	Metrics *metrics.Collector

	cfg           *config.Config
	logger        *zap.Logger
	cacheMgr      *cache.Manager
	poolManager   *database.PoolManager
	store         *repo.Store
	conversations *conversation.Manager
	auditSink     *repo.AsyncAuditSink
	bus           *eventbus.Bus
}

// New 装配网关：缓存、仓储、审计、管线引擎与 HTTP 路由
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{
		logger:      zap.NewNop(),
		secretStore: secrets.EnvStore{},
		namespace:   "gateflow",
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	ctx := context.Background()
	collector := metrics.NewCollector(o.namespace, logger)

	app := &App{Metrics: collector, cfg: cfg, logger: logger}

	cacheMgr, err := cache.NewManager(cache.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DefaultTTL:   cfg.Redis.DefaultTTL,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	app.cacheMgr = cacheMgr
	if err := cacheMgr.PreloadScripts(ctx, cache.AllScripts()); err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("preload scripts: %w", err)
	}

	db, err := database.Open(database.OpenConfig{
		Dialect: cfg.Database.Dialect,
		DSN:     cfg.Database.DSN,
	}, logger)
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("open database: %w", err)
	}
	app.poolManager, err = database.NewPoolManager(db, database.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("init connection pool: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	app.store = repo.NewStore(db, logger)

	inner := o.auditSink
	if inner == nil {
		inner, err = buildAuditSink(ctx, cfg, app.store, logger)
		if err != nil {
			app.Close(ctx)
			return nil, fmt.Errorf("init audit sink: %w", err)
		}
	}
	app.auditSink = repo.NewAsyncAuditSink(inner, cfg.Audit.QueueSize, logger)

	guard := upstream.NewGuard(cfg.Upstream.AllowInternalNetworks, cfg.Upstream.OutboundWhitelist)
	breakers := upstream.NewBreakerRegistry(
		cfg.Upstream.BreakerThreshold, cfg.Upstream.BreakerResetTimeout,
		cacheMgr, collector, logger)
	caller := upstream.NewCaller(cfg.Upstream, guard, breakers,
		cfg.Security.MaxResponseBytes, collector, logger)

	app.conversations = conversation.NewManager(app.store, cacheMgr, cfg.Conversation, o.summarizer, logger)

	deps := steps.Deps{
		Cfg:           cfg,
		Verifier:      auth.NewSignatureVerifier(cacheMgr, app.store, cfg.Security, logger),
		Quota:         quota.NewManager(cacheMgr, app.store, 0, logger),
		Limiter:       ratelimit.NewLimiter(cacheMgr, cfg.RateLimit, cfg.Security.WhitelistIPs, logger),
		Selector:      routing.NewSelector(app.store, app.store, cacheMgr, cfg.Routing, logger),
		Secrets:       secrets.NewResolver(o.secretStore, cacheMgr, 0, logger),
		Caller:        caller,
		Conversations: app.conversations,
		Memory:        memoryStore{store: app.store},
		Classifier:    o.classifier,
		Audit:         app.auditSink,
		Metrics:       collector,
		Logger:        logger,
	}

	reg := workflow.NewRegistry()
	if err := steps.RegisterAll(reg, deps); err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("register steps: %w", err)
	}
	engines, err := handlers.BuildEngines(reg, collector, logger)
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("build engines: %w", err)
	}

	app.bus = eventbus.NewBus(logger)
	issuer, err := auth.NewTokenIssuer(cfg.Security.JWTSecret, cfg.Security.JWTAccessTTL, app.store)
	if err != nil {
		logger.Warn("jwt secret not configured, internal channel disabled", zap.Error(err))
		issuer = nil
	}

	app.Handler = app.routes(engines, issuer)
	return app, nil
}

// routes 构建完整路由表
func (a *App) routes(engines handlers.Engines, issuer *auth.TokenIssuer) *http.ServeMux {
	gateway := handlers.NewGateway(engines, a.bus, issuer, a.cfg, a.logger)
	models := handlers.NewModelsHandler(a.store, a.logger)
	events := handlers.NewEventsHandler(a.bus, a.logger)

	health := handlers.NewHealthHandler(a.logger)
	health.RegisterCheck(handlers.NewPingCheck("redis", a.cacheMgr.Ping))
	health.RegisterCheck(handlers.NewPingCheck("database", a.poolManager.Ping))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.HandleHealthz)
	mux.HandleFunc("GET /readyz", health.HandleReady)

	mux.HandleFunc("POST /v1/chat/completions", gateway.HandleChatCompletions)
	mux.HandleFunc("POST /v1/messages", gateway.HandleMessages)
	mux.HandleFunc("POST /v1/responses", gateway.HandleResponses)
	mux.HandleFunc("POST /v1/embeddings", gateway.HandleEmbeddings)
	mux.HandleFunc("POST /v1/images/generations", gateway.HandleImages)
	mux.HandleFunc("POST /v1/audio/speech", gateway.HandleSpeech)
	mux.HandleFunc("POST /v1/audio/transcriptions", gateway.HandleTranscriptions)
	mux.HandleFunc("POST /v1/videos/generations", gateway.HandleVideo)
	mux.HandleFunc("GET /v1/models", models.HandleList)

	mux.HandleFunc("GET /v1/events/{trace_id}", events.HandleSSE)
	mux.HandleFunc("GET /v1/events/{trace_id}/ws", events.HandleWebSocket)

	if issuer != nil {
		token := handlers.NewTokenHandler(a.store, issuer, a.cfg.Security.JWTAccessTTL, a.logger)
		mux.HandleFunc("POST /internal/v1/auth/token", token.HandleIssue)
		mux.HandleFunc("POST /internal/v1/chat/completions", gateway.HandleInternalChat)
	}
	return mux
}

// buildAuditSink 按配置选择审计后端
func buildAuditSink(ctx context.Context, cfg *config.Config, store *repo.Store, logger *zap.Logger) (repo.AuditSink, error) {
	switch cfg.Audit.Sink {
	case "", "db":
		return store, nil
	case "mongo":
		return repo.NewMongoAuditSink(ctx,
			cfg.Audit.MongoURI, cfg.Audit.MongoDatabase, cfg.Audit.MongoCollection, logger)
	case "log":
		return repo.NewZapAuditSink(logger), nil
	default:
		return nil, fmt.Errorf("unknown audit sink %q", cfg.Audit.Sink)
	}
}

// memoryStore 把仓储的记忆写入适配成步骤侧的窄接口
type memoryStore struct{ store *repo.Store }

func (m memoryStore) Upsert(ctx context.Context, userID int64, fact string) error {
	return m.store.UpsertMemory(ctx, userID, fact)
}

// Close 排空审计队列并断开缓存与数据库连接。
// 调用方应先停掉自己的 http.Server 再关 App。
func (a *App) Close(_ context.Context) error {
	var firstErr error
	if a.conversations != nil {
		a.conversations.Close()
	}
	if a.auditSink != nil {
		a.auditSink.Close()
	}
	if a.poolManager != nil {
		if err := a.poolManager.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.cacheMgr != nil {
		if err := a.cacheMgr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
