// =============================================================================
// 📦 GateFlow 配置
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("gateflow.yaml").
//	    WithEnvPrefix("GATEFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// 未知的 YAML 字段在加载时直接报错（KnownFields）。
// =============================================================================
package config

import "time"

// Config 是网关的完整配置结构
type Config struct {
	// Server HTTP 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Redis 缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Security 安全与签名配置
	Security SecurityConfig `yaml:"security" env:"SECURITY"`

	// RateLimit 限流默认值
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`

	// Upstream 上游调用配置
	Upstream UpstreamConfig `yaml:"upstream" env:"UPSTREAM"`

	// Routing 选路配置
	Routing RoutingConfig `yaml:"routing" env:"ROUTING"`

	// Conversation 会话配置
	Conversation ConversationConfig `yaml:"conversation" env:"CONVERSATION"`

	// Audit 审计日志配置
	Audit AuditConfig `yaml:"audit" env:"AUDIT"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// Metrics 监听地址
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时（流式请求需要足够长）
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// TLS 证书与私钥路径，二者都配置时网关口走 HTTPS
	TLSCert string `yaml:"tls_cert" env:"TLS_CERT"`
	TLSKey  string `yaml:"tls_key" env:"TLS_KEY"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 默认 TTL
	DefaultTTL time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 方言: mysql, postgres, sqlite
	Dialect string `yaml:"dialect" env:"DIALECT"`
	// DSN 连接串
	DSN string `yaml:"dsn" env:"DSN"`
	// 最大打开连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接数
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大存活时间
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	// 请求体大小上限（字节）
	MaxRequestBytes int64 `yaml:"max_request_bytes" env:"MAX_REQUEST_BYTES"`
	// 上游响应大小上限（字节）
	MaxResponseBytes int64 `yaml:"max_response_bytes" env:"MAX_RESPONSE_BYTES"`
	// 签名时间戳允许偏移（秒）
	SignatureSkewSeconds int `yaml:"signature_skew_seconds" env:"SIGNATURE_SKEW_SECONDS"`
	// 签名失败阈值（滚动窗口内达到即拉黑）
	SignatureFailThreshold int `yaml:"signature_fail_threshold" env:"SIGNATURE_FAIL_THRESHOLD"`
	// 签名失败统计窗口（秒）
	SignatureFailWindowSeconds int `yaml:"signature_fail_window_seconds" env:"SIGNATURE_FAIL_WINDOW_SECONDS"`
	// 拉黑时长（秒）
	BlacklistSeconds int `yaml:"blacklist_seconds" env:"BLACKLIST_SECONDS"`
	// 免签名 IP 白名单（CIDR 或精确 IP；仅跳过签名，不跳过配额）
	WhitelistIPs []string `yaml:"whitelist_ips" env:"WHITELIST_IPS"`
	// JWT 密钥（内部通道）
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// JWT 访问令牌有效期
	JWTAccessTTL time.Duration `yaml:"jwt_access_ttl" env:"JWT_ACCESS_TTL"`
	// 日志脱敏之外额外移除的响应头
	SensitiveHeaders []string `yaml:"sensitive_headers" env:"SENSITIVE_HEADERS"`
	// 内部通道调试时保留的响应头
	DebugHeaders []string `yaml:"debug_headers" env:"DEBUG_HEADERS"`
	// 内部通道是否保留调试头
	InternalDebug bool `yaml:"internal_debug" env:"INTERNAL_DEBUG"`
}

// RateLimitConfig 限流默认值（可被 API Key / 上游 limit_config 覆盖）
type RateLimitConfig struct {
	// 外部通道默认 RPM
	ExternalRPM int `yaml:"external_rpm" env:"EXTERNAL_RPM"`
	// 外部通道默认 TPM
	ExternalTPM int `yaml:"external_tpm" env:"EXTERNAL_TPM"`
	// 内部通道默认 RPM
	InternalRPM int `yaml:"internal_rpm" env:"INTERNAL_RPM"`
	// 内部通道默认 TPM
	InternalTPM int `yaml:"internal_tpm" env:"INTERNAL_TPM"`
	// 滑动窗口长度（秒）
	WindowSeconds int `yaml:"window_seconds" env:"WINDOW_SECONDS"`
}

// UpstreamConfig 上游调用配置
type UpstreamConfig struct {
	// 默认超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 连接超时
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	// 首字节超时
	FirstByteTimeout time.Duration `yaml:"first_byte_timeout" env:"FIRST_BYTE_TIMEOUT"`
	// 流式空闲超时（每个 SSE 帧重置）
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 故障转移最大尝试次数
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 重试退避基数
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	// 熔断阈值（连续失败次数）
	BreakerThreshold int `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	// 熔断恢复等待时间
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout" env:"BREAKER_RESET_TIMEOUT"`
	// 是否允许访问内网地址（默认拒绝，SSRF 防护）
	AllowInternalNetworks bool `yaml:"allow_internal_networks" env:"ALLOW_INTERNAL_NETWORKS"`
	// 出站域名白名单（非空时强制匹配）
	OutboundWhitelist []string `yaml:"outbound_whitelist" env:"OUTBOUND_WHITELIST"`
	// 连接池最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
}

// RoutingConfig 选路配置
type RoutingConfig struct {
	// 选路软超时
	SelectTimeout time.Duration `yaml:"select_timeout" env:"SELECT_TIMEOUT"`
	// 默认 epsilon
	Epsilon float64 `yaml:"epsilon" env:"EPSILON"`
	// 亲和加分
	AffinityBonus float64 `yaml:"affinity_bonus" env:"AFFINITY_BONUS"`
	// 亲和记录 TTL
	AffinityTTL time.Duration `yaml:"affinity_ttl" env:"AFFINITY_TTL"`
	// 臂冷却时长（连续失败后）
	ArmCooldown time.Duration `yaml:"arm_cooldown" env:"ARM_COOLDOWN"`
	// CAS 更新最大重试次数
	CASMaxRetries int `yaml:"cas_max_retries" env:"CAS_MAX_RETRIES"`
}

// ConversationConfig 会话配置
type ConversationConfig struct {
	// 历史加载 token 预算
	HistoryTokenBudget int `yaml:"history_token_budget" env:"HISTORY_TOKEN_BUDGET"`
	// 摘要任务空闲触发窗口
	SummaryIdleWindow time.Duration `yaml:"summary_idle_window" env:"SUMMARY_IDLE_WINDOW"`
}

// AuditConfig 审计日志配置
type AuditConfig struct {
	// Sink: db, mongo, log
	Sink string `yaml:"sink" env:"SINK"`
	// Mongo URI（sink=mongo 时）
	MongoURI string `yaml:"mongo_uri" env:"MONGO_URI"`
	// Mongo 数据库名
	MongoDatabase string `yaml:"mongo_database" env:"MONGO_DATABASE"`
	// Mongo 集合名
	MongoCollection string `yaml:"mongo_collection" env:"MONGO_COLLECTION"`
	// 异步写入队列长度
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 服务名
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// OTLP gRPC endpoint
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	// 采样率 0-1
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsAddr:     ":9090",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			DefaultTTL:   5 * time.Minute,
		},
		Database: DatabaseConfig{
			Dialect:         "postgres",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Security: SecurityConfig{
			MaxRequestBytes:            1 << 20, // 1 MiB
			MaxResponseBytes:           8 << 20,
			SignatureSkewSeconds:       300,
			SignatureFailThreshold:     5,
			SignatureFailWindowSeconds: 300,
			BlacklistSeconds:           600,
			JWTAccessTTL:               time.Hour,
			SensitiveHeaders: []string{
				"Authorization", "Proxy-Authorization", "X-Api-Key",
				"Set-Cookie", "X-Upstream-Latency", "X-Envoy-Upstream-Service-Time",
			},
			DebugHeaders: []string{"X-Request-Id", "X-Upstream-Latency"},
		},
		RateLimit: RateLimitConfig{
			ExternalRPM:   60,
			ExternalTPM:   100_000,
			InternalRPM:   600,
			InternalTPM:   1_000_000,
			WindowSeconds: 60,
		},
		Upstream: UpstreamConfig{
			Timeout:             120 * time.Second,
			ConnectTimeout:      10 * time.Second,
			FirstByteTimeout:    60 * time.Second,
			IdleTimeout:         90 * time.Second,
			MaxAttempts:         3,
			RetryBackoff:        500 * time.Millisecond,
			BreakerThreshold:    5,
			BreakerResetTimeout: 30 * time.Second,
			MaxIdleConns:        128,
		},
		Routing: RoutingConfig{
			SelectTimeout: 150 * time.Millisecond,
			Epsilon:       0.1,
			AffinityBonus: 0.15,
			AffinityTTL:   time.Hour,
			ArmCooldown:   60 * time.Second,
			CASMaxRetries: 3,
		},
		Conversation: ConversationConfig{
			HistoryTokenBudget: 8192,
			SummaryIdleWindow:  2 * time.Minute,
		},
		Audit: AuditConfig{
			Sink:            "db",
			MongoDatabase:   "gateflow",
			MongoCollection: "gateway_logs",
			QueueSize:       1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "gateflow",
			SampleRatio: 0.1,
		},
	}
}
