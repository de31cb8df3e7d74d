// Package cache provides internal cache management.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// 💾 缓存管理器
// =============================================================================

// Manager 缓存管理器
type Manager struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger

	// Lua 脚本注册表: name -> {sha, source}
	scriptMu sync.RWMutex
	scripts  map[string]*script

	sf singleflight.Group

	mu     sync.RWMutex
	closed bool
}

type script struct {
	sha    string
	source string
}

// Config 缓存配置
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 默认过期时间
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		DB:           0,
		DefaultTTL:   5 * time.Minute,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// NewManager 创建缓存管理器
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		redis:   client,
		config:  config,
		logger:  logger.With(zap.String("component", "cache")),
		scripts: make(map[string]*script),
	}

	logger.Info("cache manager initialized",
		zap.String("addr", config.Addr),
		zap.Int("pool_size", config.PoolSize),
	)

	return m, nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Get 获取缓存值
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	if err := m.checkClosed(); err != nil {
		return "", err
	}

	val, err := m.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		m.logger.Error("cache get failed", zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("cache get failed: %w", err)
	}

	return val, nil
}

// Set 设置缓存值；ttl 为 0 时使用默认 TTL（带抖动）
func (m *Manager) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := m.checkClosed(); err != nil {
		return err
	}

	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}

	if err := m.redis.Set(ctx, key, value, JitterTTL(ttl)).Err(); err != nil {
		m.logger.Error("cache set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache set failed: %w", err)
	}

	return nil
}

// SetAsync 异步设置缓存值（best-effort，失败只记日志）
func (m *Manager) SetAsync(key string, value string, ttl time.Duration) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := m.Set(ctx, key, value, ttl); err != nil {
			m.logger.Warn("async cache set failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// SetNX 仅当键不存在时设置；返回是否设置成功
func (m *Manager) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	if err := m.checkClosed(); err != nil {
		return false, err
	}
	ok, err := m.redis.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache setnx failed: %w", err)
	}
	return ok, nil
}

// GetJSON 获取 JSON 缓存值
func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	val, err := m.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}

	return nil
}

// SetJSON 设置 JSON 缓存值
func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	return m.Set(ctx, key, string(data), ttl)
}

// Delete 删除缓存值
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if err := m.checkClosed(); err != nil {
		return err
	}

	if len(keys) == 0 {
		return nil
	}

	if err := m.redis.Del(ctx, keys...).Err(); err != nil {
		m.logger.Error("cache delete failed", zap.Strings("keys", keys), zap.Error(err))
		return fmt.Errorf("cache delete failed: %w", err)
	}

	return nil
}

// Incr 递增计数器；首次创建时设置 TTL
func (m *Manager) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := m.checkClosed(); err != nil {
		return 0, err
	}

	count, err := m.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache incr failed: %w", err)
	}
	if count == 1 && ttl > 0 {
		if err := m.redis.Expire(ctx, key, ttl).Err(); err != nil {
			m.logger.Warn("cache expire after incr failed", zap.String("key", key), zap.Error(err))
		}
	}
	return count, nil
}

// HGetAll 获取整个 Hash
func (m *Manager) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := m.checkClosed(); err != nil {
		return nil, err
	}
	res, err := m.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cache hgetall failed: %w", err)
	}
	return res, nil
}

// HSet 设置 Hash 字段
func (m *Manager) HSet(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	if err := m.checkClosed(); err != nil {
		return err
	}
	if err := m.redis.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("cache hset failed: %w", err)
	}
	if ttl > 0 {
		if err := m.redis.Expire(ctx, key, JitterTTL(ttl)).Err(); err != nil {
			m.logger.Warn("cache expire after hset failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Exists 检查键是否存在
func (m *Manager) Exists(ctx context.Context, keys ...string) (int64, error) {
	if err := m.checkClosed(); err != nil {
		return 0, err
	}

	count, err := m.redis.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("cache exists check failed: %w", err)
	}

	return count, nil
}

// Expire 设置键的过期时间
func (m *Manager) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := m.checkClosed(); err != nil {
		return err
	}

	if err := m.redis.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("cache expire failed: %w", err)
	}

	return nil
}

// =============================================================================
// 📜 Lua 脚本
// =============================================================================

// ScriptLoad 注册并加载 Lua 脚本，源码保留用于 NOSCRIPT 重载
func (m *Manager) ScriptLoad(ctx context.Context, name, source string) (string, error) {
	if err := m.checkClosed(); err != nil {
		return "", err
	}

	sha, err := m.redis.ScriptLoad(ctx, source).Result()
	if err != nil {
		return "", fmt.Errorf("script load %s failed: %w", name, err)
	}

	m.scriptMu.Lock()
	m.scripts[name] = &script{sha: sha, source: source}
	m.scriptMu.Unlock()

	m.logger.Info("redis script loaded", zap.String("name", name), zap.String("sha", sha))
	return sha, nil
}

// PreloadScripts 批量注册脚本（启动时调用）
func (m *Manager) PreloadScripts(ctx context.Context, scripts map[string]string) error {
	for name, source := range scripts {
		if _, err := m.ScriptLoad(ctx, name, source); err != nil {
			return err
		}
	}
	return nil
}

// ScriptSHA 返回已注册脚本的 SHA
func (m *Manager) ScriptSHA(name string) (string, bool) {
	m.scriptMu.RLock()
	defer m.scriptMu.RUnlock()
	s, ok := m.scripts[name]
	if !ok {
		return "", false
	}
	return s.sha, true
}

// EvalSha 按名称执行已注册脚本。
// Redis 返回 NOSCRIPT 时从缓存的源码重载并重试一次。
func (m *Manager) EvalSha(ctx context.Context, name string, keys []string, args ...any) (any, error) {
	if err := m.checkClosed(); err != nil {
		return nil, err
	}

	m.scriptMu.RLock()
	s, ok := m.scripts[name]
	m.scriptMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %q not registered: %w", name, ErrScriptNotFound)
	}

	res, err := m.redis.EvalSha(ctx, s.sha, keys, args...).Result()
	if err != nil && isNoScript(err) {
		m.logger.Warn("script missing on server, reloading", zap.String("name", name))
		if _, lerr := m.ScriptLoad(ctx, name, s.source); lerr != nil {
			return nil, lerr
		}
		m.scriptMu.RLock()
		sha := m.scripts[name].sha
		m.scriptMu.RUnlock()
		res, err = m.redis.EvalSha(ctx, sha, keys, args...).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("evalsha %s failed: %w", name, err)
	}
	return res, nil
}

func isNoScript(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// =============================================================================
// 🔄 加载辅助
// =============================================================================

// GetOrLoad 读缓存，未命中时经 singleflight 调用 loader 并回填。
// 同一 key 的并发未命中只触发一次 loader。
func (m *Manager) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader func(context.Context) (string, error)) (string, error) {
	if val, err := m.Get(ctx, key); err == nil {
		return val, nil
	} else if !errors.Is(err, ErrCacheMiss) {
		return "", err
	}

	val, err, _ := m.sf.Do(key, func() (any, error) {
		loaded, err := loader(ctx)
		if err != nil {
			return "", err
		}
		if err := m.Set(ctx, key, loaded, ttl); err != nil {
			m.logger.Warn("cache backfill failed", zap.String("key", key), zap.Error(err))
		}
		return loaded, nil
	})
	if err != nil {
		return "", err
	}
	return val.(string), nil
}

// Ping 检查 Redis 连接
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.checkClosed(); err != nil {
		return err
	}
	return m.redis.Ping(ctx).Err()
}

// Close 关闭缓存管理器
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	m.logger.Info("closing cache manager")

	return m.redis.Close()
}

func (m *Manager) checkClosed() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("cache manager is closed")
	}
	return nil
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// JitterTTL 给 TTL 增加 ±10% 随机抖动，避免同批键同时过期造成雪崩
func JitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	jitter := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(ttl) * jitter)
}

// ErrCacheMiss 缓存未命中错误
var ErrCacheMiss = errors.New("cache miss")

// ErrScriptNotFound 脚本未注册错误
var ErrScriptNotFound = errors.New("script not registered")

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
