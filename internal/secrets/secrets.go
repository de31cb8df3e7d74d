// Package secrets resolves credential references to plaintext secrets.
// Candidate configs never carry plaintext keys, only a secret_ref_id;
// resolution happens here, as late as possible, right before the
// upstream call.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/internal/cache"
)

// =============================================================================
// 🔐 凭证解析
// =============================================================================

// Secret 明文密钥。String/JSON 输出一律打码，防止误入日志。
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Reveal 返回明文，仅在构造上游请求头时调用
func (s Secret) Reveal() string {
	return string(s)
}

// Store 密钥后端。按 ref 返回明文，找不到返回错误。
type Store interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvStore 从环境变量解析 env:VAR_NAME 形式的 ref
type EnvStore struct{}

func (EnvStore) Resolve(_ context.Context, ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, "env:")
	if !ok {
		return "", fmt.Errorf("env store cannot resolve ref %q", ref)
	}
	val, ok := os.LookupEnv(name)
	if !ok || val == "" {
		return "", fmt.Errorf("secret env %s is not set", name)
	}
	return val, nil
}

// ChainStore 依次尝试多个后端，第一个成功者胜出
type ChainStore []Store

func (c ChainStore) Resolve(ctx context.Context, ref string) (string, error) {
	var lastErr error
	for _, s := range c {
		val, err := s.Resolve(ctx, ref)
		if err == nil {
			return val, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no secret store configured")
	}
	return "", fmt.Errorf("resolve secret ref %q: %w", ref, lastErr)
}

// =============================================================================
// ⚡ 带缓存的解析器
// =============================================================================

// Resolver 带 TTL 缓存的密钥解析器。
// 缓存命中走 Redis；未命中经 singleflight 回源后端并回填。
// 凭证轮换时调用 Invalidate 立即失效。
type Resolver struct {
	store  Store
	cache  *cache.Manager
	keys   cache.Keys
	ttl    time.Duration
	logger *zap.Logger
}

// NewResolver 创建解析器；cm 为 nil 时直连后端不缓存
func NewResolver(store Store, cm *cache.Manager, ttl time.Duration, logger *zap.Logger) *Resolver {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Resolver{
		store:  store,
		cache:  cm,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "secrets")),
	}
}

// Resolve 按 provider + ref 解析明文密钥
func (r *Resolver) Resolve(ctx context.Context, provider, ref string) (Secret, error) {
	if ref == "" {
		return "", fmt.Errorf("empty secret ref for provider %s", provider)
	}

	if r.cache == nil {
		val, err := r.store.Resolve(ctx, ref)
		return Secret(val), err
	}

	val, err := r.cache.GetOrLoad(ctx, r.keys.UpstreamCredential(provider, ref), r.ttl,
		func(ctx context.Context) (string, error) {
			r.logger.Debug("resolving secret from backend",
				zap.String("provider", provider),
				zap.String("ref", ref),
			)
			return r.store.Resolve(ctx, ref)
		})
	if err != nil {
		return "", err
	}
	return Secret(val), nil
}

// Invalidate 使缓存的密钥失效（轮换后调用）
func (r *Resolver) Invalidate(ctx context.Context, provider, ref string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Delete(ctx, r.keys.UpstreamCredential(provider, ref))
}
