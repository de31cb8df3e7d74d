package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/internal/cache"
	"github.com/BaSui01/gateflow/repo"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// ✍️ 请求签名校验
// =============================================================================

// SignatureInput 外部请求携带的签名四元组与来源 IP
type SignatureInput struct {
	APIKey    string // X-Api-Key 明文
	Timestamp string // X-Timestamp（Unix 秒）
	Nonce     string // X-Nonce
	Signature string // X-Signature
	ClientIP  string
}

// SignatureVerifier 校验外部通道请求签名。
// 校验顺序: 密钥查找 → 拉黑短路 → IP 白名单 → 时间戳偏移 →
// nonce 防重放 → HMAC 比对。失败计数达到阈值后临时拉黑密钥。
type SignatureVerifier struct {
	cache     *cache.Manager
	keys      repo.KeyRepo
	cacheKeys cache.Keys
	cfg       config.SecurityConfig
	whitelist []*net.IPNet
	logger    *zap.Logger
}

// NewSignatureVerifier 创建签名校验器。
// 白名单里的裸 IP 视作 /32（IPv6 为 /128）。
func NewSignatureVerifier(cacheMgr *cache.Manager, keys repo.KeyRepo, cfg config.SecurityConfig, logger *zap.Logger) *SignatureVerifier {
	v := &SignatureVerifier{
		cache:  cacheMgr,
		keys:   keys,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "signature")),
	}
	for _, entry := range cfg.WhitelistIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			if strings.Contains(entry, ":") {
				entry += "/128"
			} else {
				entry += "/32"
			}
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			v.logger.Warn("ignoring invalid whitelist entry", zap.String("entry", entry))
			continue
		}
		v.whitelist = append(v.whitelist, ipNet)
	}
	return v
}

// Verify 校验签名并返回对应的 API Key 记录。
// 白名单 IP 跳过签名本身，但密钥仍须存在且启用（配额照常检查）。
func (v *SignatureVerifier) Verify(ctx context.Context, in SignatureInput) (*repo.APIKey, error) {
	if in.APIKey == "" {
		return nil, unauthorized("missing api key")
	}

	key, err := v.keys.GetByKeyHash(ctx, HashKey(in.APIKey))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, unauthorized("unknown or disabled api key")
		}
		return nil, types.NewError(types.SourceGateway, types.ErrInternal, "api key lookup failed").
			WithCause(err).WithHTTPStatus(500)
	}

	// 拉黑短路：拉黑期间一律拒绝，连白名单也不放行
	blacklisted, err := v.cache.Exists(ctx, v.cacheKeys.APIKeyBlacklist(key.ID))
	if err != nil {
		v.logger.Warn("blacklist check failed, continuing", zap.Error(err))
	} else if blacklisted > 0 {
		return nil, types.NewError(types.SourcePolicy, types.ErrForbidden, "api key temporarily blacklisted").
			WithHTTPStatus(403)
	}

	if v.ipWhitelisted(in.ClientIP) {
		return key, nil
	}

	if err := v.verifySignature(ctx, key, in); err != nil {
		v.recordFailure(ctx, key.ID)
		return nil, err
	}
	return key, nil
}

func (v *SignatureVerifier) verifySignature(ctx context.Context, key *repo.APIKey, in SignatureInput) error {
	if in.Timestamp == "" || in.Nonce == "" || in.Signature == "" {
		return unauthorized("missing signature headers")
	}

	ts, err := strconv.ParseInt(in.Timestamp, 10, 64)
	if err != nil {
		return unauthorized("malformed timestamp")
	}
	skew := time.Duration(v.cfg.SignatureSkewSeconds) * time.Second
	drift := time.Since(time.Unix(ts, 0))
	if drift > skew || drift < -skew {
		return unauthorized("timestamp outside allowed skew")
	}

	// nonce 只能用一次，TTL 与偏移窗口一致
	fresh, err := v.cache.SetNX(ctx, v.cacheKeys.SignatureNonce(key.ID, in.Nonce), "1", skew)
	if err != nil {
		return types.NewError(types.SourceGateway, types.ErrInternal, "nonce check failed").
			WithCause(err).WithHTTPStatus(500)
	}
	if !fresh {
		return unauthorized("nonce already used")
	}

	expected := Sign(in.APIKey, in.Timestamp, in.Nonce, key.SecretHash)
	if !equalHex(expected, in.Signature) {
		return unauthorized("signature mismatch")
	}
	return nil
}

// recordFailure 累加失败计数，达到阈值即拉黑
func (v *SignatureVerifier) recordFailure(ctx context.Context, keyID int64) {
	window := time.Duration(v.cfg.SignatureFailWindowSeconds) * time.Second
	count, err := v.cache.Incr(ctx, v.cacheKeys.SignatureFail(keyID), window)
	if err != nil {
		v.logger.Warn("signature fail counter unavailable", zap.Error(err))
		return
	}
	if count < int64(v.cfg.SignatureFailThreshold) {
		return
	}

	cooldown := time.Duration(v.cfg.BlacklistSeconds) * time.Second
	if err := v.cache.Set(ctx, v.cacheKeys.APIKeyBlacklist(keyID), "1", cooldown); err != nil {
		v.logger.Warn("failed to blacklist api key", zap.Int64("api_key_id", keyID), zap.Error(err))
		return
	}
	v.logger.Warn("api key blacklisted after repeated signature failures",
		zap.Int64("api_key_id", keyID),
		zap.Int64("failures", count),
		zap.Duration("cooldown", cooldown),
	)
}

func (v *SignatureVerifier) ipWhitelisted(clientIP string) bool {
	if clientIP == "" || len(v.whitelist) == 0 {
		return false
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, n := range v.whitelist {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func unauthorized(msg string) *types.Error {
	return types.NewError(types.SourceClient, types.ErrUnauthorized, fmt.Sprintf("authentication failed: %s", msg)).
		WithHTTPStatus(401)
}
