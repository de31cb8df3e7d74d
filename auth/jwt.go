package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BaSui01/gateflow/repo"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🎫 JWT 访问令牌
// =============================================================================

// Claims 访问令牌载荷。TokenVersion 与用户行比对，
// 改密或强制下线后旧令牌立即失效。
type Claims struct {
	UserID       int64 `json:"uid"`
	TokenVersion int   `json:"tv"`
	jwt.RegisteredClaims
}

// TokenIssuer 签发与校验内部通道访问令牌（HS256）
type TokenIssuer struct {
	secret    []byte
	accessTTL time.Duration
	users     repo.KeyRepo
}

// NewTokenIssuer 创建令牌签发器
func NewTokenIssuer(secret string, accessTTL time.Duration, users repo.KeyRepo) (*TokenIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret must not be empty")
	}
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	return &TokenIssuer{
		secret:    []byte(secret),
		accessTTL: accessTTL,
		users:     users,
	}, nil
}

// Issue 为用户签发访问令牌
func (i *TokenIssuer) Issue(user *repo.User) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:       user.ID,
		TokenVersion: user.TokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", user.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Verify 解析并校验令牌，比对用户当前 token_version
func (i *TokenIssuer) Verify(ctx context.Context, tokenStr string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims,
		func(t *jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil || !token.Valid {
		return nil, types.NewError(types.SourceClient, types.ErrUnauthorized, "invalid or expired token").
			WithCause(err).WithHTTPStatus(401)
	}

	user, err := i.users.GetUser(ctx, claims.UserID)
	if err != nil {
		return nil, types.NewError(types.SourceClient, types.ErrUnauthorized, "token subject not found").
			WithCause(err).WithHTTPStatus(401)
	}
	if user.TokenVersion != claims.TokenVersion {
		return nil, types.NewError(types.SourceClient, types.ErrUnauthorized, "token revoked").
			WithHTTPStatus(401)
	}
	return &claims, nil
}
