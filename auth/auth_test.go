package auth

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/internal/cache"
	"github.com/BaSui01/gateflow/repo"
	"github.com/BaSui01/gateflow/types"
)

// fakeKeyRepo 内存密钥仓储
type fakeKeyRepo struct {
	keys  map[string]*repo.APIKey // key_hash -> row
	users map[int64]*repo.User
}

func (f *fakeKeyRepo) GetByKeyHash(_ context.Context, keyHash string) (*repo.APIKey, error) {
	if k, ok := f.keys[keyHash]; ok {
		return k, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeKeyRepo) GetUser(_ context.Context, id int64) (*repo.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, repo.ErrNotFound
}

func setupVerifier(t *testing.T, mutate func(*config.SecurityConfig)) (*SignatureVerifier, *miniredis.Miniredis, *fakeKeyRepo) {
	t.Helper()

	mr := miniredis.RunT(t)
	mgr, err := cache.NewManager(cache.Config{Addr: mr.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	cfg := config.SecurityConfig{
		SignatureSkewSeconds:       300,
		SignatureFailThreshold:     5,
		SignatureFailWindowSeconds: 300,
		BlacklistSeconds:           600,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	keys := &fakeKeyRepo{
		keys: map[string]*repo.APIKey{
			HashKey("ak-test"): {ID: 1, UserID: 10, SecretHash: "secret-hash", Enabled: true},
		},
		users: map[int64]*repo.User{
			10: {ID: 10, Username: "alice", TokenVersion: 0},
		},
	}
	return NewSignatureVerifier(mgr, keys, cfg, zap.NewNop()), mr, keys
}

func signedInput(nonce string) SignatureInput {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return SignatureInput{
		APIKey:    "ak-test",
		Timestamp: ts,
		Nonce:     nonce,
		Signature: Sign("ak-test", ts, nonce, "secret-hash"),
		ClientIP:  "203.0.113.7",
	}
}

func TestVerify_ValidSignature(t *testing.T) {
	v, _, _ := setupVerifier(t, nil)

	key, err := v.Verify(context.Background(), signedInput("n-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), key.ID)
}

func TestVerify_UnknownKey(t *testing.T) {
	v, _, _ := setupVerifier(t, nil)

	in := signedInput("n-1")
	in.APIKey = "ak-nope"
	_, err := v.Verify(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnauthorized, types.GetErrorCode(err))
}

func TestVerify_BadSignature(t *testing.T) {
	v, _, _ := setupVerifier(t, nil)

	in := signedInput("n-1")
	in.Signature = "deadbeef"
	_, err := v.Verify(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnauthorized, types.GetErrorCode(err))
}

func TestVerify_TimestampSkew(t *testing.T) {
	v, _, _ := setupVerifier(t, nil)

	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	in := SignatureInput{
		APIKey:    "ak-test",
		Timestamp: ts,
		Nonce:     "n-1",
		Signature: Sign("ak-test", ts, "n-1", "secret-hash"),
	}
	_, err := v.Verify(context.Background(), in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "skew")
}

func TestVerify_NonceReplay(t *testing.T) {
	v, _, _ := setupVerifier(t, nil)
	ctx := context.Background()

	in := signedInput("n-replay")
	_, err := v.Verify(ctx, in)
	require.NoError(t, err)

	// 同一 nonce 第二次被拒
	_, err = v.Verify(ctx, in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce")
}

func TestVerify_BlacklistAfterRepeatedFailures(t *testing.T) {
	v, _, _ := setupVerifier(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		in := signedInput(fmt.Sprintf("n-%d", i))
		in.Signature = "deadbeef"
		_, err := v.Verify(ctx, in)
		require.Error(t, err)
	}

	// 第 5 次失败后拉黑，合法签名也被短路
	_, err := v.Verify(ctx, signedInput("n-good"))
	require.Error(t, err)
	assert.Equal(t, types.ErrForbidden, types.GetErrorCode(err))
}

func TestVerify_WhitelistSkipsSignatureOnly(t *testing.T) {
	v, _, _ := setupVerifier(t, func(cfg *config.SecurityConfig) {
		cfg.WhitelistIPs = []string{"10.0.0.0/8", "203.0.113.7"}
	})
	ctx := context.Background()

	// 白名单 IP 无签名也放行
	key, err := v.Verify(ctx, SignatureInput{APIKey: "ak-test", ClientIP: "10.1.2.3"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), key.ID)

	// 但密钥仍须存在
	_, err = v.Verify(ctx, SignatureInput{APIKey: "ak-nope", ClientIP: "10.1.2.3"})
	require.Error(t, err)

	// 非白名单 IP 照常要签名
	_, err = v.Verify(ctx, SignatureInput{APIKey: "ak-test", ClientIP: "198.51.100.9"})
	require.Error(t, err)
}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	_, _, keys := setupVerifier(t, nil)

	issuer, err := NewTokenIssuer("test-secret", time.Hour, keys)
	require.NoError(t, err)

	token, err := issuer.Issue(keys.users[10])
	require.NoError(t, err)

	claims, err := issuer.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(10), claims.UserID)
}

func TestTokenIssuer_RevokedByTokenVersion(t *testing.T) {
	_, _, keys := setupVerifier(t, nil)

	issuer, err := NewTokenIssuer("test-secret", time.Hour, keys)
	require.NoError(t, err)

	token, err := issuer.Issue(keys.users[10])
	require.NoError(t, err)

	// 改密: token_version 递增后旧令牌失效
	keys.users[10].TokenVersion++
	_, err = issuer.Verify(context.Background(), token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revoked")
}

func TestTokenIssuer_RejectsGarbage(t *testing.T) {
	_, _, keys := setupVerifier(t, nil)

	issuer, err := NewTokenIssuer("test-secret", time.Hour, keys)
	require.NoError(t, err)

	_, err = issuer.Verify(context.Background(), "not-a-jwt")
	require.Error(t, err)
	assert.Equal(t, types.ErrUnauthorized, types.GetErrorCode(err))
}

func TestSecretHint(t *testing.T) {
	assert.Equal(t, "****a1b2", SecretHint("sk-xxxx-a1b2"))
	assert.Equal(t, "****", SecretHint("ab"))
}
