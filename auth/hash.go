package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HashKey 返回 API Key 的存储哈希（十六进制 SHA-256）。
// 数据库只存哈希，明文 key 仅在请求头中出现一次。
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Sign 计算请求签名: HMAC-SHA256(api_key || timestamp || nonce, secret)
func Sign(apiKey, timestamp, nonce, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(apiKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// SecretHint 返回展示用的密钥尾号，如 "****a1b2"
func SecretHint(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

// equalHex 常数时间比较两个十六进制签名
func equalHex(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
