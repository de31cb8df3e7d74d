// Package tlsutil 提供集中式 TLS 加固配置（TLS 1.2+，仅 AEAD 密码套件），
// 供出站 HTTP 客户端统一引用。
package tlsutil
