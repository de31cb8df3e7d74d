package upstream

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/internal/tlsutil"
)

// =============================================================================
// 🌐 出站 HTTP 客户端
// =============================================================================

// newHTTPClient 构造带连接池的出站客户端。
// 不设全局 Timeout，超时由每次尝试的 context 控制（流式请求会长时间挂起）。
func newHTTPClient(cfg config.UpstreamConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsutil.DefaultTLSConfig(),
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.FirstByteTimeout,
		ExpectContinueTimeout: time.Second,
	}
	// 上游多为 HTTPS，协商走 h2；失败自动回退 http/1.1
	if err := http2.ConfigureTransport(transport); err == nil {
		transport.ForceAttemptHTTP2 = true
	}

	return &http.Client{Transport: transport}
}
