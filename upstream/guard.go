package upstream

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🛡️ SSRF 防护
// =============================================================================

// Guard 校验出站地址：禁止解析到内网/环回/链路本地网段，
// 白名单非空时主机名必须匹配其中一项。
type Guard struct {
	allowInternal bool
	whitelist     []string
	// 测试钩子，默认 net.DefaultResolver.LookupIP
	lookupIP func(ctx context.Context, host string) ([]net.IP, error)
}

// NewGuard 创建出站防护
func NewGuard(allowInternal bool, whitelist []string) *Guard {
	normalized := make([]string, 0, len(whitelist))
	for _, d := range whitelist {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			normalized = append(normalized, d)
		}
	}
	return &Guard{
		allowInternal: allowInternal,
		whitelist:     normalized,
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		},
	}
}

// CheckURL 校验一个上游 URL。任意一条解析结果落在受限网段即拒绝。
func (g *Guard) CheckURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return types.NewError(types.SourceUpstream, types.ErrUpstreamDomainNotAllowed,
			"invalid upstream url").WithCause(err).WithHTTPStatus(502)
	}
	host := u.Hostname()
	if host == "" {
		return domainNotAllowed("upstream url has no host")
	}

	if !g.hostWhitelisted(host) {
		return domainNotAllowed("host " + host + " not in outbound whitelist")
	}

	if g.allowInternal {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isRestrictedIP(ip) {
			return domainNotAllowed("host " + host + " resolves to restricted network")
		}
		return nil
	}

	ips, err := g.lookupIP(ctx, host)
	if err != nil {
		return types.NewError(types.SourceUpstream, types.ErrUpstreamDomainNotAllowed,
			"host "+host+" did not resolve").WithCause(err).WithHTTPStatus(502).WithRetryable(true)
	}
	for _, ip := range ips {
		if isRestrictedIP(ip) {
			return domainNotAllowed("host " + host + " resolves to restricted network")
		}
	}
	return nil
}

// hostWhitelisted 白名单为空放行；否则精确匹配或点后缀匹配
func (g *Guard) hostWhitelisted(host string) bool {
	if len(g.whitelist) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, d := range g.whitelist {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func isRestrictedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// domainNotAllowed 标记为可重试：故障转移列表里的其他候选可能指向合法主机
func domainNotAllowed(msg string) error {
	return types.NewError(types.SourceUpstream, types.ErrUpstreamDomainNotAllowed, msg).
		WithHTTPStatus(502).WithRetryable(true)
}
