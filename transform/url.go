package transform

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🔗 上游 URL 推导
// =============================================================================

// 版本段形如 /v1、/v1beta、/v2
var versionSegment = regexp.MustCompile(`/v\d+[a-z]*(/|$)`)

// BuildUpstreamURL 由候选推导完整上游 URL：
//   - OpenAI 协议: base_url 缺少版本段时自动补 /v1；
//     template.auto_append_v1 显式设置时覆盖探测结果
//   - Azure: 追加 api-version 查询参数
//   - Gemini/Vertex: 保持原始路径，{model} 占位符换为上游模型名
func BuildUpstreamURL(cand *types.UpstreamCandidate) (string, error) {
	base := strings.TrimRight(cand.BaseURL, "/")
	if base == "" {
		return "", fmt.Errorf("candidate %s has empty base url", cand.Key())
	}

	path := cand.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = strings.ReplaceAll(path, "{model}", cand.UpstreamModel)

	switch cand.Protocol {
	case types.ProtocolOpenAI, types.ProtocolCustom:
		if shouldAppendV1(cand, base) {
			base += "/v1"
		}
	case types.ProtocolAzure:
		full := base + path
		apiVersion := cand.Template.APIVersion
		if apiVersion == "" {
			apiVersion = "2024-02-01"
		}
		u, err := url.Parse(full)
		if err != nil {
			return "", fmt.Errorf("parse azure url %s: %w", full, err)
		}
		q := u.Query()
		q.Set("api-version", apiVersion)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}

	return base + path, nil
}

// shouldAppendV1 显式 auto_append_v1 优先；未设置时探测版本段
func shouldAppendV1(cand *types.UpstreamCandidate, base string) bool {
	if cand.Template.AutoAppendV1 != nil {
		return *cand.Template.AutoAppendV1
	}
	return !versionSegment.MatchString(base)
}

// ApplyAuth 把解出的明文凭证附加到请求头或 URL 上，
// 返回可能被改写的 URL（query 认证时）。
func ApplyAuth(headers map[string]string, rawURL string, authType types.AuthType, headerName, secret string) (string, error) {
	switch authType {
	case types.AuthBearer:
		headers["Authorization"] = "Bearer " + secret
	case types.AuthAPIKey:
		name := headerName
		if name == "" {
			name = "x-api-key"
		}
		headers[name] = secret
	case types.AuthBasic:
		headers["Authorization"] = "Basic " + secret
	case types.AuthQuery:
		name := headerName
		if name == "" {
			name = "key"
		}
		u, err := url.Parse(rawURL)
		if err != nil {
			return rawURL, fmt.Errorf("parse url for query auth: %w", err)
		}
		q := u.Query()
		q.Set(name, secret)
		u.RawQuery = q.Encode()
		return u.String(), nil
	case types.AuthNone:
	default:
		return rawURL, fmt.Errorf("unsupported auth type: %s", authType)
	}
	return rawURL, nil
}
