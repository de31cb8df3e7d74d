package transform

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🖋️ 请求模板渲染
// =============================================================================

// 模板引擎名
const (
	EngineSimpleReplace = "simple_replace"
	EngineExpression    = "expression"
	EngineVendor        = "vendor"
)

// RenderedRequest 渲染产物：上游 URL、请求体与请求头
type RenderedRequest struct {
	URL     string
	Body    []byte
	Headers map[string]string
}

// RenderRequest 按候选的模板配置渲染上游请求。
// vars 是表达式引擎的求值上下文（trace_id、session 摘要等）。
// 认证头不在这里注入，由调用方在解出明文凭证后附加。
func RenderRequest(cand *types.UpstreamCandidate, req *types.ChatRequest, vars map[string]any) (*RenderedRequest, error) {
	body, err := buildBody(cand, req, vars)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal rendered body: %w", err)
	}

	url, err := BuildUpstreamURL(cand)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range cand.DefaultHeaders {
		headers[k] = renderString(v, vars)
	}

	return &RenderedRequest{URL: url, Body: raw, Headers: headers}, nil
}

func buildBody(cand *types.UpstreamCandidate, req *types.ChatRequest, vars map[string]any) (map[string]any, error) {
	engine := cand.Template.Engine
	if engine == "" {
		engine = EngineSimpleReplace
	}

	switch engine {
	case EngineSimpleReplace, EngineExpression:
		base, err := canonicalMap(req, cand.UpstreamModel)
		if err != nil {
			return nil, err
		}
		// default_params 垫底，请求字段覆盖
		for k, v := range cand.DefaultParams {
			if _, ok := base[k]; !ok {
				base[k] = v
			}
		}
		patch := cand.Template.Body
		if engine == EngineExpression {
			patch = renderTree(patch, vars).(map[string]any)
		}
		return mergePatch(base, patch), nil

	case EngineVendor:
		return buildVendorBody(cand, req)

	default:
		return nil, types.NewError(types.SourceGateway, types.ErrTemplateRenderFailed,
			fmt.Sprintf("unknown template engine: %s", engine)).WithHTTPStatus(502)
	}
}

// canonicalMap 把规范请求转为可合并的 map，并换上上游侧模型名
func canonicalMap(req *types.ChatRequest, upstreamModel string) (map[string]any, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical request: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal canonical request: %w", err)
	}
	if upstreamModel != "" {
		m["model"] = upstreamModel
	}
	for k, v := range req.Extra {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return m, nil
}

// mergePatch RFC 7386 合并补丁：null 删除字段，嵌套 map 递归合并
func mergePatch(target map[string]any, patch map[string]any) map[string]any {
	if patch == nil {
		return target
	}
	out := make(map[string]any, len(target))
	for k, v := range target {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		if pm, ok := v.(map[string]any); ok {
			if tm, ok := out[k].(map[string]any); ok {
				out[k] = mergePatch(tm, pm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// =============================================================================
// 🔤 表达式替换
// =============================================================================

var (
	braceExpr  = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)
	dollarExpr = regexp.MustCompile(`\$\{(\w+)\}`)
)

// renderTree 深度遍历模板，对字符串叶子做变量替换
func renderTree(obj any, vars map[string]any) any {
	switch v := obj.(type) {
	case string:
		return renderString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = renderTree(elem, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = renderTree(elem, vars)
		}
		return out
	default:
		return obj
	}
}

// renderString 替换 {{ var.path }} 与 ${var} 两种占位符。
// 未定义的变量替换为空串，与入口侧的宽松渲染保持一致。
func renderString(s string, vars map[string]any) string {
	if !strings.Contains(s, "{{") && !strings.Contains(s, "${") {
		return s
	}
	s = braceExpr.ReplaceAllStringFunc(s, func(match string) string {
		path := braceExpr.FindStringSubmatch(match)[1]
		return lookupPath(vars, path)
	})
	s = dollarExpr.ReplaceAllStringFunc(s, func(match string) string {
		key := dollarExpr.FindStringSubmatch(match)[1]
		return lookupPath(vars, key)
	})
	return s
}

// lookupPath 沿点路径取值，缺失返回空串
func lookupPath(vars map[string]any, path string) string {
	var cur any = vars
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[seg]
		if !ok {
			return ""
		}
	}
	if cur == nil {
		return ""
	}
	switch v := cur.(type) {
	case string:
		return v
	case float64:
		// json 数字
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
