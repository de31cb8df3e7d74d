package transform

import (
	"net/http"
	"regexp"
	"strings"
)

// =============================================================================
// 🧼 脱敏
// =============================================================================

var sensitiveKeyPattern = regexp.MustCompile(`(?i)password|secret|token|api_key`)

// SanitizeHeaders 从转发响应头里剥除敏感头。
// keepDebug 时保留 debugHeaders 列出的调试头（内部通道排障用）。
func SanitizeHeaders(h http.Header, sensitive, debugHeaders []string, keepDebug bool) {
	keep := make(map[string]bool, len(debugHeaders))
	if keepDebug {
		for _, name := range debugHeaders {
			keep[http.CanonicalHeaderKey(name)] = true
		}
	}
	for _, name := range sensitive {
		canonical := http.CanonicalHeaderKey(name)
		if keep[canonical] {
			continue
		}
		h.Del(canonical)
	}
}

// RemoveFields 按点路径删除响应体字段
func RemoveFields(body map[string]any, paths []string) {
	for _, path := range paths {
		deletePath(body, strings.Split(path, "."))
	}
}

// MaskFields 按点路径把字符串字段打码为 "***"
func MaskFields(body map[string]any, paths []string) {
	for _, path := range paths {
		segs := strings.Split(path, ".")
		parent, last := walkToParent(body, segs)
		if parent == nil {
			continue
		}
		if _, ok := parent[last]; ok {
			parent[last] = "***"
		}
	}
}

// Redact 递归脱敏任意 JSON 树：键名命中 password|secret|token|api_key
// 的值替换为 "***"。返回新树，不改原对象。
func Redact(obj any) any {
	switch v := obj.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			if sensitiveKeyPattern.MatchString(k) {
				out[k] = "***"
				continue
			}
			out[k] = Redact(elem)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = Redact(elem)
		}
		return out
	default:
		return obj
	}
}

func deletePath(body map[string]any, segs []string) {
	parent, last := walkToParent(body, segs)
	if parent != nil {
		delete(parent, last)
	}
}

// walkToParent 沿路径走到倒数第二层，返回父 map 与末段键名
func walkToParent(body map[string]any, segs []string) (map[string]any, string) {
	if len(segs) == 0 {
		return nil, ""
	}
	cur := body
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return nil, ""
		}
		cur = next
	}
	return cur, segs[len(segs)-1]
}
