// Package tokenizer 提供统一的 Token 计数接口：tiktoken 精确计数 +
// CJK 感知估算器兜底，供历史裁剪、配额预检与计费回退使用。
package tokenizer
