// Package transform 负责网关的三段请求/响应变换：
// 入口适配（Anthropic messages / OpenAI responses → 规范请求）、
// 模板渲染（simple_replace 合并补丁、表达式替换、vendor 构建器 + URL 推导）、
// 响应归一（厂商异构响应 → OpenAI 形状）与脱敏。
package transform
