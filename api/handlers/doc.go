// Copyright (c) Gateflow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 Gateflow HTTP API 的请求处理器实现。

# 概述

handlers 包把入口 HTTP 请求接到编排管线：读取原始请求体与
认证素材写入管线上下文，执行对应 (channel, capability) 的引擎，
再把上下文里的响应（或错误投影）按协议写回客户端。
所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - Gateway       — 聊天/嵌入/图像/音频/视频统一入口，支持 SSE 流式
  - ModelsHandler — /v1/models 公开模型列表
  - EventsHandler — 状态事件流（SSE 与 websocket）
  - TokenHandler  — 内部通道 JWT 令牌交换
  - HealthHandler — /healthz 活跃度与 /readyz 依赖探活

# 主要能力

  - 统一错误信封：error.source / error.code / error.message，限流附 retry_after
  - 响应头：X-Request-Id、X-RateLimit-Remaining、Retry-After
  - SSE 下发：首帧前的失败仍可返回 JSON 错误体
  - 敏感响应头剥离：内部通道调试模式按白名单保留
*/
package handlers
