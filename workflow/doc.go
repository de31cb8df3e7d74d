// Package workflow 是请求管线的编排核心：每个请求一份 WorkflowContext，
// 编排引擎按 (channel, capability) 解析出步骤模板，做环检测与拓扑分层，
// 逐步串行执行（保证上下文变更安全），失败按步骤策略重试/跳过/降级/中止，
// 中止时跳过全部传递依赖。步骤状态帧经事件总线推送给订阅者。
package workflow
