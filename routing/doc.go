// Package routing 实现多臂老虎机选路：候选过滤（冷却、灰度、必填
// 字段）、四种选择策略（epsilon_greedy / thompson / ucb1 / weighted）、
// 会话亲和加分，并总是返回有序的故障转移列表而非单一选择。
// 臂状态回写走版本号 CAS，冲突重读重试，超限丢弃本次更新。
package routing
