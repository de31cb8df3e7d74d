// Package conversation 维护会话状态：turn_index 的原子预留与消息落库、
// 按 token 预算裁剪的历史加载（摘要顶替被裁掉的早期轮次）、以及
// 空闲防抖的会话摘要任务。
package conversation
