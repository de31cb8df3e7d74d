// Package upstream 负责出站调用：SSRF 防护（内网地址拒绝 + 出站域名
// 白名单）、按主机的三态熔断器、带退避的故障转移遍历，以及 SSE 流式
// 转发与 token 累计。首字节之后的流中断不可重试，按已送达部分计费。
package upstream
