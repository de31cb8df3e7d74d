// Package main 是 gateflow 可执行入口。
//
// serve 子命令装配整条请求管线：Redis 缓存层、GORM 仓储、上游调用器、
// 编排引擎与 HTTP 入口，然后同时拉起业务服务与 metrics 服务。
// migrate 子命令只做建表（GORM AutoMigrate），不依赖独立迁移工具。
package main
