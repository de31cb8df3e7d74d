// 版权所有 2024 Gateflow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的缓存管理能力，支持 Lua 脚本注册、
JSON 序列化与防击穿加载。

# 概述

本包封装 go-redis 客户端，为网关各层提供统一的缓存读写接口。
Manager 负责连接生命周期管理，包括初始化、脚本预加载与优雅关闭。
限流与配额扣减依赖的 Lua 脚本通过 ScriptLoad 注册，
EvalSha 在 Redis 重启丢失脚本（NOSCRIPT）时自动重载重试。

# 核心类型

  - Manager：缓存管理器，持有 Redis 客户端与脚本注册表，
    提供 Get/Set/SetNX/Delete/Incr/Expire 等基础操作，
    以及 GetJSON/SetJSON 便捷序列化方法。
  - Config：缓存配置，包含地址、密码、连接池大小与默认 TTL。
  - Keys：网关统一缓存键命名（gw: 前缀），见 keys.go。

# 主要能力

  - 键值读写：支持字符串与 JSON 两种模式的缓存存取。
  - Lua 脚本：ScriptLoad 注册、EvalSha 执行，NOSCRIPT 自动恢复。
  - 防击穿：GetOrLoad 通过 singleflight 合并同键并发回源。
  - TTL 抖动：JitterTTL 为过期时间增加 ±10% 随机量，避免雪崩。
  - 错误语义：提供 ErrCacheMiss 哨兵错误与 IsCacheMiss 判断函数。
*/
package cache
