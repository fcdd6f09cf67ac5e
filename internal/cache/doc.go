// 版权所有 2024 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 在共享的 Redis 客户端之上提供带命名空间与默认 TTL 的 JSON 缓存。

# 概述

Manager 不负责建立连接：cmd/agentgate 打开 Redis 客户端后交给
NewManagerFromClient，由 Manager 负责后台探活与关闭。approval.CachedStore
用 GetJSON/SetJSON/Delete 作为审批状态读取的旁路缓存。

# 错误语义

  - ErrCacheMiss / IsCacheMiss：键不存在或已过期。
  - ErrClosed：管理器已关闭。
*/
package cache
