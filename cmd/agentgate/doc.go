/*
Package main 提供 AgentGate 服务端程序入口。

# 概述

cmd/agentgate 把审批门控执行器、检查点存储、审批状态存储、
附件管理与 Telegram 通道组装成一个进程，对外暴露 HTTP / WebSocket
接口，并提供数据库迁移与对话历史查看等子命令。

# 子命令

  - serve            启动 API、Metrics、附件清理与 Telegram 轮询
  - migrate <cmd>    执行 golang-migrate 迁移（up/down/status ...）
  - history <id>     打印线程最新检查点中的消息与审批阶段
  - version / health 版本信息与远程健康检查

# 中间件链

Recovery → RequestID → SecurityHeaders → OTelTracing → Metrics →
RequestLogger → CORS → JWTAuth → CallerRole → RateLimiter。

健康检查、版本与附件下载路径不经过认证与限流，附件下载依靠签名链接。

# 连接

Redis、MongoDB 与 SQL 连接只在配置需要时建立，见 requirementsOf。
*/
package main
