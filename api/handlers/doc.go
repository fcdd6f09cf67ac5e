// 版权所有 2024 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package handlers 提供 AgentGate HTTP API 的请求处理器实现。

# 核心类型

  - TurnHandler：回合处理（JSON、multipart 附件、WebSocket）
  - ThreadHandler：审批状态与检查点历史
  - AttachmentHandler：签名附件下载
  - HealthHandler：/health、/ready、/version
  - Response：统一 JSON 响应结构（success + data + error + timestamp）

# 错误映射

WriteError 根据 types.Error 的 HTTPStatus 写出响应：
INVALID_REQUEST → 400，NOT_FOUND → 404，AGENT_FAILURE → 502，
STORAGE_FAILURE → 503，其余 → 500。非 types.Error 的错误一律按
INTERNAL_ERROR 返回，不暴露原始消息。

调用方角色由中间件写入 context（types.WithCallerRole），
TurnHandler 只负责读取。
*/
package handlers
