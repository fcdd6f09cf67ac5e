// 版权所有 2024 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package types 提供 agentgate 全局共享的类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent、llm、api
等上层模块提供统一的类型契约，避免循环依赖。

# 核心类型

  - Message / ToolCall：对话消息与模型提出的工具调用
  - ToolSchema / ToolResult：工具定义与执行结果（失败结果以消息形式回灌）
  - Error / ErrorCode：结构化错误：NOT_FOUND、STORAGE_FAILURE、
    AGENT_FAILURE、TOOL_FAILURE、MISCONFIGURATION 等

# 主要能力

  - Context 传播：WithTraceID / WithRequestID / WithCallerRole / WithThreadID
  - 错误工具链：WrapError / AsError / IsErrorCode / IsRetryable
*/
package types
