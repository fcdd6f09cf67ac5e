// 版权所有 2024 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 定义模型调用层的请求、响应与 [Provider] 接口。

# 概述

执行器只依赖 [Provider]：它把累积的对话历史与当前角色可见的工具 schema
组装成 [ChatRequest]，取 [ChatResponse] 的第一个候选消息作为本步结果。

子包：

  - providers/openaicompat：OpenAI 兼容的 /chat/completions 客户端
  - retry：带指数退避与抖动的重试器
  - tokenizer：基于 tiktoken 的 Token 计数，用于历史裁剪

# 错误

Provider 返回 [*Error]。HTTP 429、5xx 与网络错误标记为可重试，
[IsRetryable] 用于判断是否交给重试器处理。
*/
package llm
