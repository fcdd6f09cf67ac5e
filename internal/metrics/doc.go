// 版权所有 2024 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供 agentgate 的 Prometheus 指标。

Collector 同时实现 executor.Recorder、checkpoint.Observer 与
approval.CacheObserver，由 cmd/agentgate 注入到执行器、检查点存储
和审批状态缓存中；HTTP 中间件调用 RecordHTTPRequest，
InstrumentProvider 包装模型 Provider 统计请求与 token 用量。

# 指标

  - http_requests_total / http_request_duration_seconds / http_response_size_bytes
  - turns_total{phase,outcome} / turn_duration_seconds
  - agent_steps_total / agent_step_duration_seconds
  - tool_runs_total{tool,class,outcome} / tool_run_duration_seconds
  - approval_decisions_total{decision}
  - checkpoint_ops_total{backend,op,outcome} / checkpoint_op_duration_seconds
  - cache_hits_total / cache_misses_total
  - db_connections_open / db_connections_idle / db_connections_in_use
  - llm_requests_total / llm_request_duration_seconds / llm_tokens_used_total
*/
package metrics
