// 版权所有 2024 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 SQL 后端（PostgreSQL、MySQL、SQLite）的 schema 版本，
基于 golang-migrate 与内嵌的 SQL 文件实现。

# 表

  - checkpoints：检查点快照，主键 (thread_id, checkpoint_ns, checkpoint_id)
  - checkpoint_writes：待定写入，主键再加 (task_id, idx)
  - approval_status：每个线程的审批阶段与待审批工具调用 id

表结构与 agent/checkpoint 和 agent/approval 的 gorm 模型一致，
因此 store.ensure_schema 关闭时可以只靠迁移建表。

# 入口

  - NewMigratorFromConfig：从 database 配置创建迁移器
  - NewMigratorFromURL：直接使用连接串
  - CLI.Run：agentgate migrate 子命令（up/down/steps/goto/force/version/status/info）
*/
package migration
