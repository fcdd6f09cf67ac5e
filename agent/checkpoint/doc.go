// 版权所有 2024 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 checkpoint 提供持久化的工作流检查点存储。

# 概述

每个检查点是某一步执行完成后工作流状态的不可变快照，按
(thread_id, checkpoint_ns, checkpoint_id) 寻址，并通过
parent_checkpoint_id 串成单链历史。checkpoint_id 使用 UUIDv7，
字典序即时间序，因此"最新"即 id 最大者。

尚未折叠进下一检查点的工具执行结果以 pending write 形式暂存，
按 (task_id, idx) 幂等 upsert，进程崩溃后恢复时读回，避免重复执行。

# 核心接口

  - Saver: GetLatest / Get / Put / PutWrites / List / Prune。
  - All: 基于 before 游标的惰性分页迭代器。

# 后端实现

  - MemorySaver: 进程内存储，用于测试与单进程开发。
  - RedisSaver: 字符串记录 + 按字典序排列的 ZSET 索引，MULTI/EXEC 保证原子写入。
  - MongoSaver: checkpoints 与 checkpoint_writes 两个集合，单文档 upsert。
  - SQLSaver: 基于 gorm，支持 PostgreSQL、MySQL 与 SQLite。

# 装饰器

  - WithRetention: 每次 Put 后只保留线程最新的检查点。
  - WithObserver: 记录耗时、指标与 OpenTelemetry span。

状态值通过 serde 子包序列化为 (type, bytes)，注册过的 Go 类型可被精确还原。
*/
package checkpoint
