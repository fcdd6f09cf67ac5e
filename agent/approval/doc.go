// 版权所有 2024 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 approval 持久化每个线程的人工审批状态。

每个线程一条记录 {phase, pending_tool_call_ids}，phase 取值 new、
ask_permission 或 finish。ask_permission 必须带非空的待审批调用 id，
id 列表按插入顺序去重。Get 在记录不存在时写入默认的 {new, []}，
使并发读者收敛到同一条记录；Set 整体替换记录。

后端：MemoryStore、RedisStore、MongoStore、SQLStore（gorm），
CachedStore 以 internal/cache 为读缓存并用 singleflight 合并并发未命中。
*/
package approval
