// 版权所有 2024 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 executor 实现带人工审批的工具调用状态机。

# 回合

Machine.HandleTurn 处理一个线程上的一条用户消息：

  - 状态 new（或 finish）：追加用户消息并运行步骤循环。模型提出敏感工具调用时，
    写入一个 next=tools 的检查点，审批状态置为 ask_permission，回复审批提示。
  - 状态 ask_permission：回复规范化后为 yes 则执行暂停的调用并继续循环；
    否则为每个待审批 id 追加拒绝消息和用户原话，再继续循环。

每个被接受的模型响应写入恰好一个检查点，父检查点为上一个。工具结果先以
pending write 的形式暂存在发起调用的检查点上（task_id 为 "tools:<id>"），
重试时复用，保证同一调用只执行一次；随后折叠进下一个检查点。
审批状态每个回合只在最后一次检查点写入之后写一次。失败的回合不写状态，
同样的输入可以直接重试。

# 并发

同一线程的回合通过 Locker 串行执行：单进程使用 LocalLocker，
多副本部署使用基于 Redis 租约的 RedisLocker。

# 模型

Stepper 是一次模型调用。LLMStepper 包装 llm.Provider，注入系统提示和当前时间，
并按 token 预算裁剪历史，不拆分工具调用与其结果。
*/
package executor
