// 版权所有 2024 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 负责打开 SQL 后端（PostgreSQL、MySQL、SQLite）的 gorm 连接并管理连接池。

Open 根据 database 配置选择方言，SQL 日志经 zap 输出；PoolManager 应用连接池参数，
后台定时探活并把连接数上报给 StatsObserver（通常是 metrics.Collector）。
同一个 *gorm.DB 由检查点存储、审批状态存储和 sql_query 工具共用。
*/
package database
