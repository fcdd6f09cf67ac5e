// 版权所有 2024 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 封装 http.Server 的生命周期。

Manager.Run 阻塞服务直到 context 取消，随后在 ShutdownTimeout 内优雅关闭，
适合放进 errgroup 与其他组件（Telegram 轮询、附件清理、指标服务）一起运行。
配置 TLSConfig 后以 HTTPS 监听。
*/
package server
