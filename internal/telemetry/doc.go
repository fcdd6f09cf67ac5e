// Package telemetry 封装 OpenTelemetry SDK 初始化，
// 为 AgentGate 安装全局 TracerProvider 和 MeterProvider（OTLP gRPC）。
// 关闭时保持 noop 实现，不连接任何外部服务。
package telemetry
