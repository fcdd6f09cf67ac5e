// Package config 提供 AgentGate 的配置加载。
//
// 配置来自默认值、YAML 文件和 AGENTGATE_ 前缀的环境变量，
// 后者覆盖前者。环境变量名由各级 env 标签拼接而成，
// 例如 AGENTGATE_STORE_BACKEND、AGENTGATE_AGENT_MAX_STEPS。
// 工具目录（webhooks、openapi、partitions）只能在 YAML 中配置。
package config
