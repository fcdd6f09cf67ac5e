// Package tlsutil 集中管理 TLS 设置：出站 HTTP 客户端（模型接口、webhook 与 OpenAPI 工具）、
// Redis 连接以及 HTTPS 监听。最低 TLS 1.2，仅 AEAD 密码套件。
package tlsutil
