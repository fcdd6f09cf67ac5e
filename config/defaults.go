// =============================================================================
// 📦 AgentGate 默认配置
// =============================================================================
package config

import "time"

// DefaultSystemPrompt 是默认系统提示词。
const DefaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help answer the user. " +
	"If a tool call is denied, continue assisting with what you know."

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Store:       DefaultStoreConfig(),
		Mongo:       DefaultMongoConfig(),
		Redis:       DefaultRedisConfig(),
		Database:    DefaultDatabaseConfig(),
		LLM:         DefaultLLMConfig(),
		Agent:       DefaultAgentConfig(),
		Tools:       DefaultToolsConfig(),
		Attachments: DefaultAttachmentsConfig(),
		Telegram:    DefaultTelegramConfig(),
		Auth:        DefaultAuthConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    3 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
	}
}

// DefaultStoreConfig 内存后端，适合本地开发
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend:              "memory",
		KeyPrefix:            "agentgate:",
		CheckpointCollection: "checkpoints",
		WritesCollection:     "checkpoint_writes",
		StatusCollection:     "approval_status",
		EnsureSchema:         true,
		Lock:                 "local",
		LockTTL:              30 * time.Second,
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:            "mongodb://localhost:27017",
		Database:       "agentgate",
		ConnectTimeout: 10 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "agentgate",
		Name:            "agentgate",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:    "openai",
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o-mini",
		Temperature: 0,
		Timeout:     2 * time.Minute,
		MaxRetries:  2,
	}
}

// DefaultAgentConfig 返回默认回合配置
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		SystemPrompt:       DefaultSystemPrompt,
		Role:               "standard",
		RoutingPolicy:      "any",
		MaxSteps:           25,
		MaxEmptyRetries:    3,
		ReconcileStatus:    true,
		HistoryTokenBudget: 12000,
	}
}

// DefaultToolsConfig 只启用 current_time，两个角色都视其为安全工具
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		Timezone: "UTC",
		SQL: SQLToolConfig{
			MaxRows: 50,
			Timeout: 15 * time.Second,
		},
		Partitions: map[string]PartitionConfig{
			"manager":  {Safe: []string{"current_time"}},
			"standard": {Safe: []string{"current_time"}},
		},
	}
}

// DefaultAttachmentsConfig 返回默认附件配置
func DefaultAttachmentsConfig() AttachmentsConfig {
	return AttachmentsConfig{
		BasePath:          "./data/attachments",
		PublicURL:         "http://localhost:8080",
		MaxSize:           20 << 20,
		LinkTTL:           7 * 24 * time.Hour,
		Retention:         7 * 24 * time.Hour,
		AllowedExtensions: []string{".pdf", ".jpeg", ".jpg", ".png"},
		CleanupInterval:   time.Hour,
	}
}

// DefaultTelegramConfig 返回默认 Telegram 配置
func DefaultTelegramConfig() TelegramConfig {
	return TelegramConfig{PollTimeout: 30}
}

// DefaultAuthConfig 返回默认认证配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Issuer:    "agentgate",
		RoleClaim: "role",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentgate",
		SampleRate:   0.1,
		Insecure:     true,
	}
}
