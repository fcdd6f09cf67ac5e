// 配置加载器测试。
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "standard", cfg.Agent.Role)
	assert.NoError(t, cfg.Validate())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoader_LoadFromYAML(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_port: 8888
  read_timeout: 60s
  allowed_origins: ["app.example.com"]

store:
  backend: mongo
  retain_latest_only: true

mongo:
  uri: "mongodb://mongo:27017"
  database: "bank"

agent:
  role: manager
  routing_policy: first
  max_steps: 10
  history_token_budget: 0

tools:
  timezone: Asia/Kuala_Lumpur
  sql:
    enabled: true
    max_rows: 20
  webhooks:
    - name: send_payment
      url: http://payments.internal/send
      timeout: 5s
      parameters: '{"type":"object"}'
  partitions:
    manager:
      safe: [current_time, sql_query]
    standard:
      safe: [current_time]
      sensitive: [sql_query, send_payment]

telegram:
  enabled: true
  token: "123:abc"
  allowed_users: [42, 43]

log:
  level: "debug"
  format: "console"
`)

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"app.example.com"}, cfg.Server.AllowedOrigins)

	assert.Equal(t, "mongo", cfg.Store.Backend)
	assert.Equal(t, "mongo", cfg.Store.EffectiveApprovalBackend())
	assert.True(t, cfg.Store.RetainLatestOnly)
	assert.Equal(t, "checkpoints", cfg.Store.CheckpointCollection, "unset keys keep defaults")
	assert.Equal(t, "bank", cfg.Mongo.Database)

	assert.Equal(t, "manager", cfg.Agent.Role)
	assert.Equal(t, "first", cfg.Agent.RoutingPolicy)
	assert.Equal(t, 10, cfg.Agent.MaxSteps)
	assert.Equal(t, 0, cfg.Agent.HistoryTokenBudget)

	assert.True(t, cfg.Tools.SQL.Enabled)
	assert.Equal(t, 20, cfg.Tools.SQL.MaxRows)
	require.Len(t, cfg.Tools.Webhooks, 1)
	assert.Equal(t, 5*time.Second, cfg.Tools.Webhooks[0].Timeout)
	assert.Equal(t, []string{"sql_query", "send_payment"}, cfg.Tools.Partitions["standard"].Sensitive)

	assert.Equal(t, []int64{42, 43}, cfg.Telegram.AllowedUsers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("AGENTGATE_SERVER_HTTP_PORT", "7777")
	t.Setenv("AGENTGATE_SERVER_RATE_LIMIT_RPS", "2.5")
	t.Setenv("AGENTGATE_STORE_BACKEND", "redis")
	t.Setenv("AGENTGATE_STORE_APPROVAL_BACKEND", "sql")
	t.Setenv("AGENTGATE_STORE_LOCK_TTL", "1m")
	t.Setenv("AGENTGATE_AGENT_RECONCILE_STATUS", "false")
	t.Setenv("AGENTGATE_LLM_API_KEY", "sk-test")
	t.Setenv("AGENTGATE_ATTACHMENTS_ALLOWED_EXTENSIONS", ".pdf, .txt")
	t.Setenv("AGENTGATE_TELEGRAM_ALLOWED_USERS", "1,2, 3")
	t.Setenv("AGENTGATE_LOG_LEVEL", "warn")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, 2.5, cfg.Server.RateLimitRPS)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "sql", cfg.Store.EffectiveApprovalBackend())
	assert.Equal(t, time.Minute, cfg.Store.LockTTL)
	assert.False(t, cfg.Agent.ReconcileStatus)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, []string{".pdf", ".txt"}, cfg.Attachments.AllowedExtensions)
	assert.Equal(t, []int64{1, 2, 3}, cfg.Telegram.AllowedUsers)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_port: 8888
llm:
  model: yaml-model
  base_url: http://yaml
`)
	t.Setenv("AGENTGATE_SERVER_HTTP_PORT", "9999")
	t.Setenv("AGENTGATE_LLM_MODEL", "env-model")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "env-model", cfg.LLM.Model)
	assert.Equal(t, "http://yaml", cfg.LLM.BaseURL)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")
	t.Setenv("MYAPP_AGENT_ROLE", "manager")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)

	assert.Equal(t, 6666, cfg.Server.HTTPPort)
	assert.Equal(t, "manager", cfg.Agent.Role)
}

func TestLoader_BadEnvValue(t *testing.T) {
	tests := map[string]string{
		"AGENTGATE_SERVER_HTTP_PORT":       "eighty",
		"AGENTGATE_STORE_LOCK_TTL":         "soon",
		"AGENTGATE_AGENT_RECONCILE_STATUS": "maybe",
		"AGENTGATE_TELEGRAM_ALLOWED_USERS": "1,x",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := NewLoader().Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("AGENTGATE_SERVER_HTTP_PORT", "80")

	_, err := NewLoader().
		WithValidator(func(cfg *Config) error {
			if cfg.Server.HTTPPort < 1024 {
				return assert.AnError
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, assert.AnError)

	_, err = NewLoader().WithValidator((*Config).Validate).Load()
	assert.NoError(t, err)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/non/existent/path/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_port: [invalid
  this is not valid yaml
`)
	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{name: "invalid HTTP port", modify: func(c *Config) { c.Server.HTTPPort = 70000 }, wantErr: "invalid HTTP port"},
		{name: "unknown backend", modify: func(c *Config) { c.Store.Backend = "etcd" }, wantErr: `unknown store backend "etcd"`},
		{
			name:    "sql backend without driver",
			modify:  func(c *Config) { c.Store.ApprovalBackend = "sql"; c.Database.Driver = "" },
			wantErr: "requires database.driver",
		},
		{name: "unknown lock", modify: func(c *Config) { c.Store.Lock = "zk" }, wantErr: "unknown lock"},
		{name: "zero max steps", modify: func(c *Config) { c.Agent.MaxSteps = 0 }, wantErr: "max_steps"},
		{name: "zero empty retries", modify: func(c *Config) { c.Agent.MaxEmptyRetries = 0 }, wantErr: "max_empty_retries must be at least 1"},
		{name: "routing policy", modify: func(c *Config) { c.Agent.RoutingPolicy = "all" }, wantErr: "routing_policy"},
		{name: "role without partition", modify: func(c *Config) { c.Agent.Role = "auditor" }, wantErr: "no tool partition"},
		{name: "temperature", modify: func(c *Config) { c.LLM.Temperature = 3 }, wantErr: "temperature"},
		{
			name:    "short jwt secret",
			modify:  func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = "short" },
			wantErr: "jwt_secret",
		},
		{
			name:    "attachments without key",
			modify:  func(c *Config) { c.Attachments.Enabled = true },
			wantErr: "signing_key",
		},
		{name: "telegram without token", modify: func(c *Config) { c.Telegram.Enabled = true }, wantErr: "telegram.token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateJoinsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Agent.MaxSteps = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port; max_steps must be positive")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres DSN",
			config: DatabaseConfig{
				Driver: "postgres", Host: "localhost", Port: 5432,
				User: "user", Password: "pass", Name: "dbname", SSLMode: "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=dbname sslmode=disable",
		},
		{
			name: "mysql DSN",
			config: DatabaseConfig{
				Driver: "mysql", Host: "localhost", Port: 3306,
				User: "user", Password: "pass", Name: "dbname",
			},
			expected: "user:pass@tcp(localhost:3306)/dbname?parseTime=true",
		},
		{name: "sqlite DSN", config: DatabaseConfig{Driver: "sqlite", Name: "/path/to/db.sqlite"}, expected: "/path/to/db.sqlite"},
		{name: "unknown driver", config: DatabaseConfig{Driver: "unknown"}, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

// --- 环境变量绑定测试 ---

func TestCollectEnv_Keys(t *testing.T) {
	cfg := DefaultConfig()
	keys := make(map[string]bool)
	for _, b := range collectEnv(reflect.ValueOf(cfg).Elem(), "AGENTGATE") {
		keys[b.key] = true
	}

	assert.True(t, keys["AGENTGATE_SERVER_HTTP_PORT"])
	assert.True(t, keys["AGENTGATE_AGENT_SYSTEM_PROMPT"])
	assert.True(t, keys["AGENTGATE_TELEGRAM_ALLOWED_USERS"])
	// env:"-" 的字段只能来自 YAML
	for k := range keys {
		assert.NotContains(t, k, "WEBHOOKS")
		assert.NotContains(t, k, "PARTITIONS")
	}
}

func TestLoader_EmptyFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(writeConfig(t, "")).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.HTTPPort, cfg.Server.HTTPPort)
}
