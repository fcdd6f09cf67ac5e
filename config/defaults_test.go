package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, StoreConfig{}, cfg.Store)
	assert.NotEqual(t, MongoConfig{}, cfg.Mongo)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, LLMConfig{}, cfg.LLM)
	assert.NotEqual(t, AgentConfig{}, cfg.Agent)
	assert.NotEqual(t, AuthConfig{}, cfg.Auth)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEmpty(t, cfg.Tools.Partitions)
	assert.NotEmpty(t, cfg.Log.OutputPaths)
}

func TestDefaultAgentConfig(t *testing.T) {
	cfg := DefaultAgentConfig()
	assert.Equal(t, "standard", cfg.Role)
	assert.Equal(t, "any", cfg.RoutingPolicy)
	assert.Equal(t, 25, cfg.MaxSteps)
	assert.Equal(t, 3, cfg.MaxEmptyRetries)
	assert.True(t, cfg.ReconcileStatus)
	assert.Empty(t, cfg.Namespace)
	assert.Equal(t, DefaultSystemPrompt, cfg.SystemPrompt)
}

func TestDefaultStoreConfig(t *testing.T) {
	cfg := DefaultStoreConfig()
	assert.Equal(t, "memory", cfg.Backend)
	assert.Equal(t, "memory", cfg.EffectiveApprovalBackend())
	assert.False(t, cfg.RetainLatestOnly)
	assert.Equal(t, "local", cfg.Lock)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.Zero(t, cfg.StatusCacheTTL)
}

func TestDefaultToolsConfig(t *testing.T) {
	cfg := DefaultToolsConfig()
	assert.False(t, cfg.SQL.Enabled)
	for _, role := range []string{"manager", "standard"} {
		p, ok := cfg.Partitions[role]
		require.True(t, ok, role)
		assert.Equal(t, []string{"current_time"}, p.Safe)
		assert.Empty(t, p.Sensitive)
	}
}

func TestDefaultAttachmentsConfig(t *testing.T) {
	cfg := DefaultAttachmentsConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, int64(20<<20), cfg.MaxSize)
	assert.Equal(t, 7*24*time.Hour, cfg.LinkTTL)
	assert.ElementsMatch(t, []string{".pdf", ".jpeg", ".jpg", ".png"}, cfg.AllowedExtensions)
}

func TestDefaultLogAndTelemetry(t *testing.T) {
	log := DefaultLogConfig()
	assert.Equal(t, "info", log.Level)
	assert.Equal(t, "json", log.Format)
	assert.Equal(t, []string{"stdout"}, log.OutputPaths)

	tel := DefaultTelemetryConfig()
	assert.False(t, tel.Enabled)
	assert.Equal(t, "agentgate", tel.ServiceName)
}
