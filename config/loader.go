// =============================================================================
// 📦 AgentGate 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AGENTGATE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AgentGate 的完整配置结构
type Config struct {
	Server      ServerConfig      `yaml:"server" env:"SERVER"`
	Store       StoreConfig       `yaml:"store" env:"STORE"`
	Mongo       MongoConfig       `yaml:"mongo" env:"MONGO"`
	Redis       RedisConfig       `yaml:"redis" env:"REDIS"`
	Database    DatabaseConfig    `yaml:"database" env:"DATABASE"`
	LLM         LLMConfig         `yaml:"llm" env:"LLM"`
	Agent       AgentConfig       `yaml:"agent" env:"AGENT"`
	Tools       ToolsConfig       `yaml:"tools" env:"TOOLS"`
	Attachments AttachmentsConfig `yaml:"attachments" env:"ATTACHMENTS"`
	Telegram    TelegramConfig    `yaml:"telegram" env:"TELEGRAM"`
	Auth        AuthConfig        `yaml:"auth" env:"AUTH"`
	Log         LogConfig         `yaml:"log" env:"LOG"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口，0 表示不单独暴露
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时，需覆盖一个完整回合（模型 + 工具）
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端的限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// CORS / WebSocket 允许的来源
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	// 同时设置时以 HTTPS 监听
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// StoreConfig 检查点与审批状态存储
type StoreConfig struct {
	// 检查点后端: memory, redis, mongo, sql
	Backend string `yaml:"backend" env:"BACKEND"`
	// 审批状态后端，为空时与 Backend 相同
	ApprovalBackend string `yaml:"approval_backend" env:"APPROVAL_BACKEND"`
	// Redis 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// Mongo 集合
	CheckpointCollection string `yaml:"checkpoint_collection" env:"CHECKPOINT_COLLECTION"`
	WritesCollection     string `yaml:"writes_collection" env:"WRITES_COLLECTION"`
	StatusCollection     string `yaml:"status_collection" env:"STATUS_COLLECTION"`
	// 每次写入后只保留最新检查点
	RetainLatestOnly bool `yaml:"retain_latest_only" env:"RETAIN_LATEST_ONLY"`
	// 启动时创建索引 / AutoMigrate
	EnsureSchema bool `yaml:"ensure_schema" env:"ENSURE_SCHEMA"`
	// 审批状态读缓存（Redis），0 表示关闭
	StatusCacheTTL time.Duration `yaml:"status_cache_ttl" env:"STATUS_CACHE_TTL"`
	// 线程锁: local, redis
	Lock    string        `yaml:"lock" env:"LOCK"`
	LockTTL time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	URI            string        `yaml:"uri" env:"URI"`
	Database       string        `yaml:"database" env:"DATABASE"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 使用 TLS 连接
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LLMConfig 模型配置（OpenAI 兼容接口）
type LLMConfig struct {
	Provider    string        `yaml:"provider" env:"PROVIDER"`
	APIKey      string        `yaml:"api_key" env:"API_KEY"`
	BaseURL     string        `yaml:"base_url" env:"BASE_URL"`
	Model       string        `yaml:"model" env:"MODEL"`
	Temperature float64       `yaml:"temperature" env:"TEMPERATURE"`
	MaxTokens   int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries  int           `yaml:"max_retries" env:"MAX_RETRIES"`
}

// AgentConfig 回合执行配置
type AgentConfig struct {
	// 系统提示词
	SystemPrompt string `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	// 默认调用方角色: manager, standard
	Role string `yaml:"role" env:"ROLE"`
	// 路由策略: first, any
	RoutingPolicy string `yaml:"routing_policy" env:"ROUTING_POLICY"`
	// 每回合最多模型步骤
	MaxSteps int `yaml:"max_steps" env:"MAX_STEPS"`
	// 空响应重试次数
	MaxEmptyRetries int `yaml:"max_empty_retries" env:"MAX_EMPTY_RETRIES"`
	// 根据最新检查点修复审批状态
	ReconcileStatus bool `yaml:"reconcile_status" env:"RECONCILE_STATUS"`
	// 每步发送的历史 token 上限，0 表示不裁剪
	HistoryTokenBudget int `yaml:"history_token_budget" env:"HISTORY_TOKEN_BUDGET"`
	// 检查点命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// ToolsConfig 工具目录与角色分区。列表和映射只能在 YAML 中配置。
type ToolsConfig struct {
	Timezone   string                     `yaml:"timezone" env:"TIMEZONE"`
	SQL        SQLToolConfig              `yaml:"sql" env:"SQL"`
	Webhooks   []WebhookToolConfig        `yaml:"webhooks" env:"-"`
	OpenAPI    []OpenAPIToolConfig        `yaml:"openapi" env:"-"`
	Partitions map[string]PartitionConfig `yaml:"partitions" env:"-"`
}

// SQLToolConfig sql_query 工具
type SQLToolConfig struct {
	Enabled bool          `yaml:"enabled" env:"ENABLED"`
	MaxRows int           `yaml:"max_rows" env:"MAX_ROWS"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// WebhookToolConfig 把 JSON 参数转发到 HTTP 端点的工具
type WebhookToolConfig struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	URL         string            `yaml:"url"`
	Method      string            `yaml:"method"`
	Headers     map[string]string `yaml:"headers"`
	// JSON Schema 字符串
	Parameters string        `yaml:"parameters"`
	Timeout    time.Duration `yaml:"timeout"`
}

// OpenAPIToolConfig 从 OpenAPI 文档生成工具
type OpenAPIToolConfig struct {
	Location string            `yaml:"location"`
	BaseURL  string            `yaml:"base_url"`
	Prefix   string            `yaml:"prefix"`
	Tags     []string          `yaml:"tags"`
	Headers  map[string]string `yaml:"headers"`
}

// PartitionConfig 某个角色可见的工具
type PartitionConfig struct {
	Safe      []string `yaml:"safe"`
	Sensitive []string `yaml:"sensitive"`
}

// AttachmentsConfig 附件存储
type AttachmentsConfig struct {
	Enabled           bool          `yaml:"enabled" env:"ENABLED"`
	BasePath          string        `yaml:"base_path" env:"BASE_PATH"`
	PublicURL         string        `yaml:"public_url" env:"PUBLIC_URL"`
	MaxSize           int64         `yaml:"max_size" env:"MAX_SIZE"`
	LinkTTL           time.Duration `yaml:"link_ttl" env:"LINK_TTL"`
	Retention         time.Duration `yaml:"retention" env:"RETENTION"`
	AllowedExtensions []string      `yaml:"allowed_extensions" env:"ALLOWED_EXTENSIONS"`
	SigningKey        string        `yaml:"signing_key" env:"SIGNING_KEY"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

// TelegramConfig Telegram 机器人
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Token   string `yaml:"token" env:"TOKEN"`
	// 允许的用户 id，空表示不限制
	AllowedUsers []int64 `yaml:"allowed_users" env:"ALLOWED_USERS"`
	// 长轮询超时（秒）
	PollTimeout int `yaml:"poll_timeout" env:"POLL_TIMEOUT"`
	// 机器人用户使用的角色，为空时使用 agent.role
	Role string `yaml:"role" env:"ROLE"`
}

// AuthConfig JWT 认证
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	// 存放调用方角色的 claim
	RoleClaim string `yaml:"role_claim" env:"ROLE_CLAIM"`
	// 认证关闭时是否信任 X-Caller-Role 头
	AllowRoleHeader bool `yaml:"allow_role_header" env:"ALLOW_ROLE_HEADER"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 为 false 时使用系统根证书走 TLS
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 指标导出周期，0 使用 SDK 默认值
	ExportInterval time.Duration `yaml:"export_interval" env:"EXPORT_INTERVAL"`
	// deployment.environment 资源属性
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 依次叠加默认值、YAML 文件与环境变量，最后执行校验器。
type Loader struct {
	path   string
	prefix string
	checks []func(*Config) error
}

// NewLoader 环境变量前缀默认为 AGENTGATE。
func NewLoader() *Loader {
	return &Loader{prefix: "AGENTGATE"}
}

func (l *Loader) WithConfigPath(path string) *Loader {
	l.path = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.prefix = prefix
	return l
}

// WithValidator 追加一个在加载完成后执行的校验器，例如 (*Config).Validate。
func (l *Loader) WithValidator(check func(*Config) error) *Loader {
	l.checks = append(l.checks, check)
	return l
}

// Load 返回合成后的配置。配置文件不存在时不报错。
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	if err := l.decodeFile(cfg); err != nil {
		return nil, err
	}

	for _, b := range collectEnv(reflect.ValueOf(cfg).Elem(), l.prefix) {
		raw, ok := os.LookupEnv(b.key)
		if !ok || raw == "" {
			continue
		}
		if err := assign(b.field, raw); err != nil {
			return nil, fmt.Errorf("config: env %s=%q: %w", b.key, raw, err)
		}
	}

	for _, check := range l.checks {
		if err := check(cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) decodeFile(cfg *Config) error {
	if l.path == "" {
		return nil
	}
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: open %s: %w", l.path, err)
	}
	defer f.Close()

	// 空文件返回 io.EOF
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", l.path, err)
	}
	return nil
}

// envBinding 把一个叶子字段与它的环境变量名绑定。
type envBinding struct {
	key   string
	field reflect.Value
}

// collectEnv 沿 env 标签展开嵌套结构体：Server.HTTPPort → AGENTGATE_SERVER_HTTP_PORT。
func collectEnv(v reflect.Value, prefix string) []envBinding {
	var out []envBinding
	t := v.Type()
	for i := range t.NumField() {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		if f := v.Field(i); f.Kind() == reflect.Struct {
			out = append(out, collectEnv(f, key)...)
		} else if f.CanSet() {
			out = append(out, envBinding{key: key, field: f})
		}
	}
	return out
}

var durationType = reflect.TypeOf(time.Duration(0))

func assign(f reflect.Value, raw string) error {
	if f.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		f.SetInt(int64(d))
		return nil
	}

	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		f.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, f.Type().Bits())
		if err != nil {
			return err
		}
		f.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, f.Type().Bits())
		if err != nil {
			return err
		}
		f.SetUint(n)
	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(raw, f.Type().Bits())
		if err != nil {
			return err
		}
		f.SetFloat(n)
	case reflect.Slice:
		// 逗号分隔，空项忽略
		list := reflect.MakeSlice(f.Type(), 0, strings.Count(raw, ",")+1)
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item == "" {
				continue
			}
			elem := reflect.New(f.Type().Elem()).Elem()
			if err := assign(elem, item); err != nil {
				return err
			}
			list = reflect.Append(list, elem)
		}
		f.Set(list)
	default:
		return fmt.Errorf("unsupported kind %s", f.Kind())
	}
	return nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, "tls_cert_file and tls_key_file must be set together")
	}

	for _, b := range []string{c.Store.Backend, c.Store.ApprovalBackend} {
		switch b {
		case "", "memory", "redis", "mongo":
		case "sql":
			if c.Database.Driver == "" {
				errs = append(errs, "store backend sql requires database.driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("unknown store backend %q", b))
		}
	}
	switch c.Store.Lock {
	case "", "local", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown lock %q", c.Store.Lock))
	}
	switch c.Database.Driver {
	case "", "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}

	if c.Agent.MaxSteps <= 0 {
		errs = append(errs, "max_steps must be positive")
	}
	if c.Agent.MaxEmptyRetries < 1 {
		errs = append(errs, "max_empty_retries must be at least 1")
	}
	switch c.Agent.RoutingPolicy {
	case "first", "any":
	default:
		errs = append(errs, fmt.Sprintf("routing_policy must be first or any, got %q", c.Agent.RoutingPolicy))
	}
	if _, ok := c.Tools.Partitions[c.Agent.Role]; !ok {
		errs = append(errs, fmt.Sprintf("agent.role %q has no tool partition", c.Agent.Role))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "temperature must be between 0 and 2")
	}

	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, "auth.jwt_secret must be at least 32 bytes")
	}
	if c.Attachments.Enabled && len(c.Attachments.SigningKey) < 32 {
		errs = append(errs, "attachments.signing_key must be at least 32 bytes")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// EffectiveApprovalBackend 返回审批状态后端，未配置时与检查点后端相同。
func (s StoreConfig) EffectiveApprovalBackend() string {
	if s.ApprovalBackend != "" {
		return s.ApprovalBackend
	}
	return s.Backend
}
