package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentgate/agent/artifacts"
	"github.com/BaSui01/agentgate/agent/executor"
	"github.com/BaSui01/agentgate/agent/router"
	"github.com/BaSui01/agentgate/api/handlers"
	"github.com/BaSui01/agentgate/config"
	"github.com/BaSui01/agentgate/internal/channels"
	"github.com/BaSui01/agentgate/internal/metrics"
	"github.com/BaSui01/agentgate/internal/server"
	"github.com/BaSui01/agentgate/internal/telemetry"
	"github.com/BaSui01/agentgate/internal/tlsutil"
	"github.com/BaSui01/agentgate/llm"
	"github.com/BaSui01/agentgate/llm/providers/openaicompat"
	"github.com/BaSui01/agentgate/llm/retry"
	"github.com/BaSui01/agentgate/llm/tokenizer"
	"github.com/BaSui01/agentgate/tools"
	"github.com/BaSui01/agentgate/tools/openapi"
)

// =============================================================================
// 🖥️ 服务器
// =============================================================================

// Server 组装 agentgate 的全部组件：存储、工具路由、执行器与各个入口。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	registry  *prometheus.Registry
	collector *metrics.Collector
	telemetry *telemetry.Providers
	infra     *infra
	stores    *stores

	router      *router.Router
	machine     *executor.Machine
	attachments *artifacts.Manager
	telegram    *channels.TelegramChannel

	handler    http.Handler
	api        *server.Manager
	metricsSrv *server.Manager
}

// serverOptions 用于测试时替换外部依赖。
type serverOptions struct {
	// 非 nil 时替换 OpenAI 兼容 provider
	provider llm.Provider
	// 非 nil 时替换基于模型的 stepper
	stepper executor.Stepper
}

// NewServer 按配置建立连接并组装组件。ctx 结束时后台任务（限流清理等）退出。
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	return newServer(ctx, cfg, logger, serverOptions{})
}

func newServer(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts serverOptions) (s *Server, err error) {
	s = &Server{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			s.close(context.Background())
			s = nil
		}
	}()

	s.telemetry, err = telemetry.Init(ctx, cfg.Telemetry, Version, logger)
	if err != nil {
		logger.Warn("telemetry disabled", zap.Error(err))
		s.telemetry, err = &telemetry.Providers{}, nil
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("agentgate", s.registry, logger)

	if s.infra, err = openInfra(ctx, cfg, s.collector, logger); err != nil {
		return nil, err
	}
	if s.stores, err = buildStores(ctx, cfg, s.infra, s.collector, s.collector, logger); err != nil {
		return nil, err
	}

	httpClient := tlsutil.NewHTTPClient(0)
	if s.router, err = buildRouter(ctx, cfg, s.infra, httpClient, logger); err != nil {
		return nil, err
	}

	stepper := opts.stepper
	if stepper == nil {
		provider := opts.provider
		if provider == nil {
			provider = newProvider(cfg.LLM, httpClient, logger)
		}
		stepper = executor.NewLLMStepper(
			s.collector.InstrumentProvider(provider, cfg.LLM.Model),
			tokenizer.ForModel(cfg.LLM.Model),
			executor.LLMStepperConfig{
				SystemPrompt:       cfg.Agent.SystemPrompt,
				Model:              cfg.LLM.Model,
				HistoryTokenBudget: cfg.Agent.HistoryTokenBudget,
			},
			logger,
		)
	}

	s.machine, err = executor.New(executor.Deps{
		Saver:     s.stores.saver,
		Approvals: s.stores.approvals,
		Router:    s.router,
		Stepper:   stepper,
		Locker:    s.newLocker(),
		Recorder:  s.collector,
		Logger:    logger,
	}, executor.Config{
		Namespace:       cfg.Agent.Namespace,
		MaxSteps:        cfg.Agent.MaxSteps,
		MaxEmptyRetries: cfg.Agent.MaxEmptyRetries,
		RoutingPolicy:   executor.RoutingPolicy(cfg.Agent.RoutingPolicy),
		ReconcileStatus: cfg.Agent.ReconcileStatus,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Attachments.Enabled {
		if s.attachments, err = newAttachments(cfg.Attachments, logger); err != nil {
			return nil, err
		}
	}

	if cfg.Telegram.Enabled {
		role := cfg.Telegram.Role
		if role == "" {
			role = cfg.Agent.Role
		}
		var uploader channels.Uploader
		if s.attachments != nil {
			uploader = s.attachments
		}
		s.telegram = channels.NewTelegramChannel(channels.TelegramConfig{
			Token:        cfg.Telegram.Token,
			AllowedUsers: cfg.Telegram.AllowedUsers,
			PollTimeout:  cfg.Telegram.PollTimeout,
			Role:         router.Role(role),
			MaxFileSize:  cfg.Attachments.MaxSize,
		}, s.machine, uploader, httpClient, logger)
	}

	if err := s.buildHTTP(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newProvider(cfg config.LLMConfig, client *http.Client, logger *zap.Logger) llm.Provider {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries
	return openaicompat.New(openaicompat.Config{
		ProviderName: cfg.Provider,
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		Model:        cfg.Model,
		Temperature:  float32(cfg.Temperature),
		MaxTokens:    cfg.MaxTokens,
		Timeout:      cfg.Timeout,
		Retry:        policy,
	}, client, logger)
}

func (s *Server) newLocker() executor.Locker {
	if s.cfg.Store.Lock == "redis" {
		return executor.NewRedisLocker(s.infra.redis, executor.RedisLockerConfig{
			KeyPrefix: s.cfg.Store.KeyPrefix + "lock:",
			TTL:       s.cfg.Store.LockTTL,
		}, s.logger)
	}
	return executor.NewLocalLocker()
}

// buildRouter 构建工具目录和角色分区。
func buildRouter(ctx context.Context, cfg *config.Config, in *infra, client *http.Client, logger *zap.Logger) (*router.Router, error) {
	webhooks := make([]tools.WebhookConfig, 0, len(cfg.Tools.Webhooks))
	for _, w := range cfg.Tools.Webhooks {
		webhooks = append(webhooks, tools.WebhookConfig{
			Name:        w.Name,
			Description: w.Description,
			URL:         w.URL,
			Method:      w.Method,
			Headers:     w.Headers,
			Parameters:  w.Parameters,
			Timeout:     w.Timeout,
		})
	}
	sources := make([]openapi.Source, 0, len(cfg.Tools.OpenAPI))
	for _, o := range cfg.Tools.OpenAPI {
		sources = append(sources, openapi.Source{
			Location: o.Location,
			BaseURL:  o.BaseURL,
			Prefix:   o.Prefix,
			Tags:     o.Tags,
			Headers:  o.Headers,
		})
	}

	list, err := tools.Build(ctx, tools.Catalog{
		Timezone: cfg.Tools.Timezone,
		SQL: tools.SQLOptions{
			Enabled: cfg.Tools.SQL.Enabled,
			MaxRows: cfg.Tools.SQL.MaxRows,
			Timeout: cfg.Tools.SQL.Timeout,
		},
		Webhooks: webhooks,
		OpenAPI:  sources,
	}, tools.Deps{DB: in.DB(), HTTPClient: client, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}

	partitions := make(map[router.Role]router.Partition, len(cfg.Tools.Partitions))
	for role, p := range cfg.Tools.Partitions {
		partitions[router.Role(role)] = router.Partition{Safe: p.Safe, Sensitive: p.Sensitive}
	}
	return router.Build(router.Config{
		Tools:       list,
		Partitions:  partitions,
		DefaultRole: router.Role(cfg.Agent.Role),
	}, logger)
}

func newAttachments(cfg config.AttachmentsConfig, logger *zap.Logger) (*artifacts.Manager, error) {
	store, err := artifacts.NewFileStore(cfg.BasePath)
	if err != nil {
		return nil, err
	}
	signer, err := artifacts.NewSigner(cfg.SigningKey)
	if err != nil {
		return nil, err
	}
	return artifacts.NewManager(artifacts.Config{
		BasePath:          cfg.BasePath,
		PublicURL:         cfg.PublicURL,
		MaxSize:           cfg.MaxSize,
		LinkTTL:           cfg.LinkTTL,
		Retention:         cfg.Retention,
		AllowedExtensions: cfg.AllowedExtensions,
		SigningKey:        cfg.SigningKey,
	}, store, signer, logger)
}

// =============================================================================
// 🌐 HTTP
// =============================================================================

func (s *Server) buildHTTP(ctx context.Context) error {
	cfg := s.cfg
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(s.logger)
	for _, check := range s.infra.HealthChecks() {
		health.RegisterCheck(check)
	}
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))

	var uploader handlers.Uploader
	if s.attachments != nil {
		uploader = s.attachments
		attH := handlers.NewAttachmentHandler(s.attachments, s.logger)
		mux.HandleFunc("GET /api/v1/attachments/{id}", attH.HandleDownload)
	}

	turnH := handlers.NewTurnHandler(s.machine, uploader, cfg.Server.AllowedOrigins, s.logger)
	mux.HandleFunc("POST /api/v1/threads/{thread_id}/turns", turnH.HandleTurn)
	mux.HandleFunc("GET /api/v1/threads/{thread_id}/ws", turnH.HandleWebSocket)

	threadH := handlers.NewThreadHandler(s.stores.saver, s.stores.approvals, cfg.Agent.Namespace, s.logger)
	mux.HandleFunc("GET /api/v1/threads/{thread_id}/status", threadH.HandleStatus)
	mux.HandleFunc("GET /api/v1/threads/{thread_id}/checkpoints", threadH.HandleList)
	mux.HandleFunc("GET /api/v1/threads/{thread_id}/checkpoints/latest", threadH.HandleLatest)

	metricsHandler := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
	if cfg.Server.MetricsPort == 0 {
		mux.Handle("GET /metrics", metricsHandler)
	}

	mws := []Middleware{Recovery(s.logger), RequestID(), SecurityHeaders()}
	if s.telemetry.Enabled() {
		mws = append(mws, OTelTracing())
	}
	mws = append(mws,
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(cfg.Server.AllowedOrigins),
	)
	if cfg.Auth.Enabled {
		mws = append(mws, JWTAuth(cfg.Auth, s.logger))
	}
	mws = append(mws,
		CallerRole(!cfg.Auth.Enabled && cfg.Auth.AllowRoleHeader, func(role string) bool {
			return s.router.HasRole(router.Role(role))
		}, s.logger),
		RateLimiter(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, s.logger),
	)
	s.handler = Chain(mux, mws...)

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	if cfg.Server.ReadTimeout > 0 {
		srvCfg.ReadTimeout = cfg.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout > 0 {
		srvCfg.WriteTimeout = cfg.Server.WriteTimeout
	}
	if cfg.Server.ShutdownTimeout > 0 {
		srvCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	}
	if cfg.Server.TLSCertFile != "" {
		tc, err := tlsutil.ServerConfig(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		if err != nil {
			return err
		}
		srvCfg.TLSConfig = tc
	}
	s.api = server.NewManager("api", s.handler, srvCfg, s.logger)

	if cfg.Server.MetricsPort > 0 {
		mcfg := server.DefaultConfig()
		mcfg.Addr = fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		mcfg.WriteTimeout = 30 * time.Second
		mcfg.ShutdownTimeout = srvCfg.ShutdownTimeout
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", metricsHandler)
		s.metricsSrv = server.NewManager("metrics", metricsMux, mcfg, s.logger)
	}
	return nil
}

// Handler 返回带中间件的 API 处理器。
func (s *Server) Handler() http.Handler { return s.handler }

// =============================================================================
// ▶️ 运行与关闭
// =============================================================================

// Run 启动所有入口并阻塞到 ctx 结束或任一入口失败，随后释放全部资源。
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.api.Run(gctx) })
	if s.metricsSrv != nil {
		g.Go(func() error { return s.metricsSrv.Run(gctx) })
	}
	if s.attachments != nil {
		g.Go(func() error {
			s.attachments.RunCleanup(gctx, s.cfg.Attachments.CleanupInterval)
			return nil
		})
	}
	if s.telegram != nil {
		g.Go(func() error { return s.telegram.Start(gctx) })
	}

	err := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	return errors.Join(err, s.close(closeCtx))
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.Server.ShutdownTimeout > 0 {
		return s.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

func (s *Server) close(ctx context.Context) error {
	var errs []error
	if s.infra != nil {
		errs = append(errs, s.infra.Close(ctx))
	}
	if s.telemetry != nil {
		errs = append(errs, s.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
