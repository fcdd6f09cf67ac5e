package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/agent/approval"
	"github.com/BaSui01/agentgate/agent/checkpoint"
	"github.com/BaSui01/agentgate/agent/executor"
	"github.com/BaSui01/agentgate/types"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 持有 agentgate 的全部 Prometheus 指标。
type Collector struct {
	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 回合与执行
	turnsTotal        *prometheus.CounterVec
	turnDuration      *prometheus.HistogramVec
	agentStepsTotal   *prometheus.CounterVec
	agentStepDuration prometheus.Histogram
	toolRunsTotal     *prometheus.CounterVec
	toolRunDuration   *prometheus.HistogramVec
	approvalDecisions *prometheus.CounterVec

	// 存储
	checkpointOpsTotal   *prometheus.CounterVec
	checkpointOpDuration *prometheus.HistogramVec
	cacheHits            *prometheus.CounterVec
	cacheMisses          *prometheus.CounterVec
	dbConnectionsOpen    *prometheus.GaugeVec
	dbConnectionsIdle    *prometheus.GaugeVec
	dbConnectionsInUse   *prometheus.GaugeVec

	// LLM
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec

	logger *zap.Logger
}

var (
	_ executor.Recorder      = (*Collector)(nil)
	_ checkpoint.Observer    = (*Collector)(nil)
	_ approval.CacheObserver = (*Collector)(nil)
)

// NewCollector 在 reg 上注册全部指标；reg 为 nil 时使用默认 Registerer。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.httpRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	c.httpRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"method", "path"})
	c.httpResponseSize = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "http_response_size_bytes",
		Help:    "HTTP response size in bytes",
		Buckets: prometheus.ExponentialBuckets(100, 10, 7),
	}, []string{"method", "path"})

	c.turnsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "turns_total",
		Help: "Conversation turns by resulting phase and outcome",
	}, []string{"phase", "outcome"})
	c.turnDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "turn_duration_seconds",
		Help:    "End-to-end turn duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"outcome"})
	c.agentStepsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "agent_steps_total",
		Help: "Model invocations by outcome",
	}, []string{"outcome"})
	c.agentStepDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "agent_step_duration_seconds",
		Help:    "Model invocation duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
	c.toolRunsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "tool_runs_total",
		Help: "Tool executions by tool, class and outcome",
	}, []string{"tool", "class", "outcome"})
	c.toolRunDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "tool_run_duration_seconds",
		Help:    "Tool execution duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})
	c.approvalDecisions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "approval_decisions_total",
		Help: "Human decisions on pending sensitive tool calls",
	}, []string{"decision"})

	c.checkpointOpsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "checkpoint_ops_total",
		Help: "Checkpoint store operations by backend, op and outcome",
	}, []string{"backend", "op", "outcome"})
	c.checkpointOpDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "checkpoint_op_duration_seconds",
		Help:    "Checkpoint store operation latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"backend", "op"})
	c.cacheHits = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "cache_hits_total",
		Help: "Total number of cache hits",
	}, []string{"cache_type"})
	c.cacheMisses = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "cache_misses_total",
		Help: "Total number of cache misses",
	}, []string{"cache_type"})
	c.dbConnectionsOpen = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_connections_open",
		Help: "Number of open database connections",
	}, []string{"database"})
	c.dbConnectionsIdle = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_connections_idle",
		Help: "Number of idle database connections",
	}, []string{"database"})
	c.dbConnectionsInUse = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_connections_in_use",
		Help: "Number of database connections in use",
	}, []string{"database"})

	c.llmRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "llm_requests_total",
		Help: "Total number of LLM requests",
	}, []string{"provider", "model", "status"})
	c.llmRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "llm_request_duration_seconds",
		Help:    "LLM request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"provider", "model"})
	c.llmTokensUsed = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "llm_tokens_used_total",
		Help: "Total number of tokens used",
	}, []string{"provider", "model", "type"}) // type: prompt, completion

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 HTTP
// =============================================================================

// RecordHTTPRequest 记录一次 HTTP 请求。path 应为路由模式而非原始路径。
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🤖 executor.Recorder
// =============================================================================

func (c *Collector) RecordTurn(phase, outcome string, d time.Duration) {
	c.turnsTotal.WithLabelValues(phase, outcome).Inc()
	c.turnDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *Collector) RecordAgentStep(outcome string, d time.Duration) {
	c.agentStepsTotal.WithLabelValues(outcome).Inc()
	c.agentStepDuration.Observe(d.Seconds())
}

func (c *Collector) RecordToolRun(tool, class, outcome string, d time.Duration) {
	c.toolRunsTotal.WithLabelValues(tool, class, outcome).Inc()
	c.toolRunDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (c *Collector) RecordApproval(decision string) {
	c.approvalDecisions.WithLabelValues(decision).Inc()
}

// =============================================================================
// 💾 存储
// =============================================================================

// ObserveCheckpointOp 实现 checkpoint.Observer。
// not_found 单独计数，不算作错误。
func (c *Collector) ObserveCheckpointOp(backend, op string, d time.Duration, err error) {
	c.checkpointOpsTotal.WithLabelValues(backend, op, errorOutcome(err)).Inc()
	c.checkpointOpDuration.WithLabelValues(backend, op).Observe(d.Seconds())
}

func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordDBConnections 记录连接池状态。
func (c *Collector) RecordDBConnections(database string, open, idle, inUse int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
	c.dbConnectionsInUse.WithLabelValues(database).Set(float64(inUse))
}

// =============================================================================
// 🧠 LLM
// =============================================================================

func (c *Collector) RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if promptTokens > 0 {
		c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func errorOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case types.IsErrorCode(err, types.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
