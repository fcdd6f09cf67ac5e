package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🏥 探活与就绪
// =============================================================================

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"

	readyTimeout = 5 * time.Second
)

// HealthCheck 是一个依赖探测。
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// optional 由非关键依赖实现，失败时 /ready 只降级不返回 503。
type optional interface {
	Optional() bool
}

// HealthStatus 是 /health 与 /ready 的响应体。
type HealthStatus struct {
	Status    string                 `json:"status" example:"healthy"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个依赖的探测结果。
type CheckResult struct {
	Status   string `json:"status"` // pass | fail | warn
	Message  string `json:"message,omitempty"`
	Latency  string `json:"latency,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// HealthHandler 汇总检查点存储、审批状态存储等依赖的探测结果。
type HealthHandler struct {
	logger  *zap.Logger
	started time.Time

	mu     sync.RWMutex
	checks []HealthCheck
}

// NewHealthHandler 创建健康检查处理器。
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:  logger.With(zap.String("handler", "health")),
		started: time.Now(),
	}
}

// RegisterCheck 注册依赖探测。
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// HandleHealth 处理 /health：进程存活即返回 200，不探测依赖。
// @Summary 存活检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    statusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Truncate(time.Second).String(),
	})
}

// HandleReady 处理 /ready：并发探测全部依赖。
// 关键依赖失败返回 503；只有可选依赖（如审批状态缓存）失败时状态为 degraded，仍返回 200。
// @Summary 就绪检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus
// @Failure 503 {object} HealthStatus
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			results[i] = h.runCheck(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{
		Status:    statusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for i, check := range checks {
		res := results[i]
		status.Checks[check.Name()] = res
		switch {
		case res.Status == "fail":
			status.Status = statusUnhealthy
		case res.Status == "warn" && status.Status == statusHealthy:
			status.Status = statusDegraded
		}
	}

	code := http.StatusOK
	if status.Status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

func (h *HealthHandler) runCheck(ctx context.Context, check HealthCheck) CheckResult {
	opt := false
	if o, ok := check.(optional); ok {
		opt = o.Optional()
	}

	start := time.Now()
	err := check.Check(ctx)
	latency := time.Since(start)

	res := CheckResult{Status: "pass", Latency: latency.String(), Optional: opt}
	if err == nil {
		return res
	}
	res.Message = err.Error()
	res.Status = "fail"
	if opt {
		res.Status = "warn"
	}
	h.logger.Warn("dependency check failed",
		zap.String("check", check.Name()),
		zap.Bool("optional", opt),
		zap.Duration("latency", latency),
		zap.Error(err))
	return res
}

// HandleVersion 返回构建信息。
// @Summary 版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} Response{data=map[string]string}
// @Router /version [get]
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	info := map[string]string{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, r, info)
	}
}

// CheckFunc 把 ping 函数适配为 HealthCheck。
type CheckFunc struct {
	name     string
	ping     func(ctx context.Context) error
	optional bool
}

// NewCheck 创建关键依赖探测（检查点存储、审批状态存储、数据库）。
func NewCheck(name string, ping func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, ping: ping}
}

// NewOptionalCheck 创建可选依赖探测。
func NewOptionalCheck(name string, ping func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, ping: ping, optional: true}
}

func (c *CheckFunc) Name() string                    { return c.name }
func (c *CheckFunc) Check(ctx context.Context) error { return c.ping(ctx) }
func (c *CheckFunc) Optional() bool                  { return c.optional }
