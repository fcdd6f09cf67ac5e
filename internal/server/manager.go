package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🌐 HTTP 服务器管理器
// =============================================================================

// Manager 管理一个 http.Server 的监听、服务与优雅关闭。
// agentgate 启动两个实例：API 服务和独立端口上的 /metrics。
type Manager struct {
	name     string
	server   *http.Server
	listener net.Listener
	config   Config
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Config 服务器配置
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
	// 非 nil 时以 HTTPS 服务，证书需已加载
	TLSConfig *tls.Config
}

// DefaultConfig 返回默认服务器配置。写超时需覆盖一次完整回合（模型调用 + 工具）。
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    3 * time.Minute,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

// NewManager 创建服务器管理器，name 只用于日志。
func NewManager(name string, handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		name: name,
		server: &http.Server{
			Addr:           config.Addr,
			Handler:        handler,
			ReadTimeout:    config.ReadTimeout,
			WriteTimeout:   config.WriteTimeout,
			IdleTimeout:    config.IdleTimeout,
			MaxHeaderBytes: config.MaxHeaderBytes,
			TLSConfig:      config.TLSConfig,
			ErrorLog:       zap.NewStdLog(logger.Named(name)),
		},
		config: config,
		logger: logger.With(zap.String("component", "http_server"), zap.String("server", name)),
	}
}

// Listen 绑定端口。Run 会在未监听时自动调用。
func (m *Manager) Listen() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("server %s is closed", m.name)
	}
	if m.listener != nil {
		return fmt.Errorf("server %s already listening", m.name)
	}
	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	if m.config.TLSConfig != nil {
		ln = tls.NewListener(ln, m.config.TLSConfig)
	}
	m.listener = ln
	return nil
}

// Run 服务直到 ctx 取消或服务失败；ctx 取消后在 ShutdownTimeout 内优雅关闭。
// 正常关闭返回 nil。
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	needListen := m.listener == nil
	m.mu.Unlock()
	if needListen {
		if err := m.Listen(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	ln := m.listener
	m.mu.Unlock()

	m.logger.Info("starting server",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", m.config.TLSConfig != nil),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- m.server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		m.logger.Error("server failed", zap.Error(err))
		return fmt.Errorf("server %s: %w", m.name, err)
	case <-ctx.Done():
		return m.Shutdown(context.Background())
	}
}

// Shutdown 优雅关闭，可重复调用。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.logger.Info("shutting down server")
	timeout := m.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("server shutdown failed", zap.Error(err))
		return err
	}
	m.logger.Info("server stopped")
	return nil
}

// Addr 返回实际监听地址；未监听时返回配置地址。
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning 未关闭时为 true
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}
