package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrCacheMiss = errors.New("cache miss")
	ErrClosed    = errors.New("cache manager is closed")
)

// IsCacheMiss reports whether err means the key was absent or expired.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Config 只描述缓存行为；连接参数由调用方创建客户端时决定。
type Config struct {
	KeyPrefix  string        `yaml:"key_prefix" json:"key_prefix"`
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
	// 0 关闭后台探活
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

func DefaultConfig() Config {
	return Config{
		KeyPrefix:           "agentgate:",
		DefaultTTL:          5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Manager 在共享 Redis 客户端上提供带命名空间的 JSON 缓存。
// 所有键形如 <prefix>cache:<key>，与检查点、审批状态的键空间分开。
type Manager struct {
	client redis.UniversalClient
	cfg    Config
	logger *zap.Logger

	closed atomic.Bool
	once   sync.Once
	stop   chan struct{}
	done   chan struct{}
}

// NewManagerFromClient 接管 client：Close 会一并关闭它。
func NewManagerFromClient(client redis.UniversalClient, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "cache")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if cfg.HealthCheckInterval > 0 {
		go m.watch(cfg.HealthCheckInterval)
	} else {
		close(m.done)
	}
	return m
}

func (m *Manager) key(k string) string {
	return m.cfg.KeyPrefix + "cache:" + k
}

// GetJSON decodes the cached value into dest. A missing key yields ErrCacheMiss.
func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	raw, err := m.get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return nil
}

// SetJSON stores value for ttl, or for the configured default when ttl is 0.
func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return m.set(ctx, key, raw, ttl)
}

func (m *Manager) get(ctx context.Context, key string) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	raw, err := m.client.Get(ctx, m.key(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrCacheMiss
	case err != nil:
		m.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return raw, nil
}

func (m *Manager) set(ctx context.Context, key string, raw []byte, ttl time.Duration) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if ttl == 0 {
		ttl = m.cfg.DefaultTTL
	}
	if err := m.client.Set(ctx, m.key(key), raw, ttl).Err(); err != nil {
		m.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Delete 删除若干键，不存在的键忽略。
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, m.key(k))
	}
	if err := m.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}
	return nil
}

func (m *Manager) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.client.Ping(ctx).Err()
}

// Close stops the health-check loop and closes the client. Safe to call twice.
func (m *Manager) Close() error {
	var err error
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.stop)
		<-m.done
		err = m.client.Close()
	})
	return err
}

// watch 周期性探活，只记录状态变化，避免每个周期都打日志。
func (m *Manager) watch(every time.Duration) {
	defer close(m.done)
	t := time.NewTicker(every)
	defer t.Stop()

	healthy := true
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		err := m.client.Ping(ctx).Err()
		cancel()

		switch {
		case err != nil && healthy:
			m.logger.Error("redis unreachable", zap.Error(err))
		case err == nil && !healthy:
			m.logger.Info("redis reachable again")
		}
		healthy = err == nil
	}
}
