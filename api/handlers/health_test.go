package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func passing(name string) HealthCheck {
	return NewCheck(name, func(context.Context) error { return nil })
}

func failing(name, msg string) HealthCheck {
	return NewCheck(name, func(context.Context) error { return errors.New(msg) })
}

func readyStatus(t *testing.T, h *HealthHandler) (int, HealthStatus) {
	t.Helper()
	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return w.Code, status
}

func TestHealthHandler_HandleHealth(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(failing("mongo", "down"))

	w := httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	// 存活检查不探测依赖
	assert.Equal(t, http.StatusOK, w.Code)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.NotEmpty(t, status.Uptime)
	assert.Empty(t, status.Checks)
}

func TestHealthHandler_HandleReady(t *testing.T) {
	tests := []struct {
		name       string
		checks     []HealthCheck
		wantCode   int
		wantStatus string
		verify     func(*testing.T, HealthStatus)
	}{
		{
			name:       "no checks",
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "all pass",
			checks:     []HealthCheck{passing("checkpoints"), passing("approvals")},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
			verify: func(t *testing.T, s HealthStatus) {
				assert.Len(t, s.Checks, 2)
				assert.Equal(t, "pass", s.Checks["checkpoints"].Status)
			},
		},
		{
			name:       "critical failure",
			checks:     []HealthCheck{passing("redis"), failing("mongo", "server selection timeout")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
			verify: func(t *testing.T, s HealthStatus) {
				assert.Equal(t, "fail", s.Checks["mongo"].Status)
				assert.Equal(t, "server selection timeout", s.Checks["mongo"].Message)
				assert.Equal(t, "pass", s.Checks["redis"].Status)
			},
		},
		{
			name: "optional failure degrades",
			checks: []HealthCheck{
				passing("mongo"),
				NewOptionalCheck("status_cache", func(context.Context) error { return errors.New("connection refused") }),
			},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			verify: func(t *testing.T, s HealthStatus) {
				assert.Equal(t, "warn", s.Checks["status_cache"].Status)
				assert.True(t, s.Checks["status_cache"].Optional)
			},
		},
		{
			name: "critical wins over optional",
			checks: []HealthCheck{
				failing("database", "dial tcp: refused"),
				NewOptionalCheck("status_cache", func(context.Context) error { return errors.New("refused") }),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(zap.NewNop())
			for _, c := range tt.checks {
				h.RegisterCheck(c)
			}
			code, status := readyStatus(t, h)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, status.Status)
			if tt.verify != nil {
				tt.verify(t, status)
			}
		})
	}
}

func TestHealthHandler_ChecksRunConcurrently(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	var wg sync.WaitGroup
	wg.Add(3)
	for _, name := range []string{"a", "b", "c"} {
		h.RegisterCheck(NewCheck(name, func(ctx context.Context) error {
			// 每个检查都等待其余检查开始，串行执行会超时
			wg.Done()
			done := make(chan struct{})
			go func() { wg.Wait(); close(done) }()
			select {
			case <-done:
				return nil
			case <-time.After(2 * time.Second):
				return errors.New("checks ran sequentially")
			}
		}))
	}

	code, status := readyStatus(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", status.Status)
}

func TestHealthHandler_ReadyRespectsTimeout(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(NewCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil).WithContext(ctx))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleVersion("1.0.0", "2026-01-01T00:00:00Z", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.0.0", data["version"])
	assert.Equal(t, "abc123", data["git_commit"])
}

func TestHealthHandler_ConcurrentRequests(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	for _, name := range []string{"checkpoints", "approvals", "database"} {
		h.RegisterCheck(passing(name))
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		}()
	}
	wg.Wait()
}
