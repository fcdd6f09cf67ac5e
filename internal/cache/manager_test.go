package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type phaseRecord struct {
	Phase string   `json:"phase"`
	IDs   []string `json:"ids"`
}

func newTestManager(t *testing.T, cfg Config) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	m := NewManagerFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), cfg, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Close() })
	return mr, m
}

func TestManager_SetJSONNamespacesKeys(t *testing.T) {
	mr, m := newTestManager(t, Config{KeyPrefix: "test:", DefaultTTL: time.Minute})
	ctx := context.Background()

	in := phaseRecord{Phase: "ask_permission", IDs: []string{"call_1", "call_2"}}
	require.NoError(t, m.SetJSON(ctx, "status:T1", in, 0))

	assert.True(t, mr.Exists("test:cache:status:T1"))
	assert.Equal(t, time.Minute, mr.TTL("test:cache:status:T1"))

	var out phaseRecord
	require.NoError(t, m.GetJSON(ctx, "status:T1", &out))
	assert.Equal(t, in, out)
}

func TestManager_Miss(t *testing.T) {
	mr, m := newTestManager(t, Config{})
	ctx := context.Background()

	var out phaseRecord
	assert.True(t, IsCacheMiss(m.GetJSON(ctx, "absent", &out)))

	require.NoError(t, m.SetJSON(ctx, "short", phaseRecord{Phase: "new"}, 2*time.Second))
	mr.FastForward(3 * time.Second)
	assert.True(t, IsCacheMiss(m.GetJSON(ctx, "short", &out)))
}

func TestManager_EncodingErrors(t *testing.T) {
	mr, m := newTestManager(t, Config{KeyPrefix: "p:"})
	ctx := context.Background()

	assert.Error(t, m.SetJSON(ctx, "bad", make(chan int), 0))

	require.NoError(t, mr.Set("p:cache:raw", "not json"))
	var out phaseRecord
	err := m.GetJSON(ctx, "raw", &out)
	require.Error(t, err)
	assert.False(t, IsCacheMiss(err))
}

func TestManager_Delete(t *testing.T) {
	mr, m := newTestManager(t, Config{KeyPrefix: "p:"})
	ctx := context.Background()

	require.NoError(t, m.SetJSON(ctx, "a", 1, 0))
	require.NoError(t, m.SetJSON(ctx, "b", 2, 0))
	require.NoError(t, m.Delete(ctx, "a", "b", "never-set"))
	require.NoError(t, m.Delete(ctx))

	assert.False(t, mr.Exists("p:cache:a"))
	assert.False(t, mr.Exists("p:cache:b"))
}

func TestManager_RedisDown(t *testing.T) {
	mr, m := newTestManager(t, Config{})
	mr.Close()

	ctx := context.Background()
	var out phaseRecord
	err := m.GetJSON(ctx, "k", &out)
	require.Error(t, err)
	assert.False(t, IsCacheMiss(err))
	assert.Error(t, m.Ping(ctx))
}

func TestManager_Closed(t *testing.T) {
	_, m := newTestManager(t, Config{HealthCheckInterval: 5 * time.Millisecond})
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	ctx := context.Background()
	var out phaseRecord
	assert.ErrorIs(t, m.GetJSON(ctx, "k", &out), ErrClosed)
	assert.ErrorIs(t, m.SetJSON(ctx, "k", 1, 0), ErrClosed)
	assert.ErrorIs(t, m.Delete(ctx, "k"), ErrClosed)
	assert.ErrorIs(t, m.Ping(ctx), ErrClosed)
}

func TestManager_Concurrent(t *testing.T) {
	_, m := newTestManager(t, Config{DefaultTTL: time.Minute})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("T%d", i)
			assert.NoError(t, m.SetJSON(ctx, key, phaseRecord{Phase: key}, 0))
			var out phaseRecord
			assert.NoError(t, m.GetJSON(ctx, key, &out))
			assert.Equal(t, key, out.Phase)
		}()
	}
	wg.Wait()
}
