package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryer_SucceedsFirstTime(t *testing.T) {
	r := New(fastPolicy(3), zap.NewNop())
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RetriesUntilSuccess(t *testing.T) {
	r := New(fastPolicy(3), nil)
	calls := 0
	v, err := Value(context.Background(), r, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("temporary")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestRetryer_ExhaustsRetries(t *testing.T) {
	r := New(fastPolicy(2), nil)
	sentinel := errors.New("persistent")
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestRetryer_ShouldRetryStopsEarly(t *testing.T) {
	permanent := errors.New("bad request")
	p := fastPolicy(5)
	p.ShouldRetry = func(err error) bool { return !errors.Is(err, permanent) }
	r := New(p, nil)

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	assert.Same(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_ContextCancelled(t *testing.T) {
	p := fastPolicy(5)
	p.InitialDelay = time.Second
	p.MaxDelay = time.Second
	r := New(p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := r.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	p := fastPolicy(2)
	var attempts []int
	p.OnRetry = func(attempt int, _ error, _ time.Duration) { attempts = append(attempts, attempt) }
	r := New(p, nil)

	_ = r.Do(context.Background(), func(context.Context) error { return errors.New("x") })
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestRetryer_Delay(t *testing.T) {
	r := New(Policy{MaxRetries: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}, nil)

	assert.Equal(t, 100*time.Millisecond, r.Delay(1))
	assert.Equal(t, 200*time.Millisecond, r.Delay(2))
	assert.Equal(t, 400*time.Millisecond, r.Delay(3))
	assert.Equal(t, time.Second, r.Delay(6))

	jittered := New(Policy{MaxRetries: 1, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: true}, nil)
	for range 20 {
		d := jittered.Delay(3)
		assert.GreaterOrEqual(t, d, 300*time.Millisecond)
		assert.LessOrEqual(t, d, 500*time.Millisecond)
	}
}

func TestNew_NormalizesPolicy(t *testing.T) {
	r := New(Policy{MaxRetries: -1}, nil)
	def := DefaultPolicy()
	assert.Equal(t, 0, r.policy.MaxRetries)
	assert.Equal(t, def.InitialDelay, r.policy.InitialDelay)
	assert.Equal(t, def.MaxDelay, r.policy.MaxDelay)
	assert.Equal(t, def.Multiplier, r.policy.Multiplier)
}
