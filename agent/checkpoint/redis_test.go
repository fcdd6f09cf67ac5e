package checkpoint

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/types"
)

func newMiniredisSaver(t *testing.T) (*RedisSaver, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisSaver(client, "test:", testSerializer(t), zap.NewNop()), mr
}

func TestRedisSaver(t *testing.T) {
	runSaverSuite(t, func(t *testing.T) Saver {
		s, _ := newMiniredisSaver(t)
		return s
	})
}

func TestRedisSaver_KeyLayout(t *testing.T) {
	s, mr := newMiniredisSaver(t)
	ctx := context.Background()

	key, err := s.Put(ctx, "T1", "sub", cp("0001", nil), Metadata{"step": 1}, "")
	require.NoError(t, err)
	require.NoError(t, s.PutWrites(ctx, key, "task", []Write{{Channel: "c", Value: "v"}}))

	assert.True(t, mr.Exists("test:checkpoint:T1:sub:0001"))
	assert.True(t, mr.Exists("test:writes:T1:sub:0001"))
	members, err := mr.ZMembers("test:ns:T1:sub")
	require.NoError(t, err)
	assert.Equal(t, []string{"0001"}, members)
	members, err = mr.ZMembers("test:all")
	require.NoError(t, err)
	assert.Equal(t, []string{"0001\x00T1\x00sub"}, members)
}

func TestRedisSaver_StorageFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	s := NewRedisSaver(client, "", nil, nil)

	_, err = s.Put(context.Background(), "T1", "", cp("0001", nil), nil, "")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrStorageFailure))
}

func TestRedisSaver_ListPagesPastOnePage(t *testing.T) {
	s, _ := newMiniredisSaver(t)
	ctx := context.Background()

	total := redisPageSize + 10
	for i := range total {
		_, err := s.Put(ctx, "T1", "", cp(NewID(), nil), Metadata{"step": i}, "")
		require.NoError(t, err)
	}

	list, err := s.List(ctx, ListOptions{ThreadID: "T1"})
	require.NoError(t, err)
	assert.Len(t, list, total)

	filtered, err := s.List(ctx, ListOptions{ThreadID: "T1", Filter: map[string]any{"step": 0}})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, list[len(list)-1].Key, filtered[0].Key)
}
