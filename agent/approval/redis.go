package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/agentgate/types"
)

// RedisStore keeps each status as a JSON string under {prefix}approval:{thread}.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "agentgate:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) key(threadID string) string {
	return s.prefix + "approval:" + threadID
}

func (s *RedisStore) Get(ctx context.Context, threadID string) (Status, error) {
	if threadID == "" {
		return Status{}, ErrInvalidThread
	}
	def, err := json.Marshal(defaultStatus(threadID))
	if err != nil {
		return Status{}, fmt.Errorf("approval/redis: marshal default: %w", err)
	}
	// SETNX 保证并发读者收敛到同一条默认记录
	if err := s.client.SetNX(ctx, s.key(threadID), def, 0).Err(); err != nil {
		return Status{}, types.NewStorageError("approval/redis: get", err)
	}
	data, err := s.client.Get(ctx, s.key(threadID)).Bytes()
	if err != nil {
		return Status{}, types.NewStorageError("approval/redis: get", err)
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, fmt.Errorf("approval/redis: unmarshal %s: %w", threadID, err)
	}
	if st.PendingToolCallIDs == nil {
		st.PendingToolCallIDs = []string{}
	}
	return st, nil
}

func (s *RedisStore) Set(ctx context.Context, threadID string, phase Phase, pendingIDs []string) error {
	ids, err := normalize(threadID, phase, pendingIDs)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Status{
		ThreadID:           threadID,
		Phase:              phase,
		PendingToolCallIDs: ids,
		UpdatedAt:          time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("approval/redis: marshal: %w", err)
	}
	if err := s.client.Set(ctx, s.key(threadID), data, 0).Err(); err != nil {
		return types.NewStorageError("approval/redis: set", err)
	}
	return nil
}
