package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/agent/checkpoint/serde"
	"github.com/BaSui01/agentgate/types"
)

const (
	memberSep      = "\x00"
	redisPageSize  = 64
	defaultRedisNS = "agentgate:"
)

// RedisSaver stores checkpoints in Redis.
//
// Layout (p = key prefix):
//
//	{p}checkpoint:{thread}:{ns}:{id}  string  JSON record
//	{p}writes:{thread}:{ns}:{id}      hash    task\x00idx -> JSON write record
//	{p}ns:{thread}:{ns}               zset    member id, score 0
//	{p}thread:{thread}                zset    member id\x00ns
//	{p}all                            zset    member id\x00thread\x00ns
//
// All index sets use score 0 so they order lexicographically; time-ordered ids
// make ZREVRANGEBYLEX return newest first.
type RedisSaver struct {
	client redis.UniversalClient
	prefix string
	codec  codec
	logger *zap.Logger
}

// NewRedisSaver creates a Redis-backed saver.
func NewRedisSaver(client redis.UniversalClient, prefix string, s serde.Serializer, logger *zap.Logger) *RedisSaver {
	if prefix == "" {
		prefix = defaultRedisNS
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSaver{
		client: client,
		prefix: prefix,
		codec:  newCodec(s),
		logger: logger.With(zap.String("component", "checkpoint_redis")),
	}
}

var _ Saver = (*RedisSaver)(nil)

func (s *RedisSaver) recordKey(k Key) string {
	return fmt.Sprintf("%scheckpoint:%s:%s:%s", s.prefix, k.ThreadID, k.Namespace, k.CheckpointID)
}

func (s *RedisSaver) writesKey(k Key) string {
	return fmt.Sprintf("%swrites:%s:%s:%s", s.prefix, k.ThreadID, k.Namespace, k.CheckpointID)
}

func (s *RedisSaver) nsIndex(threadID, namespace string) string {
	return fmt.Sprintf("%sns:%s:%s", s.prefix, threadID, namespace)
}

func (s *RedisSaver) threadIndex(threadID string) string {
	return s.prefix + "thread:" + threadID
}

func (s *RedisSaver) allIndex() string {
	return s.prefix + "all"
}

func (s *RedisSaver) GetLatest(ctx context.Context, threadID, namespace string) (*Tuple, error) {
	if threadID == "" {
		return nil, ErrInvalidKey
	}
	ids, err := s.client.ZRevRangeByLex(ctx, s.nsIndex(threadID, namespace), &redis.ZRangeBy{
		Min: "-", Max: "+", Count: 1,
	}).Result()
	if err != nil {
		return nil, types.NewStorageError("checkpoint/redis: get latest", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.Get(ctx, Key{ThreadID: threadID, Namespace: namespace, CheckpointID: ids[0]})
}

func (s *RedisSaver) Get(ctx context.Context, key Key) (*Tuple, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	tuples, err := s.load(ctx, []Key{key})
	if err != nil {
		return nil, err
	}
	return tuples[0], nil
}

func (s *RedisSaver) Put(ctx context.Context, threadID, namespace string, cp *Checkpoint, md Metadata, parentID string) (Key, error) {
	if err := validatePut(threadID, cp); err != nil {
		return Key{}, err
	}
	rec, err := s.codec.encode(threadID, namespace, cp, md, parentID)
	if err != nil {
		return Key{}, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Key{}, fmt.Errorf("checkpoint/redis: marshal record: %w", err)
	}
	key := Key{ThreadID: threadID, Namespace: namespace, CheckpointID: cp.ID}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(key), data, 0)
		pipe.ZAdd(ctx, s.nsIndex(threadID, namespace), redis.Z{Member: cp.ID})
		pipe.ZAdd(ctx, s.threadIndex(threadID), redis.Z{Member: cp.ID + memberSep + namespace})
		pipe.ZAdd(ctx, s.allIndex(), redis.Z{Member: strings.Join([]string{cp.ID, threadID, namespace}, memberSep)})
		return nil
	})
	if err != nil {
		return Key{}, types.NewStorageError("checkpoint/redis: put", err)
	}
	return key, nil
}

func (s *RedisSaver) PutWrites(ctx context.Context, key Key, taskID string, writes []Write) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}
	recs, err := s.codec.encodeWrites(key, taskID, writes)
	if err != nil {
		return err
	}
	fields := make([]any, 0, len(recs)*2)
	for _, w := range recs {
		data, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("checkpoint/redis: marshal write: %w", err)
		}
		fields = append(fields, writeField(w.TaskID, w.Index), data)
	}
	if err := s.client.HSet(ctx, s.writesKey(key), fields...).Err(); err != nil {
		return types.NewStorageError("checkpoint/redis: put writes", err)
	}
	return nil
}

func (s *RedisSaver) List(ctx context.Context, opts ListOptions) ([]*Tuple, error) {
	index, parse := s.listIndex(opts)
	maxBound := "+"
	if opts.Before != "" {
		maxBound = "(" + opts.Before
	}

	var out []*Tuple
	for {
		members, err := s.client.ZRevRangeByLex(ctx, index, &redis.ZRangeBy{
			Min: "-", Max: maxBound, Count: redisPageSize,
		}).Result()
		if err != nil {
			return nil, types.NewStorageError("checkpoint/redis: list", err)
		}
		if len(members) == 0 {
			return out, nil
		}

		keys := make([]Key, 0, len(members))
		for _, m := range members {
			k := parse(m)
			if opts.matchesScope(k.ThreadID, k.Namespace) {
				keys = append(keys, k)
			}
		}
		tuples, err := s.load(ctx, keys)
		if err != nil {
			return nil, err
		}
		for _, t := range tuples {
			// 索引与记录之间的短暂不一致（并发 Prune）直接跳过
			if t == nil || !t.Metadata.Matches(opts.Filter) {
				continue
			}
			out = append(out, t)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				return out, nil
			}
		}
		if len(members) < redisPageSize {
			return out, nil
		}
		maxBound = "(" + members[len(members)-1]
	}
}

// listIndex picks the narrowest index for opts and a parser for its members.
func (s *RedisSaver) listIndex(opts ListOptions) (string, func(string) Key) {
	switch {
	case opts.ThreadID != "" && !opts.AllNamespaces:
		return s.nsIndex(opts.ThreadID, opts.Namespace), func(m string) Key {
			return Key{ThreadID: opts.ThreadID, Namespace: opts.Namespace, CheckpointID: m}
		}
	case opts.ThreadID != "":
		return s.threadIndex(opts.ThreadID), func(m string) Key {
			id, ns, _ := strings.Cut(m, memberSep)
			return Key{ThreadID: opts.ThreadID, Namespace: ns, CheckpointID: id}
		}
	default:
		return s.allIndex(), func(m string) Key {
			parts := strings.SplitN(m, memberSep, 3)
			for len(parts) < 3 {
				parts = append(parts, "")
			}
			return Key{ThreadID: parts[1], Namespace: parts[2], CheckpointID: parts[0]}
		}
	}
}

func (s *RedisSaver) Prune(ctx context.Context, threadID, namespace string) (int64, error) {
	if threadID == "" {
		return 0, ErrInvalidKey
	}
	ids, err := s.client.ZRevRangeByLex(ctx, s.nsIndex(threadID, namespace), &redis.ZRangeBy{
		Min: "-", Max: "+",
	}).Result()
	if err != nil {
		return 0, types.NewStorageError("checkpoint/redis: prune", err)
	}
	if len(ids) <= 1 {
		return 0, nil
	}
	stale := ids[1:]

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range stale {
			k := Key{ThreadID: threadID, Namespace: namespace, CheckpointID: id}
			pipe.Del(ctx, s.recordKey(k), s.writesKey(k))
			pipe.ZRem(ctx, s.nsIndex(threadID, namespace), id)
			pipe.ZRem(ctx, s.threadIndex(threadID), id+memberSep+namespace)
			pipe.ZRem(ctx, s.allIndex(), strings.Join([]string{id, threadID, namespace}, memberSep))
		}
		return nil
	})
	if err != nil {
		return 0, types.NewStorageError("checkpoint/redis: prune", err)
	}
	s.logger.Debug("pruned checkpoints",
		zap.String("thread_id", threadID),
		zap.String("checkpoint_ns", namespace),
		zap.Int("removed", len(stale)))
	return int64(len(stale)), nil
}

// load fetches records and their writes in one round trip. Missing records
// yield nil entries.
func (s *RedisSaver) load(ctx context.Context, keys []Key) ([]*Tuple, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	gets := make([]*redis.StringCmd, len(keys))
	hashes := make([]*redis.MapStringStringCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			gets[i] = pipe.Get(ctx, s.recordKey(k))
			hashes[i] = pipe.HGetAll(ctx, s.writesKey(k))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, types.NewStorageError("checkpoint/redis: load", err)
	}

	out := make([]*Tuple, len(keys))
	for i := range keys {
		data, err := gets[i].Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, types.NewStorageError("checkpoint/redis: load", err)
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("checkpoint/redis: unmarshal record %s: %w", keys[i], err)
		}
		var writes []writeRecord
		for field, raw := range hashes[i].Val() {
			var w writeRecord
			if err := json.Unmarshal([]byte(raw), &w); err != nil {
				return nil, fmt.Errorf("checkpoint/redis: unmarshal write %q: %w", field, err)
			}
			writes = append(writes, w)
		}
		t, err := s.codec.tuple(rec, writes)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func writeField(taskID string, idx int) string {
	return fmt.Sprintf("%s%s%08d", taskID, memberSep, idx)
}
