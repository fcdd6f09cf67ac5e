package approval

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/agentgate/internal/cache"
)

// CachedStore puts a Redis read cache in front of another Store. Set writes
// through to the backing store and then drops the cached entry; concurrent
// misses for one thread share a single backing read.
type CachedStore struct {
	next   Store
	cache  *cache.Manager
	ttl    time.Duration
	group  singleflight.Group
	// epoch 在每次 Set 之后递增，用于识别与写入并发的回填
	epoch  atomic.Uint64
	obs    CacheObserver
	logger *zap.Logger
}

// CacheObserver counts cache hits and misses.
type CacheObserver interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

const cacheType = "approval_status"

// SetObserver attaches o; nil disables counting.
func (s *CachedStore) SetObserver(o CacheObserver) { s.obs = o }

// NewCachedStore wraps next. A zero ttl uses the cache manager's default.
func NewCachedStore(next Store, c *cache.Manager, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{
		next:   next,
		cache:  c,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "approval_cache")),
	}
}

var _ Store = (*CachedStore)(nil)

func cacheKey(threadID string) string {
	return "approval:" + threadID
}

func (s *CachedStore) Get(ctx context.Context, threadID string) (Status, error) {
	if threadID == "" {
		return Status{}, ErrInvalidThread
	}
	var st Status
	err := s.cache.GetJSON(ctx, cacheKey(threadID), &st)
	if err == nil {
		if s.obs != nil {
			s.obs.RecordCacheHit(cacheType)
		}
		return st, nil
	}
	if s.obs != nil {
		s.obs.RecordCacheMiss(cacheType)
	}
	if !cache.IsCacheMiss(err) {
		s.logger.Warn("approval cache read failed", zap.String("thread_id", threadID), zap.Error(err))
	}

	v, err, _ := s.group.Do(threadID, func() (any, error) {
		before := s.epoch.Load()
		st, err := s.next.Get(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if err := s.cache.SetJSON(ctx, cacheKey(threadID), st, s.ttl); err != nil {
			s.logger.Warn("approval cache fill failed", zap.String("thread_id", threadID), zap.Error(err))
			return st, nil
		}
		// A Set that landed while we were reading may have invalidated before
		// our fill; drop what we just cached.
		if s.epoch.Load() != before {
			s.invalidate(ctx, threadID)
		}
		return st, nil
	})
	if err != nil {
		return Status{}, err
	}
	return clone(v.(Status)), nil
}

func (s *CachedStore) Set(ctx context.Context, threadID string, phase Phase, pendingIDs []string) error {
	if err := s.next.Set(ctx, threadID, phase, pendingIDs); err != nil {
		return err
	}
	s.epoch.Add(1)
	s.invalidate(ctx, threadID)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, threadID string) {
	if err := s.cache.Delete(ctx, cacheKey(threadID)); err != nil {
		s.logger.Warn("approval cache invalidate failed", zap.String("thread_id", threadID), zap.Error(err))
	}
}
