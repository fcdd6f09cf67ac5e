package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentgate/internal/cache"
)

// Backend names a store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	BackendMongo  Backend = "mongo"
	BackendSQL    Backend = "sql"
)

// Clients carries the shared connections a backend may need.
type Clients struct {
	Redis redis.UniversalClient
	Mongo *mongo.Database
	DB    *gorm.DB
	// Cache enables the read cache when set.
	Cache *cache.Manager
}

// Options selects and tunes a store.
type Options struct {
	Backend      Backend
	KeyPrefix    string
	Collection   string
	EnsureSchema bool
	CacheTTL     time.Duration
	// CacheObserver 可选，统计读缓存命中
	CacheObserver CacheObserver
	Logger        *zap.Logger
}

// NewStore builds the configured status store.
func NewStore(ctx context.Context, opts Options, clients Clients) (Store, error) {
	var s Store
	switch opts.Backend {
	case BackendMemory, "":
		s = NewMemoryStore()
	case BackendRedis:
		if clients.Redis == nil {
			return nil, fmt.Errorf("approval: redis backend requires a redis client")
		}
		s = NewRedisStore(clients.Redis, opts.KeyPrefix)
	case BackendMongo:
		if clients.Mongo == nil {
			return nil, fmt.Errorf("approval: mongo backend requires a database")
		}
		ms := NewMongoStore(clients.Mongo, opts.Collection)
		if opts.EnsureSchema {
			if err := ms.EnsureIndexes(ctx); err != nil {
				return nil, err
			}
		}
		s = ms
	case BackendSQL:
		if clients.DB == nil {
			return nil, fmt.Errorf("approval: sql backend requires a database")
		}
		ss := NewSQLStore(clients.DB)
		if opts.EnsureSchema {
			if err := ss.AutoMigrate(ctx); err != nil {
				return nil, fmt.Errorf("approval: auto migrate: %w", err)
			}
		}
		s = ss
	default:
		return nil, fmt.Errorf("approval: unsupported backend %q", opts.Backend)
	}

	// 读缓存只叠加在 Mongo 与 SQL 后端之上
	if clients.Cache != nil && (opts.Backend == BackendMongo || opts.Backend == BackendSQL) {
		cs := NewCachedStore(s, clients.Cache, opts.CacheTTL, opts.Logger)
		cs.SetObserver(opts.CacheObserver)
		s = cs
	}
	return s, nil
}
