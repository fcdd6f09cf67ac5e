package checkpoint

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentgate/agent/checkpoint/serde"
)

// Backend names a saver implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	BackendMongo  Backend = "mongo"
	BackendSQL    Backend = "sql"
)

// Clients carries the shared connections a backend may need. Only the client
// of the selected backend has to be set.
type Clients struct {
	Redis redis.UniversalClient
	Mongo *mongo.Database
	DB    *gorm.DB
}

// Options selects and tunes a saver.
type Options struct {
	Backend          Backend
	KeyPrefix        string
	Collection       string
	WritesCollection string
	RetainLatestOnly bool
	// EnsureSchema creates Mongo indexes or runs gorm AutoMigrate on startup.
	EnsureSchema bool
	Serializer   serde.Serializer
	Observer     Observer
	Logger       *zap.Logger
}

// NewSaver builds the configured saver, wrapped with retention and
// observation as requested.
func NewSaver(ctx context.Context, opts Options, clients Clients) (Saver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var s Saver
	switch opts.Backend {
	case BackendMemory, "":
		s = NewMemorySaver(opts.Serializer)
	case BackendRedis:
		if clients.Redis == nil {
			return nil, fmt.Errorf("checkpoint: redis backend requires a redis client")
		}
		s = NewRedisSaver(clients.Redis, opts.KeyPrefix, opts.Serializer, logger)
	case BackendMongo:
		if clients.Mongo == nil {
			return nil, fmt.Errorf("checkpoint: mongo backend requires a database")
		}
		ms := NewMongoSaver(clients.Mongo,
			WithMongoCollections(opts.Collection, opts.WritesCollection),
			WithMongoSerializer(opts.Serializer),
			WithMongoLogger(logger))
		if opts.EnsureSchema {
			if err := ms.EnsureIndexes(ctx); err != nil {
				return nil, err
			}
		}
		s = ms
	case BackendSQL:
		if clients.DB == nil {
			return nil, fmt.Errorf("checkpoint: sql backend requires a database")
		}
		ss := NewSQLSaver(clients.DB, opts.Serializer, logger)
		if opts.EnsureSchema {
			if err := ss.AutoMigrate(ctx); err != nil {
				return nil, fmt.Errorf("checkpoint: auto migrate: %w", err)
			}
		}
		s = ss
	default:
		return nil, fmt.Errorf("checkpoint: unsupported backend %q", opts.Backend)
	}

	if opts.RetainLatestOnly {
		s = WithRetention(s, logger)
	}
	backend := string(opts.Backend)
	if backend == "" {
		backend = string(BackendMemory)
	}
	s = WithObserver(s, backend, opts.Observer)

	logger.Info("checkpoint saver ready",
		zap.String("backend", backend),
		zap.Bool("retain_latest_only", opts.RetainLatestOnly))
	return s, nil
}
