package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentgate/agent/approval"
	"github.com/BaSui01/agentgate/agent/checkpoint"
	"github.com/BaSui01/agentgate/api/handlers"
	"github.com/BaSui01/agentgate/config"
	"github.com/BaSui01/agentgate/internal/cache"
	"github.com/BaSui01/agentgate/internal/database"
	"github.com/BaSui01/agentgate/internal/tlsutil"
)

// =============================================================================
// 🔌 共享连接
// =============================================================================

// infra 持有按配置按需建立的外部连接。
type infra struct {
	redis   redis.UniversalClient
	cache   *cache.Manager
	mongo   *mongo.Client
	mongoDB *mongo.Database
	pool    *database.PoolManager

	// 仅作为审批状态缓存时 Redis 不是关键依赖
	redisOptional bool

	closers []func(context.Context) error
	logger  *zap.Logger
}

// requirements 推导当前配置需要哪些连接。
type requirements struct {
	redis, mongo, sql bool
	// cacheOnly 表示 Redis 只服务于审批状态缓存
	cacheOnly bool
}

func requirementsOf(cfg *config.Config) requirements {
	var req requirements
	for _, b := range []string{cfg.Store.Backend, cfg.Store.EffectiveApprovalBackend()} {
		switch b {
		case "redis":
			req.redis = true
		case "mongo":
			req.mongo = true
		case "sql":
			req.sql = true
		}
	}
	if cfg.Store.Lock == "redis" {
		req.redis = true
	}
	if cfg.Store.StatusCacheTTL > 0 && !req.redis {
		req.redis, req.cacheOnly = true, true
	}
	if cfg.Tools.SQL.Enabled {
		req.sql = true
	}
	return req
}

// openInfra 建立所需连接。失败时已建立的连接会被关闭。
func openInfra(ctx context.Context, cfg *config.Config, observer database.StatsObserver, logger *zap.Logger) (in *infra, err error) {
	in = &infra{logger: logger}
	req := requirementsOf(cfg)
	in.redisOptional = req.cacheOnly
	defer func() {
		if err != nil {
			_ = in.Close(context.Background())
			in = nil
		}
	}()

	if req.redis {
		if err := in.connectRedis(ctx, cfg); err != nil {
			return nil, err
		}
	}
	if req.mongo {
		if err := in.connectMongo(ctx, cfg.Mongo); err != nil {
			return nil, err
		}
	}
	if req.sql {
		if err := in.openDatabase(cfg.Database, observer); err != nil {
			return nil, err
		}
	}
	return in, nil
}

func (in *infra) connectRedis(ctx context.Context, cfg *config.Config) error {
	opts := &redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}
	if cfg.Redis.TLS {
		tc := tlsutil.ClientConfig()
		if host, _, err := net.SplitHostPort(cfg.Redis.Addr); err == nil {
			tc.ServerName = host
		}
		opts.TLSConfig = tc
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	cc := cache.DefaultConfig()
	cc.KeyPrefix = cfg.Store.KeyPrefix
	if cfg.Store.StatusCacheTTL > 0 {
		cc.DefaultTTL = cfg.Store.StatusCacheTTL
	}
	in.redis = client
	in.cache = cache.NewManagerFromClient(client, cc, in.logger)
	// Close 同时关闭底层客户端
	in.closers = append(in.closers, func(context.Context) error { return in.cache.Close() })
	in.logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr), zap.Bool("tls", cfg.Redis.TLS))
	return nil
}

func (in *infra) connectMongo(ctx context.Context, cfg config.MongoConfig) error {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI).SetConnectTimeout(timeout))
	if err != nil {
		return fmt.Errorf("failed to create mongo client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("failed to connect to mongo: %w", err)
	}
	in.mongo = client
	in.mongoDB = client.Database(cfg.Database)
	in.closers = append(in.closers, client.Disconnect)
	in.logger.Info("mongo connected", zap.String("database", cfg.Database))
	return nil
}

func (in *infra) openDatabase(cfg config.DatabaseConfig, observer database.StatsObserver) error {
	db, err := database.Open(cfg, in.logger)
	if err != nil {
		return err
	}
	pool, err := database.NewPoolManager(db, cfg.Driver, database.PoolConfigFrom(cfg), observer, in.logger)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return err
	}
	in.pool = pool
	in.closers = append(in.closers, func(context.Context) error { return pool.Close() })
	in.logger.Info("database connected", zap.String("driver", cfg.Driver))
	return nil
}

// DB 返回 gorm 连接，未配置 SQL 时为 nil。
func (in *infra) DB() *gorm.DB {
	if in.pool == nil {
		return nil
	}
	return in.pool.DB()
}

// HealthChecks 返回每个已建立连接的探活。
func (in *infra) HealthChecks() []handlers.HealthCheck {
	var checks []handlers.HealthCheck
	if in.cache != nil {
		if in.redisOptional {
			checks = append(checks, handlers.NewOptionalCheck("redis", in.cache.Ping))
		} else {
			checks = append(checks, handlers.NewCheck("redis", in.cache.Ping))
		}
	}
	if in.mongo != nil {
		checks = append(checks, handlers.NewCheck("mongo", func(ctx context.Context) error {
			return in.mongo.Ping(ctx, readpref.Primary())
		}))
	}
	if in.pool != nil {
		checks = append(checks, handlers.NewCheck("database", in.pool.Ping))
	}
	return checks
}

// Close 逆序关闭所有连接。
func (in *infra) Close(ctx context.Context) error {
	var errs []error
	for i := len(in.closers) - 1; i >= 0; i-- {
		if err := in.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	in.closers = nil
	return errors.Join(errs...)
}

// =============================================================================
// 💾 存储
// =============================================================================

// stores 是检查点存储与审批状态存储。
type stores struct {
	saver     checkpoint.Saver
	approvals approval.Store
}

func buildStores(ctx context.Context, cfg *config.Config, in *infra, obs checkpoint.Observer, cacheObs approval.CacheObserver, logger *zap.Logger) (*stores, error) {
	saver, err := checkpoint.NewSaver(ctx, checkpoint.Options{
		Backend:          checkpoint.Backend(cfg.Store.Backend),
		KeyPrefix:        cfg.Store.KeyPrefix,
		Collection:       cfg.Store.CheckpointCollection,
		WritesCollection: cfg.Store.WritesCollection,
		RetainLatestOnly: cfg.Store.RetainLatestOnly,
		EnsureSchema:     cfg.Store.EnsureSchema,
		Observer:         obs,
		Logger:           logger,
	}, checkpoint.Clients{Redis: in.redis, Mongo: in.mongoDB, DB: in.DB()})
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}

	approvals, err := approval.NewStore(ctx, approval.Options{
		Backend:       approval.Backend(cfg.Store.EffectiveApprovalBackend()),
		KeyPrefix:     cfg.Store.KeyPrefix,
		Collection:    cfg.Store.StatusCollection,
		EnsureSchema:  cfg.Store.EnsureSchema,
		CacheTTL:      cfg.Store.StatusCacheTTL,
		CacheObserver: cacheObs,
		Logger:        logger,
	}, approval.Clients{Redis: in.redis, Mongo: in.mongoDB, DB: in.DB(), Cache: in.cache})
	if err != nil {
		return nil, fmt.Errorf("approval store: %w", err)
	}

	logger.Info("stores ready",
		zap.String("checkpoints", cfg.Store.Backend),
		zap.String("approvals", cfg.Store.EffectiveApprovalBackend()),
		zap.Bool("retain_latest_only", cfg.Store.RetainLatestOnly))
	return &stores{saver: saver, approvals: approvals}, nil
}
