package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 存储后端
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Options 存储连接参数
type Options struct {
	Backend     string
	DatabaseURL string
	RedisURL    string
	RedisPrefix string
}

// Open 按配置打开状态存储，外部服务启动较慢时指数退避重试
func Open(ctx context.Context, logger *zap.Logger, opts Options) (StateStore, error) {
	var store StateStore

	connect := func() error {
		var err error
		switch opts.Backend {
		case "", BackendMemory:
			store = NewMemoryStore()
		case BackendPostgres:
			store, err = openPostgres(ctx, opts.DatabaseURL)
		case BackendRedis:
			store, err = openRedis(ctx, logger, opts.RedisURL, opts.RedisPrefix)
		default:
			return backoff.Permanent(fmt.Errorf("unknown store backend %q", opts.Backend))
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute

	err := backoff.RetryNotify(connect, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		logger.Warn("State store not reachable, retrying",
			zap.String("backend", opts.Backend),
			zap.Duration("delay", d),
			zap.Error(err))
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", opts.Backend, err)
	}
	return store, nil
}

func openPostgres(ctx context.Context, databaseURL string) (StateStore, error) {
	db, err := New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStore(db), nil
}

func openRedis(ctx context.Context, logger *zap.Logger, redisURL, prefix string) (StateStore, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("parse redis url: %w", err))
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	store, err := NewRedisStore(ctx, logger, client, prefix)
	if err != nil {
		client.Close()
		return nil, err
	}
	return store, nil
}
