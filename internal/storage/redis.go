package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by RedisClient.Get for absent keys.
var ErrCacheMiss = errors.New("key not found")

const (
	redisScanCount   = 500
	redisUnlinkBatch = 500
)

// RedisConfig holds configuration for Redis connection.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (cfg RedisConfig) addr() string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

// RedisBackend is the go-redis implementation of RedisClient.
type RedisBackend struct {
	rdb *redis.Client
}

// NewRedisClient dials Redis and fails if the server does not answer a PING
// within five seconds.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", cfg.addr(), err)
	}
	return &RedisBackend{rdb: rdb}, nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", ErrCacheMiss
	case err != nil:
		return "", err
	}
	return val, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

// Del unlinks keys in pipelined batches so a full invalidation does not
// block the server.
func (r *RedisBackend) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for start := 0; start < len(keys); start += redisUnlinkBatch {
			end := min(start+redisUnlinkBatch, len(keys))
			pipe.Unlink(ctx, keys[start:end]...)
		}
		return nil
	})
	return err
}

// Keys walks the keyspace with SCAN; KEYS is never issued.
func (r *RedisBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	var found []string
	it := r.rdb.Scan(ctx, 0, pattern, redisScanCount).Iterator()
	for it.Next(ctx) {
		found = append(found, it.Val())
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("scan %q: %w", pattern, err)
	}
	return found, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.rdb.Close()
}
