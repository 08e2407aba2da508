package kv

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis wraps github.com/redis/go-redis/v9, selected by REDIS_URL (spec.md
// §6). Grounded: SahilParikh03-Caesar-Trade-master/go.mod and
// Layr-Labs-eigenx-kms-go/go.mod both depend on redis/go-redis/v9.
type Redis struct {
	client *goredis.Client
}

// NewRedis parses redisURL (redis://[:password@]host:port/db) and builds a
// client; go-redis opens connections lazily on the first command.
func NewRedis(redisURL string) (*Redis, error) {
	opt, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &Redis{client: goredis.NewClient(opt)}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ErrUnavailable("redis", err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, RoundTTL(ttl)).Err(); err != nil {
		return ErrUnavailable("redis", err)
	}
	return nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return ErrUnavailable("redis", err)
	}
	return nil
}

// GetDel uses Redis's native GETDEL command, atomic server-side.
func (r *Redis) GetDel(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ErrUnavailable("redis", err)
	}
	return val, true, nil
}

func (r *Redis) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := r.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, ErrUnavailable("redis", err)
	}
	return n, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
