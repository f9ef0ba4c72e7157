package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis backs Cache with a shared redis/go-redis/v9 client, for
// deployments that run more than one gateway process against the same
// Redis instance (so the health-probe cache stays consistent across
// processes). Tests exercise this against
// alicebob/miniredis/v2 rather than a real server.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing redis client. prefix namespaces every key
// this cache touches, so multiple Cache instances can share one Redis
// database without colliding.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}
