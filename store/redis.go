package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend persists values in Redis. Apply runs inside MULTI/EXEC.
type RedisBackend struct {
	redis redis.UniversalClient
}

// NewRedisBackend wraps an existing client. The caller owns the client lifecycle.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{redis: client}
}

func (r *RedisBackend) Load(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	values, err := r.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	for i, v := range values {
		if i >= len(keys) || v == nil {
			continue
		}
		switch typed := v.(type) {
		case string:
			out[keys[i]] = []byte(typed)
		case []byte:
			out[keys[i]] = cloneBytes(typed)
		}
	}
	return out, nil
}

func (r *RedisBackend) Apply(ctx context.Context, set map[string][]byte, del []string) error {
	if len(set) == 0 && len(del) == 0 {
		return nil
	}
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(del) > 0 {
			pipe.Del(ctx, del...)
		}
		for key, value := range set {
			pipe.Set(ctx, key, value, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
