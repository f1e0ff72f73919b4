package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mudtools/MudFeishu-sub002/errors"
)

const (
	redisProcessing = "PROCESSING"
	redisCompleted  = "COMPLETED"
)

// RedisStore is a DistributedStore on Redis SET NX with expiry.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore namespaces every key with prefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Backend implements Named.
func (s *RedisStore) Backend() string { return "redis" }

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// TrySet implements DistributedStore.
func (s *RedisStore) TrySet(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), redisProcessing, ttl).Result()
	if err != nil {
		return false, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"RedisStore", "TrySet", "SETNX")
	}
	return ok, nil
}

// Complete implements Completer. It only overwrites a key that still exists.
func (s *RedisStore) Complete(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.SetXX(ctx, s.key(key), redisCompleted, ttl).Err(); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"RedisStore", "Complete", "SETXX")
	}
	return nil
}

// Delete implements DistributedStore.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"RedisStore", "Delete", "DEL")
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
