package settings

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "timemap:settings:"

// RedisStore：以字符串键保存设置，无过期时间
type RedisStore struct {
	rc     *redis.Client
	prefix string
}

func NewRedis(rc *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{rc: rc, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rc.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.rc.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rc.Del(ctx, s.prefix+key).Err()
}
