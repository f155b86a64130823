package persistence

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entries as plain Redis strings, relying on Redis key expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = &RedisStore{}

func NewRedisStore(addr string, prefix string) (*RedisStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis store: empty addr")
	}
	return NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: addr}), prefix), nil
}

func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx).Err(), "redis store: ping")
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, ErrEmptyKey
	}
	v, err := s.client.Get(ctx, s.key(key)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", false, nil
	case err != nil:
		return "", false, errors.Wrap(err, "redis store: get")
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	if ttl < 0 {
		ttl = 0
	}
	return errors.Wrap(s.client.Set(ctx, s.key(key), value, ttl).Err(), "redis store: set")
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	return errors.Wrap(s.client.Del(ctx, s.key(key)).Err(), "redis store: remove")
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
