package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/glavbuh/internal/storage"
)

const keyPrefix = "glavbuh:install:"

// Key/value storage in one redis hash per installation
// HSET with several fields is a single command, so pairs are written atomically
type Store struct {
	client redis.UniversalClient
	key    string
}

func NewStore(client redis.UniversalClient, installationID string) *Store {
	return &Store{client: client, key: keyPrefix + installationID}
}

// Connect to redis by URL (redis://host:port/db) and check it answers
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.HGet(ctx, s.key, key).Result()

	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, redis.Nil):
		return "", storage.ErrNotFound
	default:
		return "", fmt.Errorf("redis error: %w", err)
	}
}

func (s *Store) Set(ctx context.Context, key string, value string) error {
	return s.SetMany(ctx, map[string]string{key: value})
}

func (s *Store) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	if err := s.client.HSet(ctx, s.key, values).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if err := s.client.HDel(ctx, s.key, keys...).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}
