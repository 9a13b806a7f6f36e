package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisBlob stores blocks as plain Redis string values.
type RedisBlob struct {
	client *redis.Client
	prefix string
}

// NewRedisBlob connects to Redis and verifies the connection.
func NewRedisBlob(addr, password string, db int, prefix string) (*RedisBlob, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBlob{client: client, prefix: strings.TrimSpace(prefix)}, nil
}

func (r *RedisBlob) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get blob: %w", err)
	}
	return data, nil
}

func (r *RedisBlob) Put(ctx context.Context, key string, data []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis put blob: %w", err)
	}
	return nil
}

func (r *RedisBlob) Close() error {
	return r.client.Close()
}
