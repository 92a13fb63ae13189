// Package store holds the Redis-backed collaborators: the shared
// presence sets, document snapshots, mirrored call records, the
// authorization lookups, and the cross-instance presence bus.
package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/craftroom/relay/config"
)

type Redis struct {
	client *redis.Client
}

// Connect initializes the Redis client and verifies the connection.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Client() *redis.Client {
	return r.client
}
