package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/otcheredev/ris-dimse-node/internal/config"
	"github.com/redis/go-redis/v9"
)

// keyspace keeps this service's entries apart on a shared Redis
const keyspace = "ris-dimse:"

const scanBatch = 100

// RedisCache stores query results in Redis so replicas share them
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisCacheWithClient(client), nil
}

// NewRedisCacheWithClient wraps an existing client, which the cache then owns
func NewRedisCacheWithClient(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, keyspace+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrCacheMiss
	case err != nil:
		return nil, fmt.Errorf("failed to read cached results: %w", err)
	}
	return val, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, keyspace+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache results: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Unlink(ctx, keyspace+key).Err(); err != nil {
		return fmt.Errorf("failed to drop cached results: %w", err)
	}
	return nil
}

func (r *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, keyspace+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cached results: %w", err)
	}
	return n > 0, nil
}

// Clear unlinks every key matching pattern, in batches as SCAN returns them
func (r *RedisCache) Clear(ctx context.Context, pattern string) error {
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.client.Unlink(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to drop cached results: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	it := r.client.Scan(ctx, 0, keyspace+pattern, scanBatch).Iterator()
	for it.Next(ctx) {
		batch = append(batch, it.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("failed to scan cached results: %w", err)
	}
	return flush()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
