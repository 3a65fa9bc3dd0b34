package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheDisabled is returned by NewRedisCache when no URL is configured.
var ErrCacheDisabled = errors.New("response cache disabled")

// CachedResponse is an upstream answer kept for replay.
type CachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

// ResponseCache stores successful upstream responses by upstream path.
type ResponseCache interface {
	Get(ctx context.Context, key string) (CachedResponse, bool, error)
	Set(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) error
}

// RedisCache is a ResponseCache backed by Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to redisURL and pings it once.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	if redisURL == "" {
		return nil, ErrCacheDisabled
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{client: client, prefix: "skytrail:upstream:"}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (CachedResponse, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return CachedResponse{}, false, nil
	}
	if err != nil {
		return CachedResponse{}, false, err
	}
	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return CachedResponse{}, false, fmt.Errorf("decode cached response: %w", err)
	}
	return resp, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, data, ttl).Err()
}

func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
