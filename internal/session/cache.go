package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// IdentityCache remembers which user a credential resolved to, so a restart
// of the daemon does not need another lookup.
type IdentityCache interface {
	Get(ctx context.Context, key string) (uuid.UUID, bool, error)
	Set(ctx context.Context, key string, id uuid.UUID, ttl time.Duration) error
}

// RedisIdentityCache stores identities in Redis with the credential's
// remaining lifetime as TTL.
type RedisIdentityCache struct {
	client *redis.Client
}

func NewRedisIdentityCache(client *redis.Client) *RedisIdentityCache {
	return &RedisIdentityCache{client: client}
}

// NewRedisClient parses a redis:// URL and pings the server once.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (c *RedisIdentityCache) Get(ctx context.Context, key string) (uuid.UUID, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("get identity: %w", err)
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parse cached identity: %w", err)
	}
	return id, true, nil
}

func (c *RedisIdentityCache) Set(ctx context.Context, key string, id uuid.UUID, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, key, id.String(), ttl).Err(); err != nil {
		return fmt.Errorf("set identity: %w", err)
	}
	return nil
}

// MemoryIdentityCache is an in-process IdentityCache.
type MemoryIdentityCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	id       uuid.UUID
	expireAt time.Time
}

func NewMemoryIdentityCache() *MemoryIdentityCache {
	return &MemoryIdentityCache{entries: map[string]memoryEntry{}, now: time.Now}
}

func (c *MemoryIdentityCache) Get(_ context.Context, key string) (uuid.UUID, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return uuid.Nil, false, nil
	}
	if !c.now().Before(e.expireAt) {
		delete(c.entries, key)
		return uuid.Nil, false, nil
	}
	return e.id, true, nil
}

func (c *MemoryIdentityCache) Set(_ context.Context, key string, id uuid.UUID, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{id: id, expireAt: c.now().Add(ttl)}
	return nil
}
