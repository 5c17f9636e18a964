package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// LRUCache is the default in-process resolution cache: a size-bounded
// LRU whose entries expire after a fixed window.
type LRUCache struct {
	lru *lru.LRU[string, *AgentInfo]
}

// NewLRUCache creates a resolution cache holding up to size entries for
// at most ttl each.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	return &LRUCache{lru: lru.NewLRU[string, *AgentInfo](size, nil, ttl)}
}

func (c *LRUCache) Get(ctx context.Context, id string) (*AgentInfo, bool) {
	info, ok := c.lru.Get(id)
	if !ok {
		return nil, false
	}
	cp := *info
	return &cp, true
}

func (c *LRUCache) Set(ctx context.Context, id string, info *AgentInfo) {
	cp := *info
	c.lru.Add(id, &cp)
}

func (c *LRUCache) Remove(ctx context.Context, id string) {
	c.lru.Remove(id)
}

// RedisCache is an optional shared resolution cache. Several agent
// instances on one host can pool resolutions instead of each hammering
// the directory. Like every ResolutionCache it is never authoritative;
// Redis being down just degrades to live resolution.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger Logger
}

// NewRedisCache connects to Redis and verifies the connection before
// returning. Keys are namespaced under agentnet:agents:.
func NewRedisCache(redisURL string, ttl time.Duration, logger Logger) (*RedisCache, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client: client,
		ttl:    ttl,
		prefix: "agentnet:agents:",
		logger: logger,
	}, nil
}

func (c *RedisCache) Get(ctx context.Context, id string) (*AgentInfo, bool) {
	data, err := c.client.Get(ctx, c.prefix+id).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("Redis cache read failed", map[string]interface{}{
				"agent_id": id,
				"error":    err.Error(),
			})
		}
		return nil, false
	}
	var info AgentInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, false
	}
	return &info, true
}

func (c *RedisCache) Set(ctx context.Context, id string, info *AgentInfo) {
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+id, data, c.ttl).Err(); err != nil {
		c.logger.Debug("Redis cache write failed", map[string]interface{}{
			"agent_id": id,
			"error":    err.Error(),
		})
	}
}

func (c *RedisCache) Remove(ctx context.Context, id string) {
	c.client.Del(ctx, c.prefix+id)
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
