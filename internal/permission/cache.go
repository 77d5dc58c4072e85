package permission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/filament-chat/filament-server/internal/idkit"
)

const (
	// CacheTTL is the default time-to-live for cached permission values.
	CacheTTL = 300 * time.Second

	// CachePrefix is the key prefix for cached permissions in Redis.
	CachePrefix = "perms"

	// InvalidateChannel is the pub/sub channel for cache invalidation.
	InvalidateChannel = "filament.permcache.invalidate"

	scanBatchSize = 100
)

func cacheKey(userID idkit.UserID, channelID idkit.ChannelID) string {
	return CachePrefix + ":" + userID.String() + ":" + channelID.String()
}

// Cache provides get/set/delete operations for computed permission values, sparing the resolver a round
// trip through Store.RolesForMember + Store.ChannelOverrides on every request.
type Cache interface {
	Get(ctx context.Context, userID idkit.UserID, channelID idkit.ChannelID) (Permission, bool, error)
	Set(ctx context.Context, userID idkit.UserID, channelID idkit.ChannelID, perm Permission) error
	DeleteByUser(ctx context.Context, userID idkit.UserID) error
	DeleteByChannel(ctx context.Context, channelID idkit.ChannelID) error
	DeleteExact(ctx context.Context, userID idkit.UserID, channelID idkit.ChannelID) error
}

// RedisCache implements Cache using Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis-backed permission cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, userID idkit.UserID, channelID idkit.ChannelID) (Permission, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(userID, channelID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("permission cache get: %w", err)
	}

	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cached permission: %w", err)
	}

	return Permission(n), true, nil
}

func (c *RedisCache) Set(ctx context.Context, userID idkit.UserID, channelID idkit.ChannelID, perm Permission) error {
	err := c.client.Set(ctx, cacheKey(userID, channelID), strconv.FormatUint(uint64(perm), 10), CacheTTL).Err()
	if err != nil {
		return fmt.Errorf("permission cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) DeleteByUser(ctx context.Context, userID idkit.UserID) error {
	return c.scanAndDelete(ctx, CachePrefix+":"+userID.String()+":*")
}

func (c *RedisCache) DeleteByChannel(ctx context.Context, channelID idkit.ChannelID) error {
	return c.scanAndDelete(ctx, CachePrefix+":*:"+channelID.String())
}

func (c *RedisCache) DeleteExact(ctx context.Context, userID idkit.UserID, channelID idkit.ChannelID) error {
	return c.client.Del(ctx, cacheKey(userID, channelID)).Err()
}

func (c *RedisCache) scanAndDelete(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("scan keys %q: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}
