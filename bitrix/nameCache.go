package bitrix

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/config"
	"github.com/redis/go-redis/v9"
)

const userNameTTL = 6 * time.Hour

// RedisNameCache keeps display names under bitrix:user:{id}:name.
type RedisNameCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisNameCache(rdb *redis.Client) *RedisNameCache {
	return &RedisNameCache{rdb: rdb, ttl: userNameTTL}
}

func userNameKey(id int) string {
	return fmt.Sprintf("bitrix:user:%d:name", id)
}

func (c *RedisNameCache) GetNames(ctx context.Context, ids []int) map[int]string {
	out := make(map[int]string, len(ids))
	if c == nil || c.rdb == nil || len(ids) == 0 {
		return out
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = userNameKey(id)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		config.GetLogger().WithError(err).Warn("redis user name lookup failed")
		return out
	}
	for i, v := range vals {
		if s, ok := v.(string); ok && s != "" {
			out[ids[i]] = s
		}
	}
	return out
}

func (c *RedisNameCache) SetNames(ctx context.Context, names map[int]string) {
	if c == nil || c.rdb == nil || len(names) == 0 {
		return
	}
	pipe := c.rdb.Pipeline()
	for id, name := range names {
		pipe.Set(ctx, userNameKey(id), name, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		config.GetLogger().WithError(err).Warn("redis user name store failed")
	}
}
