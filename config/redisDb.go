package config

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ConnectRedisWithRetry returns nil clients when REDIS_ADDRESS is unset; callers
// then fall back to in-process locking and no name cache.
func ConnectRedisWithRetry(ctx context.Context, cfg *Config) (*redis.Client, *redislock.Client, error) {
	if cfg.RedisAddress == "" {
		log.Printf("REDIS_ADDRESS not set; running without redis")
		return nil, nil, nil
	}

	var attempt int
	for {
		attempt++
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: "",
			DB:       0,
			PoolSize: 10,
		})
		err := rdb.Ping(ctx).Err()
		if err == nil {
			log.Printf("connected to redis (attempt=%d addr=%s)", attempt, cfg.RedisAddress)
			return rdb, redislock.New(rdb), nil
		}
		_ = rdb.Close()

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to connect redis (attempt=%d addr=%s): %v; retrying in %s", attempt, cfg.RedisAddress, err, sleep)
		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("connect redis: %w", ctx.Err())
		case <-time.After(sleep):
		}
	}
}
