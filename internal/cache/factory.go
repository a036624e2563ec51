package cache

import (
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Backend string // "memory" or "redis"
	TTL     time.Duration
	Prefix  string // Redis key namespace, e.g. "deltagate"
}

// NewExactCache picks the backend from config. Unknown backends fall back
// to memory so a typo'd env var degrades instead of failing startup.
func NewExactCache(cfg Config, redisClient *redis.Client) ExactCache {
	switch cfg.Backend {
	case "redis":
		return NewRedisExactCache(redisClient, RedisConfig{
			Prefix: cfg.Prefix,
		})
	default:
		return NewMemoryExactCache(cfg.TTL)
	}
}
