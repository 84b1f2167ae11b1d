package utils

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig tunes the shared client. Zero values fall back to defaults.
// Every live session task and upload worker draws from the same pool.
type RedisConfig struct {
	Addr string

	DialTimeout time.Duration
	IOTimeout   time.Duration
	PoolSize    int
	PoolTimeout time.Duration
	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	c.DialTimeout = cmp.Or(max(c.DialTimeout, 0), 3*time.Second)
	c.IOTimeout = cmp.Or(max(c.IOTimeout, 0), 2*time.Second)
	c.PoolSize = cmp.Or(max(c.PoolSize, 0), 50)
	c.PoolTimeout = cmp.Or(max(c.PoolTimeout, 0), 4*time.Second)
	c.PingTimeout = cmp.Or(max(c.PingTimeout, 0), 2*time.Second)
	return c
}

// OpenRedis builds a client and fails fast when PING does not answer.
// The client backs admission counters, the status mirror and the upload queue.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	cfg = cfg.withDefaults()

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.IOTimeout,
		WriteTimeout:    cfg.IOTimeout,
		PoolSize:        cfg.PoolSize,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// ScanKeys returns every key matching pattern using SCAN, never KEYS.
func ScanKeys(ctx context.Context, rdb redis.UniversalClient, pattern string, batch int64) ([]string, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	if batch <= 0 {
		batch = 100
	}
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := rdb.Scan(ctx, cursor, pattern, batch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %q: %w", pattern, err)
		}
		out = append(out, keys...)
		if cursor = next; cursor == 0 {
			return out, nil
		}
	}
}
