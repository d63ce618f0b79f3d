// Package cache provides the caching layer used for credential validation
// results. Values are JSON-encoded so the Redis and in-memory backends are
// interchangeable.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key is not found in the cache
var ErrNotFound = errors.New("key not found in cache")

// Cache interface defines caching operations
type Cache interface {
	Get(ctx context.Context, key string, value any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Flush(ctx context.Context) error
	Close() error
}

// Config selects and configures a cache backend
type Config struct {
	Type         string        `mapstructure:"type"` // "memory" or "redis"
	Address      string        `mapstructure:"address"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxItems     int           `mapstructure:"max_items"` // memory backend capacity
	DefaultTTL   time.Duration `mapstructure:"default_ttl"`
}

// NewCache creates a cache from configuration
func NewCache(ctx context.Context, cfg Config) (Cache, error) {
	switch cfg.Type {
	case "", "memory":
		maxItems := cfg.MaxItems
		if maxItems <= 0 {
			maxItems = 10000
		}
		ttl := cfg.DefaultTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		return NewMemoryCache(maxItems, ttl), nil
	case "redis":
		return NewRedisCache(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported cache type: %q", cfg.Type)
	}
}
