package app

import (
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/sovsapp/enroll/internal/cache"
)

// RedisClientConfig converts the application cache configuration into the cache package representation.
func (c CacheConfig) RedisClientConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Address:  strings.TrimSpace(c.Redis.Address),
		Username: strings.TrimSpace(c.Redis.Username),
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		TLS:      c.Redis.TLS,
		Timeout:  c.Redis.Timeout,
	}
}

// BuildCacheStore constructs the response cache store selected by the
// configuration. The database handle is only required for the database driver.
func BuildCacheStore(cfg CacheConfig, db *gorm.DB) (cache.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return cache.NewMemoryStore(), nil
	case "database":
		if db == nil {
			return nil, fmt.Errorf("cache: database driver requires a database handle")
		}
		return cache.NewDatabaseStore(db), nil
	case "redis":
		return cache.NewRedisClient(cfg.RedisClientConfig())
	default:
		return nil, fmt.Errorf("cache: unsupported driver %q", cfg.Driver)
	}
}
