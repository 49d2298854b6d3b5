// Package cache provides the generic key/value cache shared by the
// async query store and other components. Two implementations: an
// in-process cache and a redis-backed one.
package cache

import (
	"context"
	"flag"
	"time"

	"github.com/cedricziel/errata/pkg/util"
)

type Cache interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores a value with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Stop()
}

type Config struct {
	Kind  string      `yaml:"kind"`
	Redis RedisConfig `yaml:"redis"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Kind, util.PrefixConfig(prefix, "kind"), "memory", "cache implementation to use (memory or redis)")
	cfg.Redis.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "redis"), f)
}

// New builds the configured cache implementation.
func New(cfg *Config) (Cache, error) {
	if cfg.Kind == "redis" {
		return NewRedisCache(&cfg.Redis)
	}
	return NewMemoryCache(), nil
}
