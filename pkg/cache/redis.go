package cache

import (
	"context"
	"flag"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"

	"github.com/cedricziel/errata/pkg/util"
)

type RedisConfig struct {
	Endpoint string         `yaml:"endpoint"`
	Password flagext.Secret `yaml:"password"`
	DB       int            `yaml:"db"`
	Timeout  time.Duration  `yaml:"timeout"`
}

func (cfg *RedisConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, util.PrefixConfig(prefix, "endpoint"), "", "redis endpoint, host:port")
	f.IntVar(&cfg.DB, util.PrefixConfig(prefix, "db"), 0, "redis database to select")
	f.DurationVar(&cfg.Timeout, util.PrefixConfig(prefix, "timeout"), 500*time.Millisecond, "redis request timeout")
}

// RedisCache stores entries in redis so multiple processes can share
// async query state.
type RedisCache struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedisCache(cfg *RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Endpoint,
		Password: cfg.Password.String(),
		DB:       cfg.DB,
	})

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 500 * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "pinging redis at %s", cfg.Endpoint)
	}

	return &RedisCache{client: client, timeout: timeout}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis get")
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}

func (c *RedisCache) Stop() {
	_ = c.client.Close()
}
