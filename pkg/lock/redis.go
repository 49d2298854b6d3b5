package lock

import (
	"context"

	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/cedricziel/errata/pkg/util"
)

// releaseScript deletes the key only if it still carries our token, so
// a worker that overran its lease cannot release the next holder's lock.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// RedisLocker implements lease locks with SET NX PX. Redis handles
// lease expiry, which gives the takeover-after-expiry semantics for
// free across processes.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, lease time.Duration) (Handle, error) {
	token := util.NewUUIDv7()

	ok, err := l.client.SetNX(ctx, name, token, lease).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "acquiring lock %s", name)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	return &redisHandle{client: l.client, name: name, token: token}, nil
}

type redisHandle struct {
	client *redis.Client
	name   string
	token  string
}

func (h *redisHandle) Release(ctx context.Context) error {
	err := h.client.Eval(ctx, releaseScript, []string{h.name}, h.token).Err()
	if err != nil && err != redis.Nil {
		return errors.Wrapf(err, "releasing lock %s", h.name)
	}
	return nil
}
