package lock

import (
	"context"
	"time"

	core "github.com/DomeLiquid/escrowmarket"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var _ core.PurchaseLock = (*RedisLock)(nil)

const defaultKeyPrefix = "escrowmarket:purchase:"

// redisClient is the subset of redis.Cmdable the lease needs.
type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisLock shares reservations across instances. Each reservation is a lease that
// expires after ttl, so a crashed holder cannot strand a listing forever.
type RedisLock struct {
	client redisClient
	ttl    time.Duration
	prefix string
}

func NewRedisLock(client redisClient, ttl time.Duration) *RedisLock {
	return &RedisLock{
		client: client,
		ttl:    ttl,
		prefix: defaultKeyPrefix,
	}
}

func (l *RedisLock) key(listingId string) string {
	return l.prefix + listingId
}

func (l *RedisLock) Acquire(ctx context.Context, listingId string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(listingId), time.Now().Unix(), l.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redis acquire %s", listingId)
	}
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context, listingId string) error {
	if err := l.client.Del(ctx, l.key(listingId)).Err(); err != nil {
		return errors.Wrapf(err, "redis release %s", listingId)
	}
	return nil
}
