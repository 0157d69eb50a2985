package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker grants a named lease to one replica at a time.
type Locker interface {
	// TryLock returns ok=false when another holder owns key. release is
	// non-nil only when ok is true.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// releaseScript deletes the key only while it still holds our token, so a
// lease that expired and was taken over is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	rdb redis.Cmdable
}

// NewRedisLocker creates a new RedisLocker.
func NewRedisLocker(rdb redis.Cmdable) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.rdb, []string{key}, token).Err()
	}
	return release, true, nil
}

// LocalLocker is the single-replica Locker used when Redis is not
// configured. Overlap inside the process is already prevented by the cron
// chain, so every call succeeds.
type LocalLocker struct{}

func (LocalLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}
