package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockNotHeld = errors.New("lock not held")

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker hands out expiring named locks. A lock is released only by the holder of
// its token.
type Locker struct {
	client redis.UniversalClient
	keys   keyspace
}

func NewLocker(client redis.UniversalClient, keyPrefix string) *Locker {
	return &Locker{client: client, keys: newKeyspace(keyPrefix)}
}

func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, string, error) {
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, l.keys.lock(name), token, ttl).Result()
	if err != nil {
		return false, "", err
	}
	if !acquired {
		return false, "", nil
	}
	return true, token, nil
}

func (l *Locker) Unlock(ctx context.Context, name, token string) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.keys.lock(name)}, token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
