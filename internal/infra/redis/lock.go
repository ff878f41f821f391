// File: internal/infra/redis/lock.go
package redis

import (
	"context"
	"time"

	"kirinuki-pipeline/internal/domain"
	"kirinuki-pipeline/internal/domain/ports/adapter"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var _ adapter.Locker = (*RedisLocker)(nil)

const (
	lockTries     = 5
	lockRetryWait = 50 * time.Millisecond
)

type RedisLocker struct {
	cli RedisClient
	ttl time.Duration
}

// NewLocker returns a locker whose keys expire after ttl, so a crashed run
// cannot hold a job forever.
func NewLocker(c RedisClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisLocker{cli: c, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	var lastErr error
	for i := 0; i < lockTries; i++ {
		ok, err := l.cli.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			lastErr = err
		} else if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockRetryWait):
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", domain.ErrJobLocked
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	_, err := l.cli.RunScript(ctx, luaUnlock, []string{key}, token)
	return err
}
