package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"notification-monitor/internal/common/errors"
	"notification-monitor/internal/common/logger"
)

const (
	DefaultLockKey = "notification-monitor:pass-lock"
	defaultLockTTL = 5 * time.Minute
	unlockTimeout  = 5 * time.Second
)

// releaseScript deletes the lock key only while it still holds our token, so
// an expired lock taken over by another instance is never released by us.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Locker guards a pass. Acquire fails with PASS_IN_PROGRESS when another
// pass holds the lock.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// RedisCmdable is the subset of go-redis used by the lock.
type RedisCmdable interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// PassLock serialises passes within the process and, when a Redis client is
// configured, across every instance sharing the ledger.
type PassLock struct {
	local  sync.Mutex
	rdb    RedisCmdable
	key    string
	ttl    time.Duration
	logger logger.Logger
	token  func() string
}

// NewPassLock builds a lock. rdb may be nil for a single-instance deployment.
func NewPassLock(rdb RedisCmdable, key string, ttl time.Duration, log logger.Logger) *PassLock {
	if key == "" {
		key = DefaultLockKey
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &PassLock{rdb: rdb, key: key, ttl: ttl, logger: log, token: uuid.NewString}
}

func (l *PassLock) Acquire(ctx context.Context) (func(), error) {
	if !l.local.TryLock() {
		return nil, errors.NewPassInProgressError("this process")
	}
	if l.rdb == nil {
		return l.local.Unlock, nil
	}

	token := l.token()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		l.local.Unlock()
		return nil, fmt.Errorf("acquire pass lock %s: %w", l.key, err)
	}
	if !ok {
		l.local.Unlock()
		return nil, errors.NewPassInProgressError(l.key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			defer l.local.Unlock()
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
			defer cancel()
			if err := l.rdb.Eval(ctx, releaseScript, []string{l.key}, token).Err(); err != nil {
				l.logger.Warn("failed to release pass lock", map[string]interface{}{
					"key":   l.key,
					"error": err,
				})
			}
		})
	}, nil
}
