package cycle

import (
	"context"
	"os"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const defaultLockTTL = 30 * time.Minute

// RunLock keeps two instances from processing the same cycle month at once.
// The lock is advisory: the per-account idempotency keys are what actually
// guarantee at-most-once grants, so a nil redis client simply disables it.
type RunLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRunLock(client *redis.Client, ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RunLock{client: client, ttl: ttl}
}

// Acquire attempts to take the lock for a cycle month. Returns true when the
// lock was taken or when locking is disabled.
func (l *RunLock) Acquire(ctx context.Context, monthKey string) (bool, error) {
	if l == nil || l.client == nil {
		return true, nil
	}

	holder, _ := os.Hostname()
	ok, err := l.client.SetNX(ctx, lockKey(monthKey), holder, l.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release frees the lock. Failure is logged, not propagated: the TTL expires
// the lock regardless.
func (l *RunLock) Release(ctx context.Context, monthKey string) {
	if l == nil || l.client == nil {
		return
	}

	if err := l.client.Del(ctx, lockKey(monthKey)).Err(); err != nil {
		fiberlog.Warnf("failed to release cycle lock for %s: %v", monthKey, err)
	}
}

func lockKey(monthKey string) string {
	return "credit-cycle:lock:" + monthKey
}
