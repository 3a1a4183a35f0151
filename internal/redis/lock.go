package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("queue lock not acquired")
)

// Locker guards the critical section around one doctor's queue for one day.
// Recalculation invariants (contiguous positions, dense timeline) only hold
// when the whole pass runs exclusively.
type Locker interface {
	WithQueueLock(ctx context.Context, doctorID uuid.UUID, day time.Time, fn func(ctx context.Context) error) error
}

type redisQueueLocker struct {
	client        *redis.Client
	ttl           time.Duration
	wait          time.Duration
	retryInterval time.Duration
}

// NewRedisQueueLocker creates a locker keyed by doctor and calendar day.
// Acquisition is retried until wait elapses, then surfaced as retryable.
func NewRedisQueueLocker(client *redis.Client, ttl, wait, retryInterval time.Duration) Locker {
	if retryInterval <= 0 {
		retryInterval = 100 * time.Millisecond
	}
	return &redisQueueLocker{
		client:        client,
		ttl:           ttl,
		wait:          wait,
		retryInterval: retryInterval,
	}
}

func queueLockKey(doctorID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("lock:queue:%s:%s", doctorID.String(), day.Format("2006-01-02"))
}

func (l *redisQueueLocker) WithQueueLock(ctx context.Context, doctorID uuid.UUID, day time.Time, fn func(ctx context.Context) error) error {
	key := queueLockKey(doctorID, day)
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *redisQueueLocker) acquire(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire queue lock: %w", err)
		}
		if ok {
			return nil
		}
		if time.Now().Add(l.retryInterval).After(deadline) {
			return ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisQueueLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release queue lock: %w", err)
	}
	return nil
}
