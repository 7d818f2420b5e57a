// Package coordination provides a Redis mutex that serializes finalization
// of a crawl generation across worker processes.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultLockTTL bounds how long a crashed holder blocks others.
	DefaultLockTTL = 2 * time.Minute
	// DefaultRetryDelay is the pause between acquisition attempts.
	DefaultRetryDelay = 200 * time.Millisecond
	// DefaultMaxRetries caps acquisition attempts.
	DefaultMaxRetries = 50
)

var (
	// ErrLockNotAcquired is returned when the lock stayed taken.
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when releasing a lock owned by someone else.
	ErrLockNotHeld = errors.New("lock not held")
)

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

// LockConfig holds configuration for the lock.
type LockConfig struct {
	Prefix     string
	TTL        time.Duration
	RetryDelay time.Duration
	MaxRetries int
}

// Locker hands out named locks on one Redis client.
type Locker struct {
	client redis.UniversalClient
	cfg    LockConfig
}

// NewLocker builds a Locker, filling zero config fields with defaults.
func NewLocker(client redis.UniversalClient, cfg LockConfig) *Locker {
	if cfg.Prefix == "" {
		cfg.Prefix = "syllabus:lock"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLockTTL
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Locker{client: client, cfg: cfg}
}

// WithLock runs fn while holding the lock called name.
func (l *Locker) WithLock(ctx context.Context, name string, fn func(context.Context) error) error {
	lock := &DistributedLock{
		client: l.client,
		key:    l.cfg.Prefix + ":" + name,
		token:  uuid.New().String(),
		cfg:    l.cfg,
	}
	if err := lock.Lock(ctx); err != nil {
		return fmt.Errorf("lock %s: %w", name, err)
	}
	fnErr := fn(ctx)
	// Release on a fresh context so a canceled step still frees the lock.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := lock.Unlock(releaseCtx); err != nil && fnErr == nil {
		return fmt.Errorf("unlock %s: %w", name, err)
	}
	return fnErr
}

// DistributedLock is one held-or-not lock instance.
type DistributedLock struct {
	client redis.UniversalClient
	key    string
	token  string
	cfg    LockConfig
}

// Lock acquires the lock, retrying until it is free or retries run out.
func (l *DistributedLock) Lock(ctx context.Context) error {
	for i := range l.cfg.MaxRetries {
		if err := ctx.Err(); err != nil {
			return err
		}
		acquired, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		if i < l.cfg.MaxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.cfg.RetryDelay):
			}
		}
	}
	return ErrLockNotAcquired
}

// TryLock attempts to acquire the lock without blocking.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.cfg.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return ok, nil
}

// Unlock releases the lock if this instance holds it.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
