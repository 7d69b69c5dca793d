package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired indicates the lock could not be acquired within the retry budget.
var ErrNotAcquired = errors.New("lock not acquired")

const keyPrefix = "lock:"

// Token-checked delete: only the current holder may remove the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// Token-checked TTL extension.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

// Client is the minimal Redis surface used by Locker.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// Options controls acquisition behavior. Zero TTL and RetryDelay fall back
// to defaults; RetryCount of zero means a single attempt.
type Options struct {
	TTL        time.Duration
	RetryCount int
	RetryDelay time.Duration
}

// DefaultOptions mirrors the saga-creation lock budget: 30s TTL, 3 retries, 100ms apart.
func DefaultOptions() Options {
	return Options{
		TTL:        30 * time.Second,
		RetryCount: 3,
		RetryDelay: 100 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	return o
}

// Lock is proof of ownership of a held key. Ownership is the token, not the caller.
type Lock struct {
	Key        string
	Token      string
	TTL        time.Duration
	AcquiredAt time.Time
}

// Locker provides cross-process mutual exclusion over a shared Redis store.
type Locker struct {
	client   Client
	logf     func(format string, args ...any)
	now      func() time.Time
	newToken func() string
	sleep    func(context.Context, time.Duration) error
	waited   func(time.Duration)
}

// NewLocker constructs a Locker. waitObserver may be nil; when set it is
// called with the delay spent between acquisition attempts.
func NewLocker(client Client, logf func(format string, args ...any), waitObserver func(time.Duration)) *Locker {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if waitObserver == nil {
		waitObserver = func(time.Duration) {}
	}
	return &Locker{
		client:   client,
		logf:     logf,
		now:      time.Now,
		newToken: uuid.NewString,
		sleep:    sleepWithContext,
		waited:   waitObserver,
	}
}

// Acquire attempts SET NX PX with a fresh token, retrying per opts. It returns
// (nil, nil) when the lock is held elsewhere after the retry budget is spent;
// transient Redis errors are retried and only reported if every attempt fails.
func (l *Locker) Acquire(ctx context.Context, key string, opts Options) (*Lock, error) {
	opts = opts.withDefaults()
	lockKey := keyPrefix + key
	token := l.newToken()

	var lastErr error
	for attempt := 0; attempt <= opts.RetryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ok, err := l.client.SetNX(ctx, lockKey, token, opts.TTL).Result()
		if err != nil {
			lastErr = err
			l.logf("lock: acquire %s attempt %d: %v", lockKey, attempt+1, err)
		} else if ok {
			return &Lock{
				Key:        lockKey,
				Token:      token,
				TTL:        opts.TTL,
				AcquiredAt: l.now(),
			}, nil
		}

		if attempt < opts.RetryCount {
			l.waited(opts.RetryDelay)
			if err := l.sleep(ctx, opts.RetryDelay); err != nil {
				return nil, err
			}
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("acquire %s: %w", lockKey, lastErr)
	}
	return nil, nil
}

// Release deletes the key only if it still holds the lock's token. A stale
// token (superseded holder) is a no-op and returns false.
func (l *Locker) Release(ctx context.Context, lk *Lock) (bool, error) {
	res, err := releaseScript.Run(ctx, l.client, []string{lk.Key}, lk.Token).Int()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", lk.Key, err)
	}
	return res == 1, nil
}

// Renew extends the TTL only if the key still holds the lock's token.
func (l *Locker) Renew(ctx context.Context, lk *Lock, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, l.client, []string{lk.Key}, lk.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew %s: %w", lk.Key, err)
	}
	if res == 1 {
		lk.TTL = ttl
		return true, nil
	}
	return false, nil
}

// IsLocked reports whether any holder currently owns the key. Advisory only.
func (l *Locker) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// WithLock acquires the key, runs fn, and releases on every exit path.
// It returns ErrNotAcquired when the retry budget is exhausted.
func (l *Locker) WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	lk, err := l.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}
	if lk == nil {
		return fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}
	defer func() {
		released, err := l.Release(context.WithoutCancel(ctx), lk)
		if err != nil {
			l.logf("lock: release %s: %v", lk.Key, err)
		} else if !released {
			l.logf("lock: %s expired before release (token superseded)", lk.Key)
		}
	}()

	return fn(ctx)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
