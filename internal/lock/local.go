package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalLocker provides the WithLock contract over in-process mutexes for
// single-node runs and tests. TTLs are ignored: a holder keeps the key until
// it returns, and a crashed process releases everything by definition.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]struct{}
	sleep func(context.Context, time.Duration) error
}

// NewLocalLocker constructs a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held:  make(map[string]struct{}),
		sleep: sleepWithContext,
	}
}

// WithLock acquires the key (retrying per opts), runs fn, and always releases.
func (l *LocalLocker) WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	opts = opts.withDefaults()

	acquired := false
	for attempt := 0; attempt <= opts.RetryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.tryAcquire(key) {
			acquired = true
			break
		}
		if attempt < opts.RetryCount {
			if err := l.sleep(ctx, opts.RetryDelay); err != nil {
				return err
			}
		}
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}
	defer l.release(key)

	return fn(ctx)
}

func (l *LocalLocker) tryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.held[key]; held {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *LocalLocker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}
