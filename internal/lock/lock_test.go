package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Fatalf("close client: %v", err)
		}
	})

	return NewLocker(client, nil, nil), mr
}

func TestLocker_AcquireAndRelease(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	lk, err := locker.Acquire(ctx, "order-1", Options{TTL: time.Second})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lk == nil {
		t.Fatalf("expected lock to be acquired")
	}
	if lk.Key != "lock:order-1" {
		t.Fatalf("unexpected key %q", lk.Key)
	}
	if lk.Token == "" {
		t.Fatalf("expected a token")
	}
	if got, err := mr.Get("lock:order-1"); err != nil || got != lk.Token {
		t.Fatalf("stored token %q does not match lock token %q (err=%v)", got, lk.Token, err)
	}

	released, err := locker.Release(ctx, lk)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !released {
		t.Fatalf("expected release to succeed with current token")
	}
	if mr.Exists("lock:order-1") {
		t.Fatalf("expected key to be deleted")
	}
}

func TestLocker_AcquireContendedReturnsNil(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "busy", Options{TTL: time.Minute})
	if err != nil || first == nil {
		t.Fatalf("first acquire: lock=%v err=%v", first, err)
	}

	second, err := locker.Acquire(ctx, "busy", Options{TTL: time.Minute, RetryCount: 2, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second != nil {
		t.Fatalf("expected contended acquire to return nil lock")
	}
}

func TestLocker_ReleaseWithStaleTokenIsNoop(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	lk, err := locker.Acquire(ctx, "order-2", Options{TTL: 50 * time.Millisecond})
	if err != nil || lk == nil {
		t.Fatalf("acquire: lock=%v err=%v", lk, err)
	}

	// Simulate TTL expiry followed by a new holder.
	mr.FastForward(time.Second)
	next, err := locker.Acquire(ctx, "order-2", Options{TTL: time.Minute})
	if err != nil || next == nil {
		t.Fatalf("reacquire: lock=%v err=%v", next, err)
	}

	released, err := locker.Release(ctx, lk)
	if err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if released {
		t.Fatalf("stale release must be a no-op")
	}
	if got, err := mr.Get("lock:order-2"); err != nil || got != next.Token {
		t.Fatalf("new holder's token was destroyed: %q (err=%v)", got, err)
	}
}

func TestLocker_RenewExtendsOnlyForCurrentHolder(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	lk, err := locker.Acquire(ctx, "order-3", Options{TTL: time.Second})
	if err != nil || lk == nil {
		t.Fatalf("acquire: lock=%v err=%v", lk, err)
	}

	ok, err := locker.Renew(ctx, lk, 5*time.Second)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !ok {
		t.Fatalf("expected renew with current token to succeed")
	}
	if lk.TTL != 5*time.Second {
		t.Fatalf("expected lock TTL to be updated, got %v", lk.TTL)
	}

	stale := &Lock{Key: lk.Key, Token: "someone-else"}
	ok, err = locker.Renew(ctx, stale, time.Minute)
	if err != nil {
		t.Fatalf("stale renew: %v", err)
	}
	if ok {
		t.Fatalf("stale renew must return false")
	}
}

func TestLocker_IsLocked(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	locked, err := locker.IsLocked(ctx, "free")
	if err != nil {
		t.Fatalf("isLocked: %v", err)
	}
	if locked {
		t.Fatalf("expected unheld key to report unlocked")
	}

	if _, err := locker.Acquire(ctx, "free", Options{TTL: time.Minute}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	locked, err = locker.IsLocked(ctx, "free")
	if err != nil {
		t.Fatalf("isLocked: %v", err)
	}
	if !locked {
		t.Fatalf("expected held key to report locked")
	}
}

func TestLocker_WithLockReleasesOnError(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	bodyErr := errors.New("step failed")
	err := locker.WithLock(ctx, "scoped", Options{TTL: time.Minute}, func(ctx context.Context) error {
		if !mr.Exists("lock:scoped") {
			t.Fatalf("expected lock to be held inside body")
		}
		return bodyErr
	})
	if !errors.Is(err, bodyErr) {
		t.Fatalf("expected body error, got %v", err)
	}
	if mr.Exists("lock:scoped") {
		t.Fatalf("expected lock to be released after error")
	}
}

func TestLocker_WithLockNotAcquired(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	if _, err := locker.Acquire(ctx, "taken", Options{TTL: time.Minute}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	called := false
	err := locker.WithLock(ctx, "taken", Options{TTL: time.Minute, RetryCount: 1, RetryDelay: time.Millisecond}, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	if called {
		t.Fatalf("body must not run without the lock")
	}
}

func TestLocker_AcquireRespectsCanceledContext(t *testing.T) {
	locker, _ := newTestLocker(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := locker.Acquire(ctx, "cancelled", Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
