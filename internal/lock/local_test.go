package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLocalLocker_MutualExclusion(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inBody  int
		maxSeen int
	)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(ctx, "shared", Options{RetryCount: 100, RetryDelay: time.Millisecond}, func(ctx context.Context) error {
				mu.Lock()
				inBody++
				if inBody > maxSeen {
					maxSeen = inBody
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inBody--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("withLock: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected at most one holder at a time, saw %d", maxSeen)
	}
}

func TestLocalLocker_NotAcquiredAfterRetries(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = locker.WithLock(ctx, "busy", Options{}, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err := locker.WithLock(ctx, "busy", Options{RetryCount: 1, RetryDelay: time.Millisecond}, func(ctx context.Context) error {
		return nil
	})
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
}

func TestLocalLocker_ReleasesOnBodyError(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	bodyErr := errors.New("boom")
	if err := locker.WithLock(ctx, "k", Options{}, func(ctx context.Context) error {
		return bodyErr
	}); !errors.Is(err, bodyErr) {
		t.Fatalf("expected body error, got %v", err)
	}

	// Key must be free again.
	if err := locker.WithLock(ctx, "k", Options{RetryCount: 0}, func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("expected reacquire to succeed, got %v", err)
	}
}
