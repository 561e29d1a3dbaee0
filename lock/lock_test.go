package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/itskum47/taskmesh/store"
)

func TestLockAcquireAndRelease(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	h, err := Lock(ctx, s, "k1", "owner-a", Options{TTL: time.Second})
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Released lock must be immediately acquirable by another owner.
	h2, err := Lock(ctx, s, "k1", "owner-b", Options{TTL: time.Second, MaxWaitForLock: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	h2.Release(ctx)
}

func TestLockContentionTimesOut(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	h, err := Lock(ctx, s, "k1", "owner-a", Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer h.Release(ctx)

	start := time.Now()
	_, err = Lock(ctx, s, "k1", "owner-b", Options{TTL: time.Minute, MaxWaitForLock: 150 * time.Millisecond})
	if !errors.Is(err, ErrAlreadyAcquired) {
		t.Fatalf("err = %v, want ErrAlreadyAcquired", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("gave up after %v, should retry until near the deadline", elapsed)
	}
}

func TestLockExpiredIsReclaimable(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	// Short TTL, never renewed (no heartbeat tick fits inside 20ms/5 = 4ms
	// before we release the handle's goroutine by not waiting).
	h, err := Lock(ctx, s, "k1", "owner-a", Options{TTL: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	h.cancel() // stop the heartbeat without deleting the doc
	<-h.done
	time.Sleep(30 * time.Millisecond)

	h2, err := Lock(ctx, s, "k1", "owner-b", Options{TTL: time.Second, MaxWaitForLock: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("expired lock not reclaimable: %v", err)
	}
	h2.Release(ctx)
}

func TestWithReleasesOnError(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	wantErr := errors.New("fn failed")

	err := With(ctx, s, "k1", "owner-a", Options{TTL: time.Second}, func(ctx context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want fn error", err)
	}

	if _, err := Lock(ctx, s, "k1", "owner-b", Options{TTL: time.Second, MaxWaitForLock: 100 * time.Millisecond}); err != nil {
		t.Errorf("lock not released after fn error: %v", err)
	}
}

func TestWithReleasesOnPanic(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	func() {
		defer func() { recover() }()
		With(ctx, s, "k1", "owner-a", Options{TTL: time.Second}, func(ctx context.Context) error {
			panic("boom")
		})
	}()

	if _, err := Lock(ctx, s, "k1", "owner-b", Options{TTL: time.Second, MaxWaitForLock: 100 * time.Millisecond}); err != nil {
		t.Errorf("lock not released after panic: %v", err)
	}
}

func TestHeartbeatKeepsLockAlive(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	h, err := Lock(ctx, s, "k1", "owner-a", Options{TTL: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer h.Release(ctx)

	// Well past the original TTL; renewal at TTL/5 must have kept it held.
	time.Sleep(150 * time.Millisecond)
	_, err = Lock(ctx, s, "k1", "owner-b", Options{TTL: time.Second, MaxWaitForLock: 60 * time.Millisecond})
	if !errors.Is(err, ErrAlreadyAcquired) {
		t.Errorf("err = %v, heartbeat should have kept the lock held", err)
	}
}
