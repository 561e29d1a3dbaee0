// Package lock implements the distributed mutex primitive shared by the
// reactive planner's cleanup step and the public WithLock facade: a
// conditional upsert on a TTL-indexed lock document, renewed by a
// background heartbeat while held.
package lock

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/itskum47/taskmesh/observability"
	"github.com/itskum47/taskmesh/store"
)

// ErrAlreadyAcquired is returned once the acquire deadline passes without
// the lock becoming free.
var ErrAlreadyAcquired = errors.New("lock: already acquired")

// Options configures one Acquire call.
type Options struct {
	// TTL is how long the lock is valid for before a heartbeat must renew it.
	TTL time.Duration
	// MaxWaitForLock bounds total acquisition retries. Default 3s.
	MaxWaitForLock time.Duration
	// StartingDelay is the first backoff step. Default 50ms.
	StartingDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 15 * time.Second
	}
	if o.MaxWaitForLock <= 0 {
		o.MaxWaitForLock = 3 * time.Second
	}
	if o.StartingDelay <= 0 {
		o.StartingDelay = 50 * time.Millisecond
	}
	return o
}

// Handle is a held lock; Release stops its heartbeat and deletes the lock.
type Handle struct {
	key    string
	lockID string
	store  store.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// Lock acquires the named lock, blocking with exponential backoff (capped at
// MaxWaitForLock/3, with multiplicative jitter) until it succeeds or the
// deadline passes. The final retry is sized so one last attempt still fits
// inside the budget.
func Lock(ctx context.Context, s store.Store, key, lockID string, opts Options) (*Handle, error) {
	opts = opts.withDefaults()
	deadline := time.Now().Add(opts.MaxWaitForLock)
	delay := opts.StartingDelay
	maxDelay := opts.MaxWaitForLock / 3
	contended := false

	for {
		ok, err := s.AcquireLock(ctx, key, lockID, opts.TTL)
		if err != nil {
			_ = s.ReleaseLock(context.WithoutCancel(ctx), key, lockID)
			return nil, err
		}
		if ok {
			if contended {
				observability.LockContention.WithLabelValues(key, "acquired").Inc()
			}
			hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			h := &Handle{key: key, lockID: lockID, store: s, cancel: cancel, done: make(chan struct{})}
			go h.heartbeat(hctx, opts.TTL)
			return h, nil
		}
		contended = true

		remaining := time.Until(deadline)
		if remaining <= 0 {
			observability.LockContention.WithLabelValues(key, "timed_out").Inc()
			return nil, ErrAlreadyAcquired
		}
		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}
		if wait > remaining {
			wait = remaining
		}
		jittered := wait/2 + time.Duration(rand.Int63n(int64(wait/2+1)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
	}
}

// heartbeat renews the lock at TTL/5. Renewal errors are logged,
// never thrown: a caller holding this lock must be idempotent, because the
// lock may silently expire if the store becomes unreachable.
func (h *Handle) heartbeat(ctx context.Context, ttl time.Duration) {
	defer close(h.done)
	ticker := time.NewTicker(ttl / 5)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := h.store.RenewLock(ctx, h.key, h.lockID, ttl)
			if err != nil {
				log.Printf("[taskmesh] lock heartbeat for %q failed: %v", h.key, err)
				continue
			}
			if !ok {
				log.Printf("[taskmesh] lock heartbeat for %q: lock no longer ours", h.key)
				return
			}
		}
	}
}

// Release stops the heartbeat and deletes the lock document.
func (h *Handle) Release(ctx context.Context) error {
	h.cancel()
	<-h.done
	return h.store.ReleaseLock(ctx, h.key, h.lockID)
}

// With runs fn under the named lock, guaranteeing release on every exit
// path: panic, error, or normal return.
func With(ctx context.Context, s store.Store, key, lockID string, opts Options, fn func(ctx context.Context) error) error {
	h, err := Lock(ctx, s, key, lockID, opts)
	if err != nil {
		return err
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := h.Release(relCtx); err != nil {
			log.Printf("[taskmesh] release lock %q: %v", key, err)
		}
	}()
	return fn(ctx)
}
