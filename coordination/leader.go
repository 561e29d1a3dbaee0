// Package coordination implements leader election over the planner meta
// document: a tick-driven acquire/renew loop on a TTL lock field, with
// become/lose-leader callbacks and a relinquish-on-error posture so a
// partitioned process never believes it is leader past its lease.
package coordination

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/itskum47/taskmesh/observability"
	"github.com/itskum47/taskmesh/store"
)

// ElectorOptions configures one LeaderElector.
type ElectorOptions struct {
	MetaID          string
	InstanceID      string
	LockTTL         time.Duration // default 30s
	HeartbeatPeriod time.Duration // default LockTTL/3
	OnBecomeLeader  func()
	OnLoseLeader    func()
	OnHeartbeat     func()
}

func (o ElectorOptions) withDefaults() ElectorOptions {
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.HeartbeatPeriod <= 0 {
		o.HeartbeatPeriod = o.LockTTL / 3
	}
	return o
}

// Elector runs one election loop per process, contending on a single lock
// field of the shared meta document.
type Elector struct {
	store store.Store
	opts  ElectorOptions

	isLeader atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewElector(s store.Store, opts ElectorOptions) *Elector {
	return &Elector{store: s, opts: opts.withDefaults()}
}

// IsLeader reports this process's last-known leadership status. The planner
// consults it between atomic units from its own goroutine, so the flag is
// atomic rather than loop-local.
func (e *Elector) IsLeader() bool { return e.isLeader.Load() }

// Start launches the election loop.
func (e *Elector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(ctx)
}

func (e *Elector) loop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.opts.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		e.tick(ctx)
		select {
		case <-ctx.Done():
			if e.isLeader.Load() {
				e.stepDown(context.WithoutCancel(ctx))
			}
			return
		case <-ticker.C:
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	holder, err := e.store.TryAcquireLeaderLock(ctx, e.opts.MetaID, e.opts.InstanceID, e.opts.LockTTL)
	if err != nil {
		log.Printf("[taskmesh] leader election tick failed: %v", err)
		e.relinquish()
		return
	}
	if holder == e.opts.InstanceID {
		if e.isLeader.CompareAndSwap(false, true) {
			observability.LeaderStatus.Set(1)
			observability.LeaderTransitions.WithLabelValues("become_leader").Inc()
			if e.opts.OnBecomeLeader != nil {
				e.opts.OnBecomeLeader()
			}
		}
		if e.opts.OnHeartbeat != nil {
			e.opts.OnHeartbeat()
		}
	} else {
		e.relinquish()
	}
}

// relinquish drops local leadership if held, firing OnLoseLeader once.
func (e *Elector) relinquish() {
	if e.isLeader.CompareAndSwap(true, false) {
		observability.LeaderStatus.Set(0)
		observability.LeaderTransitions.WithLabelValues("lose_leader").Inc()
		if e.opts.OnLoseLeader != nil {
			e.opts.OnLoseLeader()
		}
	}
}

// ForceLoseLeader lets a caller (e.g. the planner on a change-stream error)
// surrender leadership locally without waiting for the next tick to observe
// store failure.
func (e *Elector) ForceLoseLeader() {
	e.relinquish()
}

func (e *Elector) stepDown(ctx context.Context) {
	if err := e.store.ReleaseLeaderLock(ctx, e.opts.MetaID, e.opts.InstanceID); err != nil {
		log.Printf("[taskmesh] release leader lock: %v", err)
	}
	e.relinquish()
}

// Stop cancels the loop and blocks until it has released leadership, if held.
func (e *Elector) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}
