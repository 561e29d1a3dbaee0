package coordination

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itskum47/taskmesh/store"
)

func newTestElector(s store.Store, id string, onBecome, onLose func()) *Elector {
	return NewElector(s, ElectorOptions{
		MetaID:          store.MetaDocID,
		InstanceID:      id,
		LockTTL:         150 * time.Millisecond,
		HeartbeatPeriod: 20 * time.Millisecond,
		OnBecomeLeader:  onBecome,
		OnLoseLeader:    onLose,
	})
}

func TestSingleElectorBecomesLeader(t *testing.T) {
	s := store.NewMemoryStore()
	var became atomic.Int64
	e := newTestElector(s, "i1", func() { became.Add(1) }, nil)
	e.Start(context.Background())
	defer e.Stop()

	time.Sleep(60 * time.Millisecond)
	if !e.IsLeader() {
		t.Fatal("sole elector never became leader")
	}
	if became.Load() != 1 {
		t.Errorf("OnBecomeLeader fired %d times, want 1", became.Load())
	}
}

func TestLeaderUniqueness(t *testing.T) {
	s := store.NewMemoryStore()
	e1 := newTestElector(s, "i1", nil, nil)
	e2 := newTestElector(s, "i2", nil, nil)
	e1.Start(context.Background())
	e2.Start(context.Background())
	defer e1.Stop()
	defer e2.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		a, b := e1.IsLeader(), e2.IsLeader()
		if a && b {
			t.Fatal("both electors report leadership at once")
		}
		if a || b {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("neither elector became leader")
}

func TestLeadershipHandsOverOnStop(t *testing.T) {
	s := store.NewMemoryStore()
	e1 := newTestElector(s, "i1", nil, nil)
	e1.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	if !e1.IsLeader() {
		t.Fatal("e1 never became leader")
	}

	e2 := newTestElector(s, "i2", nil, nil)
	e2.Start(context.Background())
	defer e2.Stop()

	// Stop releases the lock, so e2 should take over well before TTL expiry.
	e1.Stop()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if e2.IsLeader() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("e2 never took over after e1 stopped")
}

func TestForceLoseLeader(t *testing.T) {
	s := store.NewMemoryStore()
	var lost atomic.Int64
	e := newTestElector(s, "i1", nil, func() { lost.Add(1) })
	e.Start(context.Background())
	defer e.Stop()

	time.Sleep(60 * time.Millisecond)
	if !e.IsLeader() {
		t.Fatal("never became leader")
	}
	e.ForceLoseLeader()
	if e.IsLeader() {
		t.Error("still leader after ForceLoseLeader")
	}
	if lost.Load() == 0 {
		t.Error("OnLoseLeader not fired")
	}
}
