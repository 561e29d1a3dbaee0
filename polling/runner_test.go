package polling

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegisterAndHasSource(t *testing.T) {
	r := New(1)
	if r.HasSource("a") {
		t.Error("unregistered source reported present")
	}
	r.Register("a", SourceOptions{MinPoll: 10 * time.Millisecond})
	if !r.HasSource("a") {
		t.Error("registered source not reported")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := New(1)
	r.Register("a", SourceOptions{})
	defer func() {
		if recover() == nil {
			t.Error("re-registering a source must panic")
		}
	}()
	r.Register("a", SourceOptions{})
}

func TestWorkersPollRegisteredSources(t *testing.T) {
	r := New(2)
	r.Register("a", SourceOptions{MinPoll: 5 * time.Millisecond, MaxPoll: 20 * time.Millisecond})
	r.Register("b", SourceOptions{MinPoll: 5 * time.Millisecond, MaxPoll: 20 * time.Millisecond})

	var mu sync.Mutex
	seen := map[string]int{}
	r.Start(context.Background(), func(ctx context.Context, name string) {
		mu.Lock()
		seen[name]++
		mu.Unlock()
	})
	time.Sleep(100 * time.Millisecond)
	r.Stop()

	mu.Lock()
	defer mu.Unlock()
	if seen["a"] == 0 || seen["b"] == 0 {
		t.Errorf("sources not polled: %v", seen)
	}
}

func TestBackoffSlowsIdleSource(t *testing.T) {
	r := New(1)
	r.Register("a", SourceOptions{MinPoll: 5 * time.Millisecond, MaxPoll: 500 * time.Millisecond})

	var calls atomic.Int64
	r.Start(context.Background(), func(ctx context.Context, name string) {
		calls.Add(1)
	})
	time.Sleep(150 * time.Millisecond)
	early := calls.Load()
	time.Sleep(150 * time.Millisecond)
	late := calls.Load() - early
	r.Stop()

	// 5ms doubling to 500ms: the second window must see strictly fewer polls
	// than the first once backoff has grown.
	if late >= early {
		t.Errorf("backoff did not slow idle polling: first window %d, second %d", early, late)
	}
}

func TestSpeedUpResetsBackoffAndWakes(t *testing.T) {
	r := New(1)
	r.Register("a", SourceOptions{MinPoll: 10 * time.Millisecond, MaxPoll: 5 * time.Second})

	var calls atomic.Int64
	r.Start(context.Background(), func(ctx context.Context, name string) {
		calls.Add(1)
	})
	// Let the source back off into a long sleep.
	time.Sleep(120 * time.Millisecond)
	before := calls.Load()

	r.SpeedUp("a")
	time.Sleep(30 * time.Millisecond)
	if calls.Load() <= before {
		t.Error("SpeedUp did not trigger a prompt poll")
	}
	r.Stop()
}

func TestSpeedUpAfterDelays(t *testing.T) {
	r := New(1)
	r.Register("a", SourceOptions{MinPoll: 10 * time.Millisecond, MaxPoll: 10 * time.Second})

	var calls atomic.Int64
	r.Start(context.Background(), func(ctx context.Context, name string) {
		calls.Add(1)
	})
	time.Sleep(120 * time.Millisecond)
	before := calls.Load()

	r.SpeedUpAfter("a", 50*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if calls.Load() > before {
		t.Error("SpeedUpAfter fired before its delay elapsed")
	}
	time.Sleep(80 * time.Millisecond)
	if calls.Load() <= before {
		t.Error("SpeedUpAfter never fired")
	}
	r.Stop()
}

func TestStopJoinsWorkers(t *testing.T) {
	r := New(4)
	r.Register("a", SourceOptions{MinPoll: time.Millisecond, MaxPoll: 10 * time.Millisecond})

	var inflight atomic.Int64
	r.Start(context.Background(), func(ctx context.Context, name string) {
		inflight.Add(1)
		time.Sleep(time.Millisecond)
		inflight.Add(-1)
	})
	time.Sleep(20 * time.Millisecond)
	r.Stop()
	if n := inflight.Load(); n != 0 {
		t.Errorf("%d tryRun calls still in flight after Stop returned", n)
	}
}
