package taskmesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/itskum47/taskmesh/lock"
	"github.com/itskum47/taskmesh/reactive"
	"github.com/itskum47/taskmesh/store"
	"github.com/itskum47/taskmesh/taskmanager"
)

func initEngine(t *testing.T) (*Engine, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	e := New()
	if err := e.Init(context.Background(), Options{Store: mem}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return e, mem
}

func TestInitTwiceFails(t *testing.T) {
	e, _ := initEngine(t)
	err := e.Init(context.Background(), Options{Store: store.NewMemoryStore()})
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("err = %v, want ErrAlreadyInitialized", err)
	}
}

func TestInitRequiresStoreOrClient(t *testing.T) {
	e := New()
	if err := e.Init(context.Background(), Options{}); err == nil {
		t.Error("Init with neither Store nor Client accepted")
	}
}

func TestUseBeforeInitFails(t *testing.T) {
	e := New()
	if err := e.CronTask(context.Background(), "t1", "1h", func(ctx context.Context) error { return nil }); err == nil {
		t.Error("CronTask before Init accepted")
	}
	if _, _, err := e.GetReactiveTasks(context.Background(), taskmanager.Query{}, store.Page{}); err == nil {
		t.Error("GetReactiveTasks before Init accepted")
	}
}

func TestCronTaskBadIntervalSurfacesAtRegistration(t *testing.T) {
	e, _ := initEngine(t)
	err := e.CronTask(context.Background(), "t1", "*/5 * * * *", func(ctx context.Context) error { return nil })
	if err == nil {
		t.Error("unprefixed cron expression accepted")
	}
}

func TestReactiveTaskDuplicateName(t *testing.T) {
	e, _ := initEngine(t)
	cfg := ReactiveTaskConfig{
		Task:       "t1",
		Collection: "orders",
		Handler:    func(ctx context.Context, hctx *reactive.HandlerContext) error { return nil },
	}
	if err := e.ReactiveTask(cfg); err != nil {
		t.Fatalf("ReactiveTask: %v", err)
	}
	if err := e.ReactiveTask(cfg); err == nil {
		t.Error("duplicate reactive task accepted")
	}
}

func TestWithLockRunsUnderMutex(t *testing.T) {
	e, mem := initEngine(t)
	ctx := context.Background()

	ran := false
	err := e.WithLock(ctx, "k1", lock.Options{}, func(ctx context.Context) error {
		ran = true
		// While fn runs, the lock must be held against other owners.
		_, lockErr := lock.Lock(ctx, mem, "k1", "intruder", lock.Options{TTL: time.Second, MaxWaitForLock: 50 * time.Millisecond})
		if !errors.Is(lockErr, lock.ErrAlreadyAcquired) {
			t.Errorf("intruder lock err = %v, want ErrAlreadyAcquired", lockErr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if !ran {
		t.Fatal("fn never ran")
	}

	// Released afterwards.
	h, err := lock.Lock(ctx, mem, "k1", "intruder", lock.Options{TTL: time.Second, MaxWaitForLock: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("lock not released after WithLock: %v", err)
	}
	h.Release(ctx)
}

func TestStartStopReactiveTasks(t *testing.T) {
	e, mem := initEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem.SeedSource("orders", "d1", map[string]any{"kind": "x"})
	done := make(chan struct{}, 1)
	err := e.ReactiveTask(ReactiveTaskConfig{
		Task:       "greeter",
		Collection: "orders",
		Handler: func(ctx context.Context, hctx *reactive.HandlerContext) error {
			select {
			case done <- struct{}{}:
			default:
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("ReactiveTask: %v", err)
	}

	if err := e.StartReactiveTasks(ctx); err != nil {
		t.Fatalf("StartReactiveTasks: %v", err)
	}

	// Leader election, reconciliation, and a worker claim all have to land.
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran end to end")
	}

	e.StopReactiveTasks()
	// Idempotent.
	e.StopReactiveTasks()
}

func TestRunCronTaskEndToEnd(t *testing.T) {
	e, _ := initEngine(t)
	ctx := context.Background()

	var ran bool
	if err := e.CronTask(ctx, "once", "1h", func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("CronTask: %v", err)
	}
	if err := e.StartCronTasks(); err != nil {
		t.Fatal(err)
	}
	defer e.StopCronTasks()

	runCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := e.RunCronTask(runCtx, "once"); err != nil {
		t.Fatalf("RunCronTask: %v", err)
	}
	if !ran {
		t.Error("handler not invoked")
	}

	docs, total, err := e.GetCronTasksList(ctx, store.Page{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(docs) != 1 || docs[0].ID != "once" {
		t.Errorf("cron list = %v (total %d)", docs, total)
	}
}
