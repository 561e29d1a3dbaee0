package taskmanager

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/itskum47/taskmesh/reactive"
	"github.com/itskum47/taskmesh/store"
)

func managerFixture(t *testing.T) (*store.MemoryStore, *Manager) {
	t.Helper()
	mem := store.NewMemoryStore()
	reg := reactive.NewRegistry()
	for _, def := range []reactive.TaskDefinition{
		{Name: "orders-task", Collection: "orders", RetryPolicy: reactive.DefaultRetryPolicy()},
		{Name: "users-task", Collection: "users", RetryPolicy: reactive.DefaultRetryPolicy()},
	} {
		if err := reg.Register(def); err != nil {
			t.Fatal(err)
		}
	}
	return mem, New(mem, reg)
}

func seedItem(t *testing.T, mem *store.MemoryStore, task, sourceColl string, docID string) string {
	t.Helper()
	id := store.WorkItemID(task, docID)
	if _, err := mem.PlanUpsert(context.Background(), store.TasksCollection(sourceColl), task, id, docID, nil, 0, true); err != nil {
		t.Fatal(err)
	}
	return id
}

func failItem(t *testing.T, mem *store.MemoryStore, sourceColl, id, msg string) {
	t.Helper()
	err := mem.FinalizeWorkItem(context.Background(), store.TasksCollection(sourceColl), id, store.WorkItemFinalize{
		Status: store.StatusFailed, ErrorMessage: msg,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGetTasksSingleCollection(t *testing.T) {
	mem, m := managerFixture(t)
	ctx := context.Background()
	for _, d := range []string{"d1", "d2", "d3"} {
		seedItem(t, mem, "orders-task", "orders", d)
	}

	items, total, err := m.GetTasks(ctx, Query{Task: "orders-task"}, store.Page{Limit: 2})
	if err != nil {
		t.Fatalf("GetTasks: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(items) != 2 {
		t.Errorf("page size = %d, want 2", len(items))
	}
}

func TestGetTasksScatterGather(t *testing.T) {
	mem, m := managerFixture(t)
	ctx := context.Background()
	seedItem(t, mem, "orders-task", "orders", "d1")
	time.Sleep(2 * time.Millisecond)
	seedItem(t, mem, "users-task", "users", "u1")
	time.Sleep(2 * time.Millisecond)
	seedItem(t, mem, "orders-task", "orders", "d2")

	items, total, err := m.GetTasks(ctx, Query{}, store.Page{Limit: 10})
	if err != nil {
		t.Fatalf("GetTasks: %v", err)
	}
	if total != 3 || len(items) != 3 {
		t.Fatalf("total=%d items=%d, want 3/3", total, len(items))
	}
	// Client-side merge sorts by scheduledAt ascending across collections.
	for i := 1; i < len(items); i++ {
		if items[i].ScheduledAt.Before(items[i-1].ScheduledAt) {
			t.Error("merged listing not sorted by scheduledAt")
		}
	}

	// Pagination window applies after the merge.
	page2, _, err := m.GetTasks(ctx, Query{}, store.Page{Limit: 2, Skip: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 1 {
		t.Errorf("skip=2 limit=2 over 3 items returned %d, want 1", len(page2))
	}
}

func TestCountTasks(t *testing.T) {
	mem, m := managerFixture(t)
	ctx := context.Background()
	seedItem(t, mem, "orders-task", "orders", "d1")
	seedItem(t, mem, "users-task", "users", "u1")

	n, err := m.CountTasks(ctx, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestTaskStats(t *testing.T) {
	mem, m := managerFixture(t)
	ctx := context.Background()
	okID := seedItem(t, mem, "orders-task", "orders", "d1")
	badID := seedItem(t, mem, "orders-task", "orders", "d2")
	seedItem(t, mem, "orders-task", "orders", "d3")

	if err := mem.FinalizeWorkItem(ctx, store.TasksCollection("orders"), okID, store.WorkItemFinalize{Status: store.StatusCompleted, Success: true}); err != nil {
		t.Fatal(err)
	}
	failItem(t, mem, "orders", badID, "boom")

	stats, err := m.TaskStats(ctx, "orders-task")
	if err != nil {
		t.Fatalf("TaskStats: %v", err)
	}
	if stats.Success != 1 || stats.Failed != 1 || stats.Pending != 1 {
		t.Errorf("stats = %+v, want success=1 failed=1 pending=1", stats)
	}
	if stats.Error != 1 {
		t.Errorf("error count = %d, want 1 (item carrying lastError)", stats.Error)
	}
}

func TestTaskStatsUnknownTask(t *testing.T) {
	_, m := managerFixture(t)
	if _, err := m.TaskStats(context.Background(), "nope"); err == nil {
		t.Error("unknown task accepted")
	}
}

func TestRetryTasksByErrorMessage(t *testing.T) {
	mem, m := managerFixture(t)
	ctx := context.Background()
	badID := seedItem(t, mem, "orders-task", "orders", "d1")
	otherID := seedItem(t, mem, "orders-task", "orders", "d2")
	failItem(t, mem, "orders", badID, "connection refused")
	failItem(t, mem, "orders", otherID, "schema mismatch")

	n, err := m.RetryTasks(ctx, Query{Task: "orders-task", LastErrorLike: "connection"})
	if err != nil {
		t.Fatalf("RetryTasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("retried %d items, want 1", n)
	}
	item, _ := mem.GetWorkItem(ctx, store.TasksCollection("orders"), badID)
	if item.Status != store.StatusPending || item.Attempts != 0 {
		t.Errorf("retried item not reset: %+v", item)
	}
	other, _ := mem.GetWorkItem(ctx, store.TasksCollection("orders"), otherID)
	if other.Status != store.StatusFailed {
		t.Error("non-matching failed item was also reset")
	}
}

func TestSmartSourceDocID(t *testing.T) {
	got := SmartSourceDocID("plain")
	if len(got) != 1 || got[0] != "plain" {
		t.Errorf("plain string candidates = %v", got)
	}

	got = SmartSourceDocID("507f1f77bcf86cd799439011")
	if len(got) != 2 {
		t.Errorf("24-hex candidates = %v, want string + ObjectID", got)
	}

	got = SmartSourceDocID("42")
	if len(got) != 2 || got[1] != int64(42) {
		t.Errorf("numeric candidates = %v, want string + int64", got)
	}
}

// Mirrors "retry every item whose source order is cancelled": a source-doc
// filter on more than _id scans the source collection in batches to
// enumerate ids, then resets per batch.
func TestRetryTasksBySourceDocFilter(t *testing.T) {
	mem, m := managerFixture(t)
	ctx := context.Background()

	mem.SeedSource("orders", "d1", bson.M{"status": "cancelled"})
	mem.SeedSource("orders", "d2", bson.M{"status": "open"})
	mem.SeedSource("orders", "d3", bson.M{"status": "cancelled"})

	var failedIDs []string
	for _, d := range []string{"d1", "d2", "d3"} {
		id := seedItem(t, mem, "orders-task", "orders", d)
		failItem(t, mem, "orders", id, "boom")
		failedIDs = append(failedIDs, id)
	}

	n, err := m.RetryTasks(ctx, Query{
		Task:            "orders-task",
		SourceDocFilter: bson.M{"status": "cancelled"},
	})
	if err != nil {
		t.Fatalf("RetryTasks: %v", err)
	}
	if n != 2 {
		t.Fatalf("retried %d items, want 2 (cancelled sources only)", n)
	}

	for i, d := range []string{"d1", "d2", "d3"} {
		item, _ := mem.GetWorkItem(ctx, store.TasksCollection("orders"), failedIDs[i])
		wantReset := d != "d2"
		isReset := item.Status == store.StatusPending && item.Attempts == 0
		if isReset != wantReset {
			t.Errorf("item for %s: reset=%v, want %v", d, isReset, wantReset)
		}
	}
}

func TestRetryTasksSourceDocFilterIDOnly(t *testing.T) {
	mem, m := managerFixture(t)
	ctx := context.Background()

	first := seedItem(t, mem, "orders-task", "orders", "d1")
	other := seedItem(t, mem, "orders-task", "orders", "d2")
	failItem(t, mem, "orders", first, "boom")
	failItem(t, mem, "orders", other, "boom")

	// A filter carrying only _id needs no source scan; it collapses to the
	// plain sourceDocId equality path.
	n, err := m.RetryTasks(ctx, Query{Task: "orders-task", SourceDocFilter: bson.M{"_id": "d1"}})
	if err != nil {
		t.Fatalf("RetryTasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("retried %d items, want 1", n)
	}
	item, _ := mem.GetWorkItem(ctx, store.TasksCollection("orders"), other)
	if item.Status != store.StatusFailed {
		t.Error("unrelated item was also reset")
	}
}
