package reactive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/itskum47/taskmesh/observability"
	"github.com/itskum47/taskmesh/polling"
	"github.com/itskum47/taskmesh/store"
)

// ErrTaskConditionFailed signals that a source document no longer satisfies
// its task's filter; the worker treats this as a successful finalize rather
// than a failure.
var ErrTaskConditionFailed = errors.New("reactive: task condition no longer satisfied")

// HandlerContext is what a task Handler receives for one claimed work item.
type HandlerContext struct {
	ctx   context.Context
	store store.Store
	def   *TaskDefinition
	item  store.WorkItem

	deferUntil   *time.Time
	throttleTill *time.Time
	markedDone   bool
}

func (h *HandlerContext) DocID() any            { return h.item.SourceDocID }
func (h *HandlerContext) WatchedValues() bson.M { return h.item.LastObservedValues }
func (h *HandlerContext) Attempts() int         { return h.item.Attempts }

// GetDocument re-reads the source document and re-applies the task's filter
// atomically; it returns ErrTaskConditionFailed if the document is gone or
// no longer matches, so a handler can bail out cleanly mid-run.
func (h *HandlerContext) GetDocument(ctx context.Context) (bson.M, error) {
	_, docs, err := h.store.ScanSourceIDs(ctx, h.def.Collection, bson.M{"_id": h.item.SourceDocID}, nil, 1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrTaskConditionFailed
	}
	matched, err := MatchesDoc(ctx, h.store, h.def, h.item.SourceDocID, docs[0])
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, ErrTaskConditionFailed
	}
	return docs[0], nil
}

// DeferCurrent reschedules this item to run again after delay, regardless of
// whether the handler ultimately succeeds or fails, preserving InitialScheduledAt.
func (h *HandlerContext) DeferCurrent(delay time.Duration) {
	t := time.Now().Add(delay)
	h.deferUntil = &t
}

// ThrottleAll suppresses further claims of this task on this worker instance
// until the given time.
func (h *HandlerContext) ThrottleAll(until time.Time) {
	h.throttleTill = &until
}

// MarkCompleted tells the worker the handler already flipped this item's
// status inside its own transaction; the worker then skips its own status
// update on finalize.
func (h *HandlerContext) MarkCompleted() {
	h.markedDone = true
}

// Worker runs the claim/heartbeat/handler/finalize pipeline for one task
// collection's work items. Every claim carries a visibility lease; only the
// lease holder may finalize.
type Worker struct {
	store             store.Store
	registry          *Registry
	runner            *polling.Runner
	visibilityTimeout time.Duration
	concurrency       int

	// OnStart/OnFinish back the facade's reactiveTaskStarted and
	// reactiveTaskFinished/Failed events. Nil is a valid no-op.
	OnStart  func(task string)
	OnFinish func(task string, err error)

	throttleMu sync.Mutex
	throttled  map[string]time.Time
}

func NewWorker(s store.Store, registry *Registry, runner *polling.Runner, visibilityTimeout time.Duration, concurrency int) *Worker {
	return &Worker{
		store:             s,
		registry:          registry,
		runner:            runner,
		visibilityTimeout: visibilityTimeout,
		concurrency:       concurrency,
		throttled:         make(map[string]time.Time),
	}
}

// SourceName is the polling-runner source name registered per task collection.
func SourceName(collection string) string { return "reactive:" + collection }

// TryRun implements the polling.Runner tryRun callback for one collection:
// claim the next eligible item across every task registered on it, run the
// handler, and finalize.
func (w *Worker) TryRun(ctx context.Context, collection string) {
	defs := w.registry.TasksFor(collection)
	if len(defs) == 0 {
		return
	}
	names := make([]string, 0, len(defs))
	now := time.Now()
	w.throttleMu.Lock()
	for _, d := range defs {
		if until, ok := w.throttled[d.Name]; ok && until.After(now) {
			continue
		}
		names = append(names, d.Name)
	}
	w.throttleMu.Unlock()
	if len(names) == 0 {
		return
	}

	item, err := w.store.ClaimWorkItem(ctx, store.TasksCollection(collection), names, w.visibilityTimeout)
	if err != nil {
		log.Printf("[taskmesh] claim work item on %s: %v", collection, err)
		return
	}
	if item == nil {
		return
	}

	def, ok := w.registry.Get(item.Task)
	if !ok {
		log.Printf("[taskmesh] claimed work item for unknown task %q", item.Task)
		return
	}

	w.runOne(ctx, def, *item)
	w.runner.SpeedUp(SourceName(collection))
}

func (w *Worker) runOne(ctx context.Context, def *TaskDefinition, item store.WorkItem) {
	hctx, cancelHeartbeat := context.WithCancel(context.WithoutCancel(ctx))
	heartbeatDone := make(chan struct{})
	go w.heartbeat(hctx, store.TasksCollection(def.Collection), item.ID, heartbeatDone)
	defer func() {
		cancelHeartbeat()
		<-heartbeatDone
	}()

	handlerCtx := &HandlerContext{ctx: ctx, store: w.store, def: def, item: item}
	startedAt := time.Now()

	if w.OnStart != nil {
		w.OnStart(def.Name)
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("reactive: handler panic: %v", r)
			}
		}()
		return def.Handler(ctx, handlerCtx)
	}()
	if w.OnFinish != nil {
		w.OnFinish(def.Name, err)
	}

	w.finalize(ctx, def, item, handlerCtx, err, startedAt)
}

func (w *Worker) heartbeat(ctx context.Context, collection, id string, done chan struct{}) {
	defer close(done)
	period := w.visibilityTimeout / 5
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.store.HeartbeatWorkItem(ctx, collection, id, w.visibilityTimeout); err != nil {
				log.Printf("[taskmesh] work item heartbeat %s/%s failed: %v", collection, id, err)
			}
		}
	}
}

func (w *Worker) finalize(ctx context.Context, def *TaskDefinition, item store.WorkItem, hctx *HandlerContext, err error, startedAt time.Time) {
	now := time.Now()
	observability.TaskHandlerDuration.WithLabelValues(def.Name).Observe(now.Sub(startedAt).Seconds())
	if hctx.throttleTill != nil {
		w.throttleMu.Lock()
		w.throttled[def.Name] = *hctx.throttleTill
		w.throttleMu.Unlock()
	}

	if hctx.markedDone {
		observability.TaskAttempts.WithLabelValues(def.Name, "success").Inc()
		return
	}

	if hctx.deferUntil != nil {
		f := store.WorkItemFinalize{
			Status:      store.StatusPending,
			ScheduledAt: hctx.deferUntil,
			ClearLock:   true,
			StartedAt:   startedAt,
			Success:     err == nil,
		}
		if err != nil && !errors.Is(err, ErrTaskConditionFailed) {
			f.ErrorMessage = err.Error()
		}
		if ferr := w.store.FinalizeWorkItem(ctx, store.TasksCollection(def.Collection), item.ID, f); ferr != nil {
			log.Printf("[taskmesh] finalize (deferred) %s: %v", item.ID, ferr)
		}
		return
	}

	if err == nil || errors.Is(err, ErrTaskConditionFailed) {
		outcome := "success"
		if errors.Is(err, ErrTaskConditionFailed) {
			outcome = "condition_failed"
		}
		observability.TaskAttempts.WithLabelValues(def.Name, outcome).Inc()
		observability.PlanningLagSeconds.WithLabelValues(def.Name).Observe(now.Sub(item.InitialScheduledAt).Seconds())
		record := store.ExecutionRecord{StartedAt: startedAt, FinishedAt: now, Success: true}
		f := store.WorkItemFinalize{
			Status:               store.StatusCompleted,
			ClearLock:            true,
			Success:              true,
			AppendHistory:        &record,
			StartedAt:            startedAt,
			RescheduleDirtyAfter: def.Debounce,
		}
		if ferr := w.store.FinalizeWorkItem(ctx, store.TasksCollection(def.Collection), item.ID, f); ferr != nil {
			log.Printf("[taskmesh] finalize (success) %s: %v", item.ID, ferr)
		}
		return
	}

	// Failure: consult retry policy.
	record := store.ExecutionRecord{StartedAt: startedAt, FinishedAt: now, Success: false, Error: err.Error()}
	firstErrorAt := item.FirstErrorAt
	if firstErrorAt == nil {
		firstErrorAt = &startedAt
	}
	if def.RetryPolicy.ShouldFail(item.Attempts, firstErrorAt, now) {
		observability.TaskAttempts.WithLabelValues(def.Name, "failed").Inc()
		f := store.WorkItemFinalize{
			Status:        store.StatusFailed,
			ClearLock:     true,
			ErrorMessage:  err.Error(),
			AppendHistory: &record,
			StartedAt:     startedAt,
		}
		if ferr := w.store.FinalizeWorkItem(ctx, store.TasksCollection(def.Collection), item.ID, f); ferr != nil {
			log.Printf("[taskmesh] finalize (failed) %s: %v", item.ID, ferr)
		}
		return
	}
	observability.TaskAttempts.WithLabelValues(def.Name, "retry").Inc()
	next := def.RetryPolicy.NextScheduledAt(now, item.Attempts)
	f := store.WorkItemFinalize{
		Status:        store.StatusPending,
		ScheduledAt:   &next,
		ClearLock:     true,
		ErrorMessage:  err.Error(),
		AppendHistory: &record,
		StartedAt:     startedAt,
	}
	if ferr := w.store.FinalizeWorkItem(ctx, store.TasksCollection(def.Collection), item.ID, f); ferr != nil {
		log.Printf("[taskmesh] finalize (retry) %s: %v", item.ID, ferr)
	}
}
