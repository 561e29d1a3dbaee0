package reactive

import (
	"context"
	"log"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/itskum47/taskmesh/coordination"
	"github.com/itskum47/taskmesh/observability"
	"github.com/itskum47/taskmesh/polling"
	"github.com/itskum47/taskmesh/store"
)

// PlannerOptions configures the change-stream tail, batching window, and
// cleanup cadence.
type PlannerOptions struct {
	Database        string
	MetaID          string
	InstanceID      string // identifies this process to the cleanup lock
	BatchSize       int           // default 1000
	BatchInterval   time.Duration // default 500ms
	CleanupInterval time.Duration // default 1m
}

func (o PlannerOptions) withDefaults() PlannerOptions {
	if o.MetaID == "" {
		o.MetaID = store.MetaDocID
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = 500 * time.Millisecond
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Minute
	}
	return o
}

// Planner is the leader-elected component that tails source collections'
// change streams, batches and debounces events into work-item upserts,
// reconciles when history is lost, and runs periodic cleanup. Leadership is
// consulted between atomic units, so a handoff mid-epoch aborts cleanly.
type Planner struct {
	store    store.Store
	registry *Registry
	runner   *polling.Runner
	elector  *coordination.Elector
	opts     PlannerOptions

	// OnReconcileStart/Finish, OnStreamError, and OnCleanup back the
	// facade's reactiveTaskPlannerReconciliationStarted/Finished,
	// reactiveTaskPlannerStreamError, and reactiveTaskCleanup events. Nil
	// is a valid no-op.
	OnReconcileStart  func(collection string)
	OnReconcileFinish func(collection string)
	OnStreamError     func(err error)
	OnCleanup         func(task string, deleted int64)

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewPlanner(s store.Store, registry *Registry, runner *polling.Runner, elector *coordination.Elector, opts PlannerOptions) *Planner {
	return &Planner{store: s, registry: registry, runner: runner, elector: elector, opts: opts.withDefaults()}
}

// Start launches the planner loop. It only does real work while elector
// reports leadership; non-leaders poll cheaply waiting for a become-leader
// transition.
func (p *Planner) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.stoppedCh = make(chan struct{})
	p.mu.Unlock()

	go p.loop(ctx)
}

func (p *Planner) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()
	<-p.stoppedCh
}

func (p *Planner) shouldStop() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

func (p *Planner) loop(ctx context.Context) {
	defer close(p.stoppedCh)
	if err := p.store.EnsureMeta(ctx, p.opts.MetaID); err != nil {
		log.Printf("[taskmesh] planner: ensure meta: %v", err)
	}
	p.checkEvolution(ctx)

	var nextCleanup time.Time
	for !p.shouldStop() {
		if !p.elector.IsLeader() {
			select {
			case <-p.stopCh:
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		if err := p.runOneEpoch(ctx, &nextCleanup); err != nil {
			log.Printf("[taskmesh] planner epoch error, releasing leadership: %v", err)
			p.elector.ForceLoseLeader()
			select {
			case <-p.stopCh:
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// checkEvolution compares each task's current trigger signature and
// handler version against what's recorded in meta, marking tasks that need
// reconciliation or re-processing.
func (p *Planner) checkEvolution(ctx context.Context) {
	meta, err := p.store.GetMeta(ctx, p.opts.MetaID)
	if err != nil {
		log.Printf("[taskmesh] planner: read meta for evolution check: %v", err)
		return
	}
	for _, name := range p.registry.TaskNames() {
		def, _ := p.registry.Get(name)
		sig := TriggerSig(def)
		prev, seen := meta.Tasks[name]

		reconcileOnChange := !def.Evolution.SkipReconcileOnTriggerChange
		needsReconcile := !seen
		if seen && prev.TriggerSig != sig {
			needsReconcile = true
		}
		if needsReconcile {
			if reconcileOnChange {
				if err := p.store.ClearReconciliationFlag(ctx, p.opts.MetaID, name); err != nil {
					log.Printf("[taskmesh] planner: mark %s as needing reconciliation: %v", name, err)
				}
			}
			_ = p.store.SetTaskEvolution(ctx, p.opts.MetaID, name, store.TaskEvolution{TriggerSig: sig, HandlerVersion: def.Evolution.HandlerVersion})
		}
		if seen && def.Evolution.HandlerVersion > prev.HandlerVersion {
			p.applyHandlerVersionChange(ctx, def)
			_ = p.store.SetTaskEvolution(ctx, p.opts.MetaID, name, store.TaskEvolution{TriggerSig: sig, HandlerVersion: def.Evolution.HandlerVersion})
		} else if seen && def.Evolution.HandlerVersion < prev.HandlerVersion {
			log.Printf("[taskmesh] planner: task %q handler version fell (%d -> %d); ignoring", name, prev.HandlerVersion, def.Evolution.HandlerVersion)
		}
	}
}

func (p *Planner) applyHandlerVersionChange(ctx context.Context, def *TaskDefinition) {
	var statuses []store.WorkItemStatus
	switch def.Evolution.OnHandlerVersionChange {
	case VersionChangeReprocessFailed:
		statuses = []store.WorkItemStatus{store.StatusFailed}
	case VersionChangeReprocessAll:
		statuses = []store.WorkItemStatus{store.StatusFailed, store.StatusCompleted}
	default:
		return
	}
	for _, status := range statuses {
		if _, err := p.store.RetryWorkItems(ctx, store.TasksCollection(def.Collection), store.WorkItemQuery{Task: def.Name, Status: status}); err != nil {
			log.Printf("[taskmesh] planner: reprocess %s items for %s: %v", status, def.Name, err)
		}
	}
}

// runOneEpoch runs one pass of stream ingestion (or reconciliation, if
// needed) plus, when due, a cleanup sweep. It opens one change stream per
// epoch and tails it until the leader steps down or an unrecoverable stream
// error occurs.
func (p *Planner) runOneEpoch(ctx context.Context, nextCleanup *time.Time) error {
	if err := p.reconcileIfNeeded(ctx); err != nil {
		return err
	}

	meta, err := p.store.GetMeta(ctx, p.opts.MetaID)
	if err != nil {
		return err
	}

	var startAt time.Time
	if meta.StreamState.ResumeToken == nil {
		startAt, err = p.store.CurrentClusterTime(ctx)
		if err != nil {
			return err
		}
	}

	stream, err := p.store.WatchCollections(ctx, p.opts.Database, p.registry.Collections(), meta.StreamState.ResumeToken, startAt)
	if err != nil {
		return err
	}
	defer stream.Close(context.WithoutCancel(ctx))

	batch := newBatch()
	flushTicker := time.NewTicker(p.opts.BatchInterval)
	defer flushTicker.Stop()
	cleanupTicker := time.NewTicker(p.opts.CleanupInterval)
	defer cleanupTicker.Stop()

	events := make(chan store.ChangeEvent)
	errCh := make(chan error, 1)
	go func() {
		for {
			ev, ok := stream.Next(ctx)
			if !ok {
				errCh <- stream.Err()
				close(events)
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if p.shouldStop() || !p.elector.IsLeader() {
			p.flush(ctx, batch)
			return nil
		}
		select {
		case ev, ok := <-events:
			if !ok {
				err := <-errCh
				if err != nil && store.IsHistoryLost(err) {
					observability.ChangeStreamErrors.WithLabelValues("history_lost").Inc()
					if p.OnStreamError != nil {
						p.OnStreamError(err)
					}
					return p.handleHistoryLost(ctx)
				}
				if err != nil {
					observability.ChangeStreamErrors.WithLabelValues("other").Inc()
					if p.OnStreamError != nil {
						p.OnStreamError(err)
					}
				}
				return err
			}
			batch.add(ev)
			if batch.size() >= p.opts.BatchSize {
				p.flush(ctx, batch)
				batch = newBatch()
			}
		case <-flushTicker.C:
			if batch.size() > 0 {
				p.flush(ctx, batch)
				batch = newBatch()
			} else if tok := stream.ResumeToken(); tok != nil {
				_ = p.store.SetStreamState(ctx, p.opts.MetaID, store.StreamState{ResumeToken: tok})
			}
		case <-cleanupTicker.C:
			p.maybeCleanup(ctx, nextCleanup)
		case <-p.stopCh:
			p.flush(ctx, batch)
			return nil
		}
	}
}

func (p *Planner) handleHistoryLost(ctx context.Context) error {
	log.Printf("[taskmesh] planner: change-stream history lost, reconciling")
	if err := p.store.ClearStreamState(ctx, p.opts.MetaID); err != nil {
		return err
	}
	return p.reconcileIfNeeded(ctx)
}

// flush groups a coalesced batch of events by collection, runs the planning
// pipeline for upserts, and runs orphan-cleanup logic for deletes.
func (p *Planner) flush(ctx context.Context, b *changeBatch) {
	if b.size() == 0 {
		return
	}
	for collection, ids := range b.upsertsByCollection() {
		p.planCollection(ctx, collection, ids, b)
	}
	for collection, ids := range b.deletesByCollection() {
		for _, def := range p.registry.TasksFor(collection) {
			if _, err := p.store.DeleteWorkItemsBySourceIDs(ctx, store.TasksCollection(def.Collection), def.Name, ids, def.CleanupPolicy); err != nil {
				log.Printf("[taskmesh] planner: delete orphans for %s: %v", def.Name, err)
			}
		}
	}
	if tok := b.lastResumeToken; tok != nil {
		_ = p.store.SetStreamState(ctx, p.opts.MetaID, store.StreamState{ResumeToken: tok, LastClusterTime: b.lastClusterTime})
	}
}

// planCollection runs the planning pipeline for a set of changed document
// ids in one collection, against every task registered on it.
func (p *Planner) planCollection(ctx context.Context, collection string, docs map[any]bson.M, b *changeBatch) {
	defs := p.registry.TasksFor(collection)
	if len(defs) == 0 {
		return
	}
	sped := map[string]bool{}
	for id, doc := range docs {
		if doc == nil {
			continue
		}
		for _, def := range defs {
			matched, err := MatchesDoc(ctx, p.store, def, id, doc)
			if err != nil {
				log.Printf("[taskmesh] planner: match %s/%v: %v", def.Name, id, err)
				continue
			}
			if !matched {
				continue
			}
			observed := ObservedValues(doc, def.WatchProjection)
			workItemID := store.WorkItemID(def.Name, id)
			if _, err := p.store.PlanUpsert(ctx, store.TasksCollection(def.Collection), def.Name, workItemID, id, observed, def.Debounce, def.RetryPolicy.ResetRetriesOnDataChange); err != nil {
				log.Printf("[taskmesh] planner: plan upsert for %s/%v: %v", def.Name, id, err)
				continue
			}
			sped[def.Collection] = true
		}
	}
	for collection := range sped {
		p.runner.SpeedUpAfter(SourceName(collection), maxTaskDebounce(defs))
	}
}

func maxTaskDebounce(defs []*TaskDefinition) time.Duration {
	var max time.Duration
	for _, d := range defs {
		if d.Debounce > max {
			max = d.Debounce
		}
	}
	return max
}
