package reactive

import (
	"context"
	"log"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/itskum47/taskmesh/observability"
	"github.com/itskum47/taskmesh/store"
)

// reconcileIfNeeded scans, for every source collection carrying at least
// one task whose reconciliation flag isn't set, source ids in ascending _id
// order and re-runs the planning pipeline per page, resuming from a saved
// cursor only when its recorded task set matches exactly. Leadership is
// checked before the scan here and again after each page and at completion
// in reconcileCollection, so a handoff mid-scan aborts cleanly instead of
// marking a partial scan done.
func (p *Planner) reconcileIfNeeded(ctx context.Context) error {
	if !p.elector.IsLeader() {
		return nil
	}
	meta, err := p.store.GetMeta(ctx, p.opts.MetaID)
	if err != nil {
		return err
	}

	pending := map[string][]*TaskDefinition{}
	for _, collection := range p.registry.Collections() {
		for _, def := range p.registry.TasksFor(collection) {
			if !meta.Reconciliation[def.Name] {
				pending[collection] = append(pending[collection], def)
			}
		}
	}
	if len(pending) == 0 {
		return nil
	}

	collections := make([]string, 0, len(pending))
	for c := range pending {
		collections = append(collections, c)
	}
	sort.Strings(collections)

	for _, collection := range collections {
		if p.shouldStop() || !p.elector.IsLeader() {
			return nil
		}
		if err := p.reconcileCollection(ctx, collection, pending[collection], meta); err != nil {
			return err
		}
	}
	return nil
}

func reconcileTaskNames(defs []*TaskDefinition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	sort.Strings(out)
	return out
}

func sameTaskSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (p *Planner) reconcileCollection(ctx context.Context, collection string, defs []*TaskDefinition, meta *store.PlannerMeta) error {
	names := reconcileTaskNames(defs)
	var after any
	if cursor, ok := meta.ReconciliationState[collection]; ok && sameTaskSet(cursor.TaskNames, names) {
		after = cursor.LastID
	}

	log.Printf("[taskmesh] planner: reconciliation started for %s %v", collection, names)
	if p.OnReconcileStart != nil {
		p.OnReconcileStart(collection)
	}

	for {
		if p.shouldStop() || !p.elector.IsLeader() {
			// Checkpoint from the previous page (if any) is left in place so
			// the next leader resumes instead of rescanning from the start.
			observability.ReconciliationRuns.WithLabelValues(collection, "aborted_leadership_lost").Inc()
			return nil
		}
		ids, docs, err := p.store.ScanSourceIDs(ctx, collection, bson.M{}, after, p.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			break
		}
		p.planReconcilePage(ctx, defs, ids, docs)
		after = ids[len(ids)-1]
		if err := p.store.SetReconciliationCursor(ctx, p.opts.MetaID, collection, store.ReconciliationCursor{
			LastID: after, TaskNames: names, UpdatedAt: time.Now(),
		}); err != nil {
			return err
		}
		if len(ids) < p.opts.BatchSize {
			break
		}
	}

	if p.shouldStop() || !p.elector.IsLeader() {
		observability.ReconciliationRuns.WithLabelValues(collection, "aborted_leadership_lost").Inc()
		return nil
	}

	if err := p.store.ClearReconciliationCursor(ctx, p.opts.MetaID, collection); err != nil {
		return err
	}
	for _, def := range defs {
		if _, err := p.store.CleanupSweep(ctx, store.TasksCollection(def.Collection), def.Name, p.matchIDFunc(def), def.CleanupPolicy); err != nil {
			log.Printf("[taskmesh] planner: post-reconciliation cleanup for %s: %v", def.Name, err)
		}
		if err := p.store.SetReconciliationDone(ctx, p.opts.MetaID, def.Name); err != nil {
			return err
		}
	}
	observability.ReconciliationRuns.WithLabelValues(collection, "finished").Inc()
	log.Printf("[taskmesh] planner: reconciliation finished for %s", collection)
	if p.OnReconcileFinish != nil {
		p.OnReconcileFinish(collection)
	}
	return nil
}

func (p *Planner) planReconcilePage(ctx context.Context, defs []*TaskDefinition, ids []any, docs []bson.M) {
	for i, id := range ids {
		doc := docs[i]
		for _, def := range defs {
			matched, err := MatchesDoc(ctx, p.store, def, id, doc)
			if err != nil {
				log.Printf("[taskmesh] planner: reconcile match for %s/%v: %v", def.Name, id, err)
				continue
			}
			if !matched {
				continue
			}
			observed := ObservedValues(doc, def.WatchProjection)
			workItemID := store.WorkItemID(def.Name, id)
			if _, err := p.store.PlanUpsert(ctx, store.TasksCollection(def.Collection), def.Name, workItemID, id, observed, def.Debounce, def.RetryPolicy.ResetRetriesOnDataChange); err != nil {
				log.Printf("[taskmesh] planner: reconcile upsert for %s/%v: %v", def.Name, id, err)
			}
		}
	}
}

// matchIDFunc adapts ScanSourceIDs into the single-id existence+match probe
// that CleanupSweep needs to decide whether an orphaned work item's source
// document is gone or merely no longer matching.
func (p *Planner) matchIDFunc(def *TaskDefinition) func(ctx context.Context, id any) (bool, bool, error) {
	return func(ctx context.Context, id any) (bool, bool, error) {
		_, docs, err := p.store.ScanSourceIDs(ctx, def.Collection, bson.M{"_id": id}, nil, 1)
		if err != nil {
			return false, false, err
		}
		if len(docs) == 0 {
			return false, false, nil
		}
		matched, err := MatchesDoc(ctx, p.store, def, id, docs[0])
		if err != nil {
			return false, false, err
		}
		return true, matched, nil
	}
}
