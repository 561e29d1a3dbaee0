// Package taskmanager implements the read/write admin surface over
// reactive work items: paged listing, stats, and retry, spanning every
// task's work-item collection. Single-collection queries page server-side;
// multi-collection queries scatter-gather and merge client-side.
package taskmanager

import (
	"context"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/itskum47/taskmesh/observability"
	"github.com/itskum47/taskmesh/reactive"
	"github.com/itskum47/taskmesh/store"
)

// Query narrows a listing, stats, or retry operation across one or more
// task collections.
type Query struct {
	Task          string
	Status        store.WorkItemStatus
	ID            string
	LastErrorLike string
	SourceDocID   any

	// SourceDocFilter narrows a retry by the state of the SOURCE documents
	// rather than the work items. A filter on more than _id cannot be
	// pushed down onto the work-item collection, so RetryTasks enumerates
	// matching source ids in batches first.
	SourceDocFilter bson.M
}

func (q Query) toStoreQuery() store.WorkItemQuery {
	return store.WorkItemQuery{
		Task:          q.Task,
		Status:        q.Status,
		ID:            q.ID,
		LastErrorLike: q.LastErrorLike,
		SourceDocID:   q.SourceDocID,
	}
}

// Stats is the per-task status breakdown the dashboard's /api/info endpoint
// reports.
type Stats struct {
	Success    int64
	Failed     int64
	Processing int64
	Pending    int64
	Error      int64 // items of the task currently carrying a lastError, in any status
}

// Manager is the query surface over every registered reactive task's work
// items.
type Manager struct {
	store    store.Store
	registry *reactive.Registry
}

func New(s store.Store, registry *reactive.Registry) *Manager {
	return &Manager{store: s, registry: registry}
}

// collectionsFor resolves which task collections a query touches: one, if
// Task pins it, otherwise every registered collection (multi-collection
// scatter-gather path).
func (m *Manager) collectionsFor(q Query) ([]string, error) {
	if q.Task != "" {
		def, ok := m.registry.Get(q.Task)
		if !ok {
			return nil, fmt.Errorf("taskmanager: unknown task %q", q.Task)
		}
		return []string{store.TasksCollection(def.Collection)}, nil
	}
	sources := m.registry.Collections()
	out := make([]string, len(sources))
	for i, c := range sources {
		out[i] = store.TasksCollection(c)
	}
	return out, nil
}

// GetTasks resolves the query to its task collection(s). A
// single-collection query takes the server-side sort+skip+limit path; a
// multi-collection query scatter-gathers a skip+limit window from each and
// merge-sorts client side, an O(limit+offset) cost acceptable for admin
// listings.
func (m *Manager) GetTasks(ctx context.Context, q Query, page store.Page) ([]store.WorkItem, int64, error) {
	collections, err := m.collectionsFor(q)
	if err != nil {
		return nil, 0, err
	}
	if len(collections) == 0 {
		return nil, 0, nil
	}
	if len(collections) == 1 {
		return m.store.ListWorkItems(ctx, collections[0], q.toStoreQuery(), page)
	}

	window := store.Page{Limit: page.Skip + page.Limit, Sort: page.Sort}
	var merged []store.WorkItem
	var total int64
	for _, collection := range collections {
		items, count, err := m.store.ListWorkItems(ctx, collection, q.toStoreQuery(), window)
		if err != nil {
			return nil, 0, fmt.Errorf("taskmanager: list %s: %w", collection, err)
		}
		merged = append(merged, items...)
		total += count
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ScheduledAt.Before(merged[j].ScheduledAt) })

	if int64(len(merged)) <= page.Skip {
		return nil, total, nil
	}
	merged = merged[page.Skip:]
	if page.Limit > 0 && int64(len(merged)) > page.Limit {
		merged = merged[:page.Limit]
	}
	return merged, total, nil
}

// CountTasks reports the total matching a query, summed across the task
// collections it touches.
func (m *Manager) CountTasks(ctx context.Context, q Query) (int64, error) {
	collections, err := m.collectionsFor(q)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, collection := range collections {
		_, count, err := m.store.ListWorkItems(ctx, collection, q.toStoreQuery(), store.Page{Limit: 1})
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

// TaskStats computes the status breakdown for one registered task.
func (m *Manager) TaskStats(ctx context.Context, taskName string) (Stats, error) {
	def, ok := m.registry.Get(taskName)
	if !ok {
		return Stats{}, fmt.Errorf("taskmanager: unknown task %q", taskName)
	}
	tasksColl := store.TasksCollection(def.Collection)
	var s Stats
	for _, status := range []store.WorkItemStatus{store.StatusCompleted, store.StatusFailed, store.StatusProcessing, store.StatusProcessingDirty, store.StatusPending} {
		_, count, err := m.store.ListWorkItems(ctx, tasksColl, store.WorkItemQuery{Task: taskName, Status: status}, store.Page{Limit: 1})
		if err != nil {
			return Stats{}, err
		}
		switch status {
		case store.StatusCompleted:
			s.Success = count
		case store.StatusFailed:
			s.Failed = count
		case store.StatusProcessing, store.StatusProcessingDirty:
			s.Processing += count
		case store.StatusPending:
			s.Pending = count
		}
	}
	_, errCount, err := m.store.ListWorkItems(ctx, tasksColl, store.WorkItemQuery{Task: taskName, LastErrorLike: ".*"}, store.Page{Limit: 1})
	if err != nil {
		return Stats{}, err
	}
	s.Error = errCount

	observability.WorkItemsByStatus.WithLabelValues(taskName, string(store.StatusCompleted)).Set(float64(s.Success))
	observability.WorkItemsByStatus.WithLabelValues(taskName, string(store.StatusFailed)).Set(float64(s.Failed))
	observability.WorkItemsByStatus.WithLabelValues(taskName, string(store.StatusProcessing)).Set(float64(s.Processing))
	observability.WorkItemsByStatus.WithLabelValues(taskName, string(store.StatusPending)).Set(float64(s.Pending))
	return s, nil
}

// retryScanBatch pages the source-collection scan a complex SourceDocFilter
// triggers.
const retryScanBatch = 500

// RetryTasks resets every work item matching q to pending, attempts=0,
// scheduledAt=now, clearing its failure streak, spanning every collection
// the query touches. A SourceDocFilter on more than _id is resolved by
// scanning the source collection in batches to enumerate matching ids, then
// resetting per batch.
func (m *Manager) RetryTasks(ctx context.Context, q Query) (int64, error) {
	if len(q.SourceDocFilter) > 0 {
		if id, ok := q.SourceDocFilter["_id"]; ok && len(q.SourceDocFilter) == 1 {
			q.SourceDocID = id
		} else {
			return m.retryBySourceScan(ctx, q)
		}
	}
	collections, err := m.collectionsFor(q)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, collection := range collections {
		n, err := m.store.RetryWorkItems(ctx, collection, q.toStoreQuery())
		if err != nil {
			return total, fmt.Errorf("taskmanager: retry %s: %w", collection, err)
		}
		total += n
	}
	return total, nil
}

// retryBySourceScan walks each task's source collection in _id order,
// collecting the ids its documents match q.SourceDocFilter for, and resets
// that task's work items one id batch at a time.
func (m *Manager) retryBySourceScan(ctx context.Context, q Query) (int64, error) {
	defs, err := m.defsFor(q)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, def := range defs {
		var after any
		for {
			ids, _, err := m.store.ScanSourceIDs(ctx, def.Collection, q.SourceDocFilter, after, retryScanBatch)
			if err != nil {
				return total, fmt.Errorf("taskmanager: scan %s: %w", def.Collection, err)
			}
			if len(ids) == 0 {
				break
			}
			sq := q.toStoreQuery()
			sq.Task = def.Name
			sq.SourceDocIDs = ids
			n, err := m.store.RetryWorkItems(ctx, store.TasksCollection(def.Collection), sq)
			if err != nil {
				return total, fmt.Errorf("taskmanager: retry %s: %w", def.Name, err)
			}
			total += n
			after = ids[len(ids)-1]
			if len(ids) < retryScanBatch {
				break
			}
		}
	}
	return total, nil
}

// defsFor resolves the task definitions a query touches: one, if Task pins
// it, otherwise every registered task.
func (m *Manager) defsFor(q Query) ([]*reactive.TaskDefinition, error) {
	if q.Task != "" {
		def, ok := m.registry.Get(q.Task)
		if !ok {
			return nil, fmt.Errorf("taskmanager: unknown task %q", q.Task)
		}
		return []*reactive.TaskDefinition{def}, nil
	}
	defs := make([]*reactive.TaskDefinition, 0, len(m.registry.TaskNames()))
	for _, name := range m.registry.TaskNames() {
		def, _ := m.registry.Get(name)
		defs = append(defs, def)
	}
	return defs, nil
}

// SmartSourceDocID tries, in order, the original string, an ObjectID (if
// the string looks like 24 hex characters), and a numeric value. Exposed so
// both the public facade and a caller's own HTTP layer can share the same
// id-matching heuristic.
func SmartSourceDocID(raw string) []any {
	candidates := []any{raw}
	if oid, err := objectIDFromHex(raw); err == nil {
		candidates = append(candidates, oid)
	}
	if n, err := parseInt64(raw); err == nil {
		candidates = append(candidates, n)
	}
	return candidates
}
