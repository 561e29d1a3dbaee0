package reactive

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/itskum47/taskmesh/store"
)

// changeBatch coalesces a window of change-stream events: events are keyed
// by (collection, document id), so N updates to
// the same document inside one batch window collapse into a single
// planning upsert, and a later delete in the same batch cancels out an
// earlier insert/update.
type changeBatch struct {
	upserts map[string]map[any]bson.M
	deletes map[string]map[any]bool
	count   int

	lastResumeToken bson.Raw
	lastClusterTime time.Time
}

func newBatch() *changeBatch {
	return &changeBatch{
		upserts: make(map[string]map[any]bson.M),
		deletes: make(map[string]map[any]bool),
	}
}

func (b *changeBatch) add(ev store.ChangeEvent) {
	b.count++
	if ev.ResumeToken != nil {
		b.lastResumeToken = ev.ResumeToken
	}
	if !ev.ClusterTime.IsZero() {
		b.lastClusterTime = ev.ClusterTime
	}

	if ev.OperationType == "delete" {
		if m, ok := b.upserts[ev.Collection]; ok {
			delete(m, ev.DocumentID)
		}
		dels, ok := b.deletes[ev.Collection]
		if !ok {
			dels = make(map[any]bool)
			b.deletes[ev.Collection] = dels
		}
		dels[ev.DocumentID] = true
		return
	}

	if dels, ok := b.deletes[ev.Collection]; ok {
		delete(dels, ev.DocumentID)
	}
	ups, ok := b.upserts[ev.Collection]
	if !ok {
		ups = make(map[any]bson.M)
		b.upserts[ev.Collection] = ups
	}
	ups[ev.DocumentID] = ev.FullDocument
}

func (b *changeBatch) size() int { return b.count }

// upsertsByCollection returns the latest observed fullDocument per changed
// id, grouped by collection.
func (b *changeBatch) upsertsByCollection() map[string]map[any]bson.M {
	return b.upserts
}

// deletesByCollection flattens the per-collection delete id sets into slices
// for the store's orphan-delete call.
func (b *changeBatch) deletesByCollection() map[string][]any {
	out := make(map[string][]any, len(b.deletes))
	for coll, ids := range b.deletes {
		list := make([]any, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		out[coll] = list
	}
	return out
}
