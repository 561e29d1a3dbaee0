package reactive

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/taskmesh/lock"
	"github.com/itskum47/taskmesh/observability"
	"github.com/itskum47/taskmesh/store"
)

// maybeCleanup runs the periodic orphan sweep. A cached nextCleanupTime
// (owned by the caller) avoids a meta read on every tick; once due, it
// takes the "<meta>:cleanup" distributed lock, re-checks meta.lastCleanupAt
// under the lock (another leader may have just run this within the window;
// a duplicate sweep is wasteful but safe, deletion being idempotent), then
// sweeps every registered task's orphaned work items.
func (p *Planner) maybeCleanup(ctx context.Context, nextCleanup *time.Time) {
	now := time.Now()
	if nextCleanup.After(now) {
		return
	}

	err := lock.With(ctx, p.store, store.CleanupLockKey, p.opts.InstanceID, lock.Options{TTL: 30 * time.Second}, func(ctx context.Context) error {
		meta, err := p.store.GetMeta(ctx, p.opts.MetaID)
		if err != nil {
			return err
		}
		if !meta.LastCleanupAt.IsZero() && now.Sub(meta.LastCleanupAt) < p.opts.CleanupInterval {
			*nextCleanup = meta.LastCleanupAt.Add(p.opts.CleanupInterval)
			return nil
		}

		for _, name := range p.registry.TaskNames() {
			def, _ := p.registry.Get(name)
			deleted, err := p.store.CleanupSweep(ctx, store.TasksCollection(def.Collection), def.Name, p.matchIDFunc(def), def.CleanupPolicy)
			if err != nil {
				log.Printf("[taskmesh] planner: cleanup sweep for %s: %v", def.Name, err)
				continue
			}
			if deleted > 0 {
				observability.CleanupDeleted.WithLabelValues(def.Name).Add(float64(deleted))
				log.Printf("[taskmesh] planner: cleanup removed %d orphaned work item(s) for %s", deleted, def.Name)
				if p.OnCleanup != nil {
					p.OnCleanup(def.Name, deleted)
				}
			}
		}
		if err := p.store.SetLastCleanupAt(ctx, p.opts.MetaID, now); err != nil {
			return err
		}
		*nextCleanup = now.Add(p.opts.CleanupInterval)
		return nil
	})
	if err != nil {
		log.Printf("[taskmesh] planner: cleanup: %v", err)
		*nextCleanup = now.Add(5 * time.Second)
	}
}
