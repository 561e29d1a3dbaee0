package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// MemoryStore is an in-process Store used by tests: plain maps guarded by
// one RWMutex, returning copies rather than pointers into the map so
// callers can't mutate state behind the store's back.
type MemoryStore struct {
	mu sync.RWMutex

	locks map[string]LockDoc
	meta  map[string]PlannerMeta
	cron  map[string]CronTaskDoc

	workItems map[string]map[string]WorkItem // collection -> id -> item
	sources   map[string]map[string]bson.M   // collection -> id(as string) -> doc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:     make(map[string]LockDoc),
		meta:      make(map[string]PlannerMeta),
		cron:      make(map[string]CronTaskDoc),
		workItems: make(map[string]map[string]WorkItem),
		sources:   make(map[string]map[string]bson.M),
	}
}

// SeedSource lets tests populate a fake source collection document directly,
// standing in for what a real insert into a watched Mongo collection would do.
func (m *MemoryStore) SeedSource(collection string, id any, doc bson.M) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sources[collection] == nil {
		m.sources[collection] = make(map[string]bson.M)
	}
	key := idKey(id)
	doc["_id"] = id
	m.sources[collection][key] = doc
}

func (m *MemoryStore) DeleteSource(collection string, id any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources[collection], idKey(id))
}

func idKey(id any) string {
	return fmt.Sprintf("%T:%v", id, id)
}

func (m *MemoryStore) AcquireLock(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.locks[key]; ok && existing.ExpiresAt.After(now) && existing.LockID != lockID {
		return false, nil
	}
	m.locks[key] = LockDoc{ID: key, LockID: lockID, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) RenewLock(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.locks[key]
	if !ok || existing.LockID != lockID {
		return false, nil
	}
	existing.ExpiresAt = time.Now().Add(ttl)
	m.locks[key] = existing
	return true, nil
}

func (m *MemoryStore) ReleaseLock(ctx context.Context, key, lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.locks[key]; ok && existing.LockID == lockID {
		delete(m.locks, key)
	}
	return nil
}

func (m *MemoryStore) TryAcquireLeaderLock(ctx context.Context, metaID, instanceID string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.meta[metaID]
	doc.ID = metaID
	now := time.Now()
	if doc.Lock == nil || doc.Lock.ExpiresAt.Before(now) || doc.Lock.InstanceID == instanceID {
		doc.Lock = &LeaderLock{InstanceID: instanceID, ExpiresAt: now.Add(ttl)}
	}
	m.meta[metaID] = doc
	return doc.Lock.InstanceID, nil
}

func (m *MemoryStore) ReleaseLeaderLock(ctx context.Context, metaID, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.meta[metaID]
	if doc.Lock != nil && doc.Lock.InstanceID == instanceID {
		doc.Lock = nil
		m.meta[metaID] = doc
	}
	return nil
}

func (m *MemoryStore) EnsureMeta(ctx context.Context, metaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.meta[metaID]; !ok {
		m.meta[metaID] = PlannerMeta{ID: metaID}
	}
	return nil
}

func (m *MemoryStore) GetMeta(ctx context.Context, metaID string) (*PlannerMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.meta[metaID]
	if !ok {
		return &PlannerMeta{ID: metaID}, nil
	}
	cp := doc
	return &cp, nil
}

func (m *MemoryStore) SetStreamState(ctx context.Context, metaID string, state StreamState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.meta[metaID]
	doc.ID = metaID
	doc.StreamState = state
	m.meta[metaID] = doc
	return nil
}

func (m *MemoryStore) ClearStreamState(ctx context.Context, metaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.meta[metaID]
	doc.StreamState = StreamState{}
	doc.Reconciliation = nil
	m.meta[metaID] = doc
	return nil
}

func (m *MemoryStore) SetReconciliationCursor(ctx context.Context, metaID, collection string, cursor ReconciliationCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.meta[metaID]
	if doc.ReconciliationState == nil {
		doc.ReconciliationState = map[string]ReconciliationCursor{}
	}
	doc.ReconciliationState[collection] = cursor
	m.meta[metaID] = doc
	return nil
}

func (m *MemoryStore) ClearReconciliationCursor(ctx context.Context, metaID, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.meta[metaID]
	delete(doc.ReconciliationState, collection)
	m.meta[metaID] = doc
	return nil
}

func (m *MemoryStore) SetReconciliationDone(ctx context.Context, metaID, task string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.meta[metaID]
	if doc.Reconciliation == nil {
		doc.Reconciliation = map[string]bool{}
	}
	doc.Reconciliation[task] = true
	m.meta[metaID] = doc
	return nil
}

func (m *MemoryStore) ClearReconciliationFlag(ctx context.Context, metaID, task string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.meta[metaID]
	if doc.Reconciliation != nil {
		delete(doc.Reconciliation, task)
	}
	m.meta[metaID] = doc
	return nil
}

func (m *MemoryStore) SetTaskEvolution(ctx context.Context, metaID, task string, ev TaskEvolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.meta[metaID]
	if doc.Tasks == nil {
		doc.Tasks = map[string]TaskEvolution{}
	}
	doc.Tasks[task] = ev
	m.meta[metaID] = doc
	return nil
}

func (m *MemoryStore) SetLastCleanupAt(ctx context.Context, metaID string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.meta[metaID]
	doc.LastCleanupAt = t
	m.meta[metaID] = doc
	return nil
}

func (m *MemoryStore) collFor(collection string) map[string]WorkItem {
	if m.workItems[collection] == nil {
		m.workItems[collection] = make(map[string]WorkItem)
	}
	return m.workItems[collection]
}

func (m *MemoryStore) PlanUpsert(ctx context.Context, collection, task, workItemID string, sourceDocID any, observed bson.M, debounce time.Duration, resetOnChange bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collFor(collection)
	now := time.Now()

	cur, ok := coll[workItemID]
	if !ok {
		coll[workItemID] = WorkItem{
			ID:                 workItemID,
			Task:               task,
			SourceDocID:        sourceDocID,
			Status:             StatusPending,
			ScheduledAt:        now.Add(debounce),
			InitialScheduledAt: now,
			CreatedAt:          now,
			UpdatedAt:          now,
			LastObservedValues: observed,
		}
		return true, nil
	}
	if cur.Status == StatusCompleted || cur.Status == StatusFailed {
		return false, nil
	}
	if changedObserved(cur.LastObservedValues, observed) {
		cur.ScheduledAt = now.Add(debounce)
		cur.LastObservedValues = observed
		cur.UpdatedAt = now
		if cur.Status == StatusProcessing {
			cur.Status = StatusProcessingDirty
		}
		if resetOnChange {
			cur.FirstErrorAt = nil
			cur.LastError = ""
		}
		coll[workItemID] = cur
	}
	return false, nil
}

func (m *MemoryStore) DeleteWorkItemsBySourceIDs(ctx context.Context, collection, task string, sourceDocIDs []any, cleanup CleanupPolicy) (int64, error) {
	if cleanup.DeleteWhen == DeleteNever {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collFor(collection)
	wanted := make(map[string]bool, len(sourceDocIDs))
	for _, id := range sourceDocIDs {
		wanted[idKey(id)] = true
	}
	var deleted int64
	now := time.Now()
	for id, item := range coll {
		if item.Task != task || !wanted[idKey(item.SourceDocID)] {
			continue
		}
		if cleanup.KeepFor > 0 && item.LastFinalizedAt != nil && now.Sub(*item.LastFinalizedAt) < cleanup.KeepFor {
			continue
		}
		delete(coll, id)
		deleted++
	}
	return deleted, nil
}

func (m *MemoryStore) ClaimWorkItem(ctx context.Context, collection string, tasks []string, visibilityTimeout time.Duration) (*WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collFor(collection)
	now := time.Now()
	wanted := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		wanted[t] = true
	}

	var best *WorkItem
	for id, item := range coll {
		if !wanted[item.Task] {
			continue
		}
		if item.Status != StatusPending && item.Status != StatusProcessingDirty {
			continue
		}
		if item.ScheduledAt.After(now) {
			continue
		}
		if item.LockExpiresAt != nil && item.LockExpiresAt.After(now) {
			continue
		}
		cp := item
		cp.ID = id
		if best == nil || cp.ScheduledAt.Before(best.ScheduledAt) {
			b := cp
			best = &b
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = StatusProcessing
	lock := now.Add(visibilityTimeout)
	best.LockExpiresAt = &lock
	started := now
	best.StartedAt = &started
	best.UpdatedAt = now
	best.Attempts++
	coll[best.ID] = *best
	out := *best
	return &out, nil
}

func (m *MemoryStore) HeartbeatWorkItem(ctx context.Context, collection, id string, visibilityTimeout time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collFor(collection)
	item, ok := coll[id]
	if !ok || (item.Status != StatusProcessing && item.Status != StatusProcessingDirty) {
		return false, nil
	}
	t := time.Now().Add(visibilityTimeout)
	item.LockExpiresAt = &t
	coll[id] = item
	return true, nil
}

func (m *MemoryStore) FinalizeWorkItem(ctx context.Context, collection, id string, f WorkItemFinalize) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collFor(collection)
	item, ok := coll[id]
	if !ok {
		return nil
	}
	now := time.Now()

	// A document that changed while its handler ran must be processed
	// again: an item still processing_dirty at completion re-enters pending
	// after the debounce window instead of terminating.
	if f.Status == StatusCompleted && item.Status == StatusProcessingDirty {
		item.Status = StatusPending
		item.ScheduledAt = now.Add(f.RescheduleDirtyAfter)
		item.LockExpiresAt = nil
		item.FirstErrorAt = nil
		item.LastError = ""
		if f.Success {
			item.LastSuccessAt = &now
			if !f.StartedAt.IsZero() {
				item.LastSuccessMs = now.Sub(f.StartedAt).Milliseconds()
			}
		}
		if f.AppendHistory != nil {
			item.ExecutionHistory = append(item.ExecutionHistory, *f.AppendHistory)
			if len(item.ExecutionHistory) > RunLogLimit {
				item.ExecutionHistory = item.ExecutionHistory[len(item.ExecutionHistory)-RunLogLimit:]
			}
		}
		item.UpdatedAt = now
		coll[id] = item
		return nil
	}

	if f.Status != "" {
		item.Status = f.Status
	}
	if f.ScheduledAt != nil {
		item.ScheduledAt = *f.ScheduledAt
	}
	if f.ClearLock {
		item.LockExpiresAt = nil
	}
	if f.Status == StatusCompleted || f.Status == StatusFailed {
		item.CompletedAt = &now
		item.LastFinalizedAt = &now
	}
	if f.Success {
		item.LastSuccessAt = &now
		if !f.StartedAt.IsZero() {
			item.LastSuccessMs = now.Sub(f.StartedAt).Milliseconds()
		}
		item.FirstErrorAt = nil
		item.LastError = ""
	} else if f.ErrorMessage != "" {
		item.LastError = f.ErrorMessage
		if item.FirstErrorAt == nil {
			item.FirstErrorAt = &now
		}
	}
	if f.ResetFailureStreak {
		item.FirstErrorAt = nil
		item.LastError = ""
	}
	if f.AppendHistory != nil {
		item.ExecutionHistory = append(item.ExecutionHistory, *f.AppendHistory)
		if len(item.ExecutionHistory) > RunLogLimit {
			item.ExecutionHistory = item.ExecutionHistory[len(item.ExecutionHistory)-RunLogLimit:]
		}
	}
	item.UpdatedAt = now
	coll[id] = item
	return nil
}

func (m *MemoryStore) GetWorkItem(ctx context.Context, collection, id string) (*WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.collFor(collection)[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func matchesWorkItemQuery(item WorkItem, q WorkItemQuery) bool {
	if q.Task != "" && item.Task != q.Task {
		return false
	}
	if q.Status != "" && item.Status != q.Status {
		return false
	}
	if q.ID != "" && item.ID != q.ID {
		return false
	}
	if q.LastErrorLike != "" {
		if item.LastError == "" {
			return false
		}
		if ok, err := regexp.MatchString("(?i)"+q.LastErrorLike, item.LastError); err != nil || !ok {
			return false
		}
	}
	if q.SourceDocID != nil && idKey(item.SourceDocID) != idKey(q.SourceDocID) {
		return false
	}
	if len(q.SourceDocIDs) > 0 {
		hit := false
		for _, id := range q.SourceDocIDs {
			if idKey(item.SourceDocID) == idKey(id) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func (m *MemoryStore) ListWorkItems(ctx context.Context, collection string, q WorkItemQuery, page Page) ([]WorkItem, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []WorkItem
	for _, item := range m.collFor(collection) {
		if !matchesWorkItemQuery(item, q) {
			continue
		}
		matched = append(matched, item)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ScheduledAt.Before(matched[j].ScheduledAt) })
	total := int64(len(matched))
	lo := page.Skip
	if lo > int64(len(matched)) {
		lo = int64(len(matched))
	}
	hi := lo + page.Limit
	if page.Limit <= 0 || hi > int64(len(matched)) {
		hi = int64(len(matched))
	}
	return matched[lo:hi], total, nil
}

func (m *MemoryStore) RetryWorkItems(ctx context.Context, collection string, q WorkItemQuery) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collFor(collection)
	var n int64
	now := time.Now()
	for id, item := range coll {
		if !matchesWorkItemQuery(item, q) {
			continue
		}
		item.Status = StatusPending
		item.Attempts = 0
		item.ScheduledAt = now
		item.LockExpiresAt = nil
		item.FirstErrorAt = nil
		item.LastError = ""
		item.UpdatedAt = now
		coll[id] = item
		n++
	}
	return n, nil
}

func (m *MemoryStore) CleanupSweep(ctx context.Context, collection, task string, matchIDs func(ctx context.Context, id any) (bool, bool, error), cleanup CleanupPolicy) (int64, error) {
	if cleanup.DeleteWhen == DeleteNever {
		return 0, nil
	}
	m.mu.Lock()
	coll := m.collFor(collection)
	var candidates []WorkItem
	now := time.Now()
	for _, item := range coll {
		if item.Task != task {
			continue
		}
		if item.LastFinalizedAt != nil && cleanup.KeepFor > 0 && now.Sub(*item.LastFinalizedAt) < cleanup.KeepFor {
			continue
		}
		candidates = append(candidates, item)
	}
	m.mu.Unlock()

	var toDelete []string
	for _, item := range candidates {
		exists, matches, err := matchIDs(ctx, item.SourceDocID)
		if err != nil {
			return 0, err
		}
		if !exists || (cleanup.DeleteWhen == DeleteSourceDocumentDeletedOrNoLongerMatching && !matches) {
			toDelete = append(toDelete, item.ID)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range toDelete {
		delete(coll, id)
	}
	return int64(len(toDelete)), nil
}

func (m *MemoryStore) ScanSourceIDs(ctx context.Context, collection string, filter bson.M, after any, batchSize int) ([]any, []bson.M, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var docs []bson.M
	for _, doc := range m.sources[collection] {
		if len(filter) > 0 && !MatchFilterDoc(doc, filter) {
			continue
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return idKey(docs[i]["_id"]) < idKey(docs[j]["_id"]) })
	var ids []any
	var out []bson.M
	afterKey := ""
	if after != nil {
		afterKey = idKey(after)
	}
	for _, doc := range docs {
		if afterKey != "" && idKey(doc["_id"]) <= afterKey {
			continue
		}
		ids = append(ids, doc["_id"])
		out = append(out, doc)
		if len(ids) >= batchSize {
			break
		}
	}
	return ids, out, nil
}

// MatchSource evaluates filter against the stored source document with
// MatchFilterDoc. The fake has no aggregation engine, so a filter this
// evaluator cannot settle ($expr) reports no match; tests needing $expr
// semantics run against a real deployment.
func (m *MemoryStore) MatchSource(ctx context.Context, collection string, filter bson.M, id any) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.sources[collection][idKey(id)]
	if !ok {
		return false, nil
	}
	return MatchFilterDoc(doc, filter), nil
}

func (m *MemoryStore) WatchCollections(ctx context.Context, database string, collections []string, resumeToken bson.Raw, startAt time.Time) (ChangeStream, error) {
	return newMemoryChangeStream(), nil
}

func (m *MemoryStore) CurrentClusterTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}

func (m *MemoryStore) RegisterCronTask(ctx context.Context, id string, initialRunSince time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cron[id]; !ok {
		m.cron[id] = CronTaskDoc{ID: id, RunSince: initialRunSince}
	}
	return nil
}

func (m *MemoryStore) TriggerCronTaskImmediately(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.cron[id]
	doc.RunImmediately = true
	m.cron[id] = doc
	return nil
}

func (m *MemoryStore) ClaimCronTask(ctx context.Context, ids []string, lockTime time.Duration) (*CronTaskDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var best *CronTaskDoc
	for _, id := range ids {
		doc, ok := m.cron[id]
		if !ok {
			continue
		}
		if doc.LockedTill != nil && doc.LockedTill.After(now) {
			continue
		}
		if !doc.RunImmediately && doc.RunSince.After(now) {
			continue
		}
		cp := doc
		if best == nil ||
			(cp.RunImmediately && !best.RunImmediately) ||
			(cp.RunImmediately == best.RunImmediately && cp.RunSince.Before(best.RunSince)) {
			b := cp
			best = &b
		}
	}
	if best == nil {
		return nil, nil
	}
	lockedTill := now.Add(lockTime)
	best.LockedTill = &lockedTill
	best.RunImmediately = false
	best.RunLog = append([]CronRun{{StartedAt: now}}, best.RunLog...)
	if len(best.RunLog) > RunLogLimit {
		best.RunLog = best.RunLog[:RunLogLimit]
	}
	m.cron[best.ID] = *best
	out := *best
	return &out, nil
}

func (m *MemoryStore) RollbackCronClaim(ctx context.Context, id string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.cron[id]
	doc.LockedTill = nil
	if len(doc.RunLog) > 0 {
		doc.RunLog = doc.RunLog[1:]
	}
	m.cron[id] = doc
	return nil
}

func (m *MemoryStore) HeartbeatCronLock(ctx context.Context, id string, lockTime time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.cron[id]
	if !ok || doc.LockedTill == nil {
		return false, nil
	}
	t := time.Now().Add(lockTime)
	doc.LockedTill = &t
	m.cron[id] = doc
	return true, nil
}

func (m *MemoryStore) FinalizeCronTask(ctx context.Context, id string, nextRunSince time.Time, finishedAt time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.cron[id]
	doc.RunSince = nextRunSince
	doc.LockedTill = nil
	if len(doc.RunLog) > 0 {
		doc.RunLog[0].FinishedAt = &finishedAt
		doc.RunLog[0].Error = errMsg
	}
	m.cron[id] = doc
	return nil
}

func (m *MemoryStore) NextCronRunSince(ctx context.Context, ids []string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best time.Time
	found := false
	for _, id := range ids {
		doc, ok := m.cron[id]
		if !ok {
			continue
		}
		if !found || doc.RunSince.Before(best) {
			best = doc.RunSince
			found = true
		}
	}
	return best, found, nil
}

func (m *MemoryStore) ListCronTasks(ctx context.Context, filter bson.M, page Page) ([]CronTaskDoc, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []CronTaskDoc
	for _, doc := range m.cron {
		items = append(items, doc)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	total := int64(len(items))
	lo := page.Skip
	if lo > int64(len(items)) {
		lo = int64(len(items))
	}
	hi := lo + page.Limit
	if page.Limit <= 0 || hi > int64(len(items)) {
		hi = int64(len(items))
	}
	return items[lo:hi], total, nil
}

func (m *MemoryStore) EnsureIndexes(ctx context.Context, workItemCollections []string) error {
	return nil
}

// WithTransaction runs fn directly: the in-memory fake has no
// multi-document isolation to offer, favoring test determinism over
// modeling atomicity.
func (m *MemoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
