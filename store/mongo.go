package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ChangeStreamHistoryLost is the Mongo server error code for a resume token
// that has fallen out of the oplog window.
const ChangeStreamHistoryLost = 280

// ErrLockHeld is returned by AcquireLock-family calls on contention.
var ErrLockHeld = errors.New("store: lock held by another owner")

// MongoStore implements Store against a real MongoDB replica set.
type MongoStore struct {
	db    *mongo.Database
	locks *mongo.Collection
	meta  *mongo.Collection
	cron  *mongo.Collection
}

// NewMongoStore wires collections once, at startup, from an
// already-connected client.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		db:    db,
		locks: db.Collection("taskmesh_locks"),
		meta:  db.Collection("taskmesh_planner_meta"),
		cron:  db.Collection("taskmesh_cron_tasks"),
	}
}

// WorkItemID is a stable function of task name and source document id, so
// re-triggering the same document always resolves to the same _id across
// restarts.
func WorkItemID(task string, sourceDocID any) string {
	h := sha256.New()
	h.Write([]byte("task"))
	h.Write([]byte(task))
	h.Write([]byte{0})
	h.Write([]byte("doc"))
	canon, err := bson.MarshalExtJSON(sourceDocID, true, false)
	if err != nil {
		fmt.Fprintf(h, "%v", sourceDocID)
	} else {
		h.Write(canon)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// --- Locks ---

func (s *MongoStore) AcquireLock(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	filter := bson.M{
		"_id": key,
		"$or": bson.A{
			bson.M{"expiresAt": bson.M{"$lte": now}},
		},
	}
	update := bson.M{"$set": bson.M{"_id": key, "lockId": lockID, "expiresAt": now.Add(ttl)}}
	opts := options.FindOneAndUpdate().SetUpsert(true)

	err := s.locks.FindOneAndUpdate(ctx, filter, update, opts).Err()
	if err == nil {
		return true, nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	return false, err
}

func (s *MongoStore) RenewLock(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error) {
	res := s.locks.FindOneAndUpdate(ctx,
		bson.M{"_id": key, "lockId": lockID},
		bson.M{"$set": bson.M{"expiresAt": time.Now().Add(ttl)}},
	)
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *MongoStore) ReleaseLock(ctx context.Context, key, lockID string) error {
	_, err := s.locks.DeleteOne(ctx, bson.M{"_id": key, "lockId": lockID})
	return err
}

// --- Leader election ---

// TryAcquireLeaderLock runs the two-stage conditional update from the
// electoral contract: set lock iff missing, expired, or already ours; then
// read back the owner so the caller can detect a become/lose transition.
func (s *MongoStore) TryAcquireLeaderLock(ctx context.Context, metaID, instanceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	filter := bson.M{
		"_id": metaID,
		"$or": bson.A{
			bson.M{"lock": bson.M{"$exists": false}},
			bson.M{"lock.expiresAt": bson.M{"$lte": now}},
			bson.M{"lock.instanceId": instanceID},
		},
	}
	update := bson.M{"$set": bson.M{
		"lock.instanceId": instanceID,
		"lock.expiresAt":  expiresAt,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc PlannerMeta
	err := s.meta.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Lost the race to another instance's concurrent upsert; read back.
			cur := s.meta.FindOne(ctx, bson.M{"_id": metaID})
			if decErr := cur.Decode(&doc); decErr != nil {
				return "", decErr
			}
			if doc.Lock == nil {
				return "", nil
			}
			return doc.Lock.InstanceID, nil
		}
		return "", err
	}
	if doc.Lock == nil {
		return "", nil
	}
	return doc.Lock.InstanceID, nil
}

func (s *MongoStore) ReleaseLeaderLock(ctx context.Context, metaID, instanceID string) error {
	_, err := s.meta.UpdateOne(ctx,
		bson.M{"_id": metaID, "lock.instanceId": instanceID},
		bson.M{"$unset": bson.M{"lock": ""}},
	)
	return err
}

// --- Planner meta ---

func (s *MongoStore) EnsureMeta(ctx context.Context, metaID string) error {
	_, err := s.meta.UpdateOne(ctx,
		bson.M{"_id": metaID},
		bson.M{"$setOnInsert": bson.M{"_id": metaID}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) GetMeta(ctx context.Context, metaID string) (*PlannerMeta, error) {
	var doc PlannerMeta
	err := s.meta.FindOne(ctx, bson.M{"_id": metaID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &PlannerMeta{ID: metaID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *MongoStore) SetStreamState(ctx context.Context, metaID string, state StreamState) error {
	_, err := s.meta.UpdateOne(ctx, bson.M{"_id": metaID}, bson.M{"$set": bson.M{"streamState": state}})
	return err
}

func (s *MongoStore) ClearStreamState(ctx context.Context, metaID string) error {
	_, err := s.meta.UpdateOne(ctx, bson.M{"_id": metaID}, bson.M{
		"$set":   bson.M{"streamState.lastClusterTime": time.Time{}},
		"$unset": bson.M{"streamState.resumeToken": "", "reconciliation": ""},
	})
	return err
}

func (s *MongoStore) SetReconciliationCursor(ctx context.Context, metaID, collection string, cursor ReconciliationCursor) error {
	_, err := s.meta.UpdateOne(ctx, bson.M{"_id": metaID},
		bson.M{"$set": bson.M{"reconciliationState." + collection: cursor}})
	return err
}

func (s *MongoStore) ClearReconciliationCursor(ctx context.Context, metaID, collection string) error {
	_, err := s.meta.UpdateOne(ctx, bson.M{"_id": metaID},
		bson.M{"$unset": bson.M{"reconciliationState." + collection: ""}})
	return err
}

func (s *MongoStore) SetReconciliationDone(ctx context.Context, metaID, task string) error {
	_, err := s.meta.UpdateOne(ctx, bson.M{"_id": metaID},
		bson.M{"$set": bson.M{"reconciliation." + task: true}})
	return err
}

func (s *MongoStore) ClearReconciliationFlag(ctx context.Context, metaID, task string) error {
	_, err := s.meta.UpdateOne(ctx, bson.M{"_id": metaID},
		bson.M{"$unset": bson.M{"reconciliation." + task: ""}})
	return err
}

func (s *MongoStore) SetTaskEvolution(ctx context.Context, metaID, task string, ev TaskEvolution) error {
	_, err := s.meta.UpdateOne(ctx, bson.M{"_id": metaID},
		bson.M{"$set": bson.M{"tasks." + task: ev}})
	return err
}

func (s *MongoStore) SetLastCleanupAt(ctx context.Context, metaID string, t time.Time) error {
	_, err := s.meta.UpdateOne(ctx, bson.M{"_id": metaID}, bson.M{"$set": bson.M{"lastCleanupAt": t}})
	return err
}

// --- Work items ---

// PlanUpsert applies one step of the planning pipeline for a single
// (task, sourceDocID) pair: insert if absent, or refresh scheduling on an
// observed-field change, promoting an in-flight item to processing_dirty.
func (s *MongoStore) PlanUpsert(ctx context.Context, collection, task, workItemID string, sourceDocID any, observed bson.M, debounce time.Duration, resetOnChange bool) (bool, error) {
	coll := s.db.Collection(collection)
	now := time.Now()

	existing := coll.FindOne(ctx, bson.M{"_id": workItemID})
	var cur WorkItem
	err := existing.Decode(&cur)
	if errors.Is(err, mongo.ErrNoDocuments) {
		doc := WorkItem{
			ID:                 workItemID,
			Task:               task,
			SourceDocID:        sourceDocID,
			Status:             StatusPending,
			Attempts:           0,
			ScheduledAt:        now.Add(debounce),
			InitialScheduledAt: now,
			CreatedAt:          now,
			UpdatedAt:          now,
			LastObservedValues: observed,
		}
		_, err := coll.InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			// Lost a race to another planner batch; treat as a refresh.
			return false, s.refreshWorkItem(ctx, coll, workItemID, observed, debounce, resetOnChange, now)
		}
		return err == nil, err
	}
	if err != nil {
		return false, err
	}
	if cur.Status == StatusCompleted || cur.Status == StatusFailed {
		// Terminal: leave it for cleanup to decide.
		return false, nil
	}
	return false, s.refreshWorkItem(ctx, coll, workItemID, observed, debounce, resetOnChange, now)
}

func (s *MongoStore) refreshWorkItem(ctx context.Context, coll *mongo.Collection, id string, observed bson.M, debounce time.Duration, resetOnChange bool, now time.Time) error {
	var cur WorkItem
	if err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&cur); err != nil {
		return err
	}
	if changedObserved(cur.LastObservedValues, observed) {
		set := bson.M{
			"scheduledAt":        now.Add(debounce),
			"lastObservedValues": observed,
			"updatedAt":          now,
		}
		if cur.Status == StatusProcessing {
			set["status"] = StatusProcessingDirty
		}
		unset := bson.M{}
		if resetOnChange {
			unset["firstErrorAt"] = ""
			unset["lastError"] = ""
		}
		update := bson.M{"$set": set}
		if len(unset) > 0 {
			update["$unset"] = unset
		}
		_, err := coll.UpdateOne(ctx, bson.M{"_id": id}, update)
		return err
	}
	return nil
}

func changedObserved(a, b bson.M) bool {
	ab, _ := bson.Marshal(a)
	bb, _ := bson.Marshal(b)
	if len(ab) != len(bb) {
		return true
	}
	for i := range ab {
		if ab[i] != bb[i] {
			return true
		}
	}
	return false
}

func (s *MongoStore) DeleteWorkItemsBySourceIDs(ctx context.Context, collection, task string, sourceDocIDs []any, cleanup CleanupPolicy) (int64, error) {
	if cleanup.DeleteWhen == DeleteNever {
		return 0, nil
	}
	coll := s.db.Collection(collection)
	filter := bson.M{"task": task, "sourceDocId": bson.M{"$in": sourceDocIDs}}
	if cleanup.KeepFor > 0 {
		filter["$or"] = bson.A{
			bson.M{"lastFinalizedAt": bson.M{"$lte": time.Now().Add(-cleanup.KeepFor)}},
			bson.M{"lastFinalizedAt": bson.M{"$exists": false}},
		}
	}
	res, err := coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// ClaimWorkItem atomically claims the earliest-scheduled claimable item for
// the given task set, bumping its visibility lease and attempt counter.
func (s *MongoStore) ClaimWorkItem(ctx context.Context, collection string, tasks []string, visibilityTimeout time.Duration) (*WorkItem, error) {
	coll := s.db.Collection(collection)
	now := time.Now()
	filter := bson.M{
		"status":      bson.M{"$in": bson.A{StatusPending, StatusProcessingDirty}},
		"scheduledAt": bson.M{"$lte": now},
		"task":        bson.M{"$in": tasks},
		"$or": bson.A{
			bson.M{"lockExpiresAt": bson.M{"$exists": false}},
			bson.M{"lockExpiresAt": nil},
			bson.M{"lockExpiresAt": bson.M{"$lt": now}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"status":        StatusProcessing,
			"lockExpiresAt": now.Add(visibilityTimeout),
			"startedAt":     now,
			"updatedAt":     now,
		},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "scheduledAt", Value: 1}}).
		SetReturnDocument(options.After)

	var item WorkItem
	err := coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&item)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *MongoStore) HeartbeatWorkItem(ctx context.Context, collection, id string, visibilityTimeout time.Duration) (bool, error) {
	coll := s.db.Collection(collection)
	res, err := coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": bson.A{StatusProcessing, StatusProcessingDirty}}},
		bson.M{"$set": bson.M{"lockExpiresAt": time.Now().Add(visibilityTimeout)}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) FinalizeWorkItem(ctx context.Context, collection, id string, f WorkItemFinalize) error {
	coll := s.db.Collection(collection)
	now := time.Now()

	// A document that changed while its handler ran must be processed
	// again: an item still processing_dirty at completion re-enters pending
	// after the debounce window instead of terminating.
	if f.Status == StatusCompleted {
		reentered, err := s.reenterDirty(ctx, coll, id, f, now)
		if err != nil || reentered {
			return err
		}
	}

	set := bson.M{"updatedAt": now}
	unset := bson.M{}

	if f.Status != "" {
		set["status"] = f.Status
	}
	if f.ScheduledAt != nil {
		set["scheduledAt"] = *f.ScheduledAt
	}
	if f.ClearLock {
		unset["lockExpiresAt"] = ""
	}
	if f.Status == StatusCompleted || f.Status == StatusFailed {
		set["completedAt"] = now
		set["lastFinalizedAt"] = now
	}
	if f.Success {
		set["lastSuccessAt"] = now
		if !f.StartedAt.IsZero() {
			set["lastSuccessMs"] = now.Sub(f.StartedAt).Milliseconds()
		}
		unset["firstErrorAt"] = ""
		unset["lastError"] = ""
	} else if f.ErrorMessage != "" {
		set["lastError"] = f.ErrorMessage
	}
	if f.ResetFailureStreak {
		unset["firstErrorAt"] = ""
		unset["lastError"] = ""
	}

	if !f.Success && f.ErrorMessage != "" {
		// firstErrorAt is set only once per failure streak, so exponential
		// backoff's "since first failure" math stays anchored to the start.
		_, _ = coll.UpdateOne(ctx,
			bson.M{"_id": id, "firstErrorAt": bson.M{"$exists": false}},
			bson.M{"$set": bson.M{"firstErrorAt": now}},
		)
	}

	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	if f.AppendHistory != nil {
		update["$push"] = bson.M{
			"executionHistory": bson.M{
				"$each":  bson.A{*f.AppendHistory},
				"$slice": -RunLogLimit,
			},
		}
	}

	filter := bson.M{"_id": id}
	if f.Status == StatusCompleted {
		filter["status"] = bson.M{"$ne": StatusProcessingDirty}
	}
	res, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if f.Status == StatusCompleted && res.MatchedCount == 0 {
		// Flipped to processing_dirty between the two updates.
		_, err = s.reenterDirty(ctx, coll, id, f, now)
	}
	return err
}

// reenterDirty moves an item observed processing_dirty back to pending,
// scheduled after the task's debounce, keeping the run's success bookkeeping
// and history. Reports whether the item was in fact dirty.
func (s *MongoStore) reenterDirty(ctx context.Context, coll *mongo.Collection, id string, f WorkItemFinalize, now time.Time) (bool, error) {
	set := bson.M{
		"status":      StatusPending,
		"scheduledAt": now.Add(f.RescheduleDirtyAfter),
		"updatedAt":   now,
	}
	if f.Success {
		set["lastSuccessAt"] = now
		if !f.StartedAt.IsZero() {
			set["lastSuccessMs"] = now.Sub(f.StartedAt).Milliseconds()
		}
	}
	update := bson.M{
		"$set":   set,
		"$unset": bson.M{"lockExpiresAt": "", "firstErrorAt": "", "lastError": ""},
	}
	if f.AppendHistory != nil {
		update["$push"] = bson.M{
			"executionHistory": bson.M{
				"$each":  bson.A{*f.AppendHistory},
				"$slice": -RunLogLimit,
			},
		}
	}
	res, err := coll.UpdateOne(ctx, bson.M{"_id": id, "status": StatusProcessingDirty}, update)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) GetWorkItem(ctx context.Context, collection, id string) (*WorkItem, error) {
	var item WorkItem
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&item)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func buildWorkItemFilter(q WorkItemQuery) bson.M {
	filter := bson.M{}
	if q.Task != "" {
		filter["task"] = q.Task
	}
	if q.Status != "" {
		filter["status"] = q.Status
	}
	if q.ID != "" {
		filter["_id"] = q.ID
	}
	if q.LastErrorLike != "" {
		filter["lastError"] = bson.M{"$regex": q.LastErrorLike, "$options": "i"}
	}
	if q.SourceDocID != nil {
		filter["sourceDocId"] = q.SourceDocID
	}
	if len(q.SourceDocIDs) > 0 {
		filter["sourceDocId"] = bson.M{"$in": q.SourceDocIDs}
	}
	return filter
}

func (s *MongoStore) ListWorkItems(ctx context.Context, collection string, q WorkItemQuery, page Page) ([]WorkItem, int64, error) {
	coll := s.db.Collection(collection)
	filter := buildWorkItemFilter(q)

	total, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	opts := options.Find().SetSkip(page.Skip).SetLimit(page.Limit)
	if len(page.Sort) > 0 {
		opts.SetSort(page.Sort)
	} else {
		opts.SetSort(bson.D{{Key: "scheduledAt", Value: 1}})
	}
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)
	var items []WorkItem
	if err := cur.All(ctx, &items); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *MongoStore) RetryWorkItems(ctx context.Context, collection string, q WorkItemQuery) (int64, error) {
	coll := s.db.Collection(collection)
	filter := buildWorkItemFilter(q)
	res, err := coll.UpdateMany(ctx, filter, bson.M{
		"$set": bson.M{
			"status":      StatusPending,
			"attempts":    0,
			"scheduledAt": time.Now(),
			"updatedAt":   time.Now(),
		},
		"$unset": bson.M{"firstErrorAt": "", "lastError": "", "lockExpiresAt": ""},
	})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// CleanupSweep iterates every work item for a task, skipping those
// finalized within cleanup.KeepFor, and deletes those whose source
// document is gone or no longer matches, as
// decided by matchIDs (which the planner backs with a cheap source lookup).
func (s *MongoStore) CleanupSweep(ctx context.Context, collection, task string, matchIDs func(ctx context.Context, id any) (bool, bool, error), cleanup CleanupPolicy) (int64, error) {
	if cleanup.DeleteWhen == DeleteNever {
		return 0, nil
	}
	coll := s.db.Collection(collection)
	filter := bson.M{"task": task}
	cur, err := coll.Find(ctx, filter)
	if err != nil {
		return 0, err
	}
	defer cur.Close(ctx)

	var toDelete []string
	now := time.Now()
	for cur.Next(ctx) {
		var item WorkItem
		if err := cur.Decode(&item); err != nil {
			return 0, err
		}
		if item.LastFinalizedAt != nil && cleanup.KeepFor > 0 && now.Sub(*item.LastFinalizedAt) < cleanup.KeepFor {
			continue
		}
		exists, matches, err := matchIDs(ctx, item.SourceDocID)
		if err != nil {
			return 0, err
		}
		if !exists {
			toDelete = append(toDelete, item.ID)
			continue
		}
		if cleanup.DeleteWhen == DeleteSourceDocumentDeletedOrNoLongerMatching && !matches {
			toDelete = append(toDelete, item.ID)
		}
	}
	if err := cur.Err(); err != nil {
		return 0, err
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	res, err := coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": toDelete}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) ScanSourceIDs(ctx context.Context, collection string, filter bson.M, after any, batchSize int) ([]any, []bson.M, error) {
	coll := s.db.Collection(collection)
	q := bson.M{}
	for k, v := range filter {
		q[k] = v
	}
	if after != nil {
		q["_id"] = bson.M{"$gt": after}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(batchSize))
	cur, err := coll.Find(ctx, q, opts)
	if err != nil {
		return nil, nil, err
	}
	defer cur.Close(ctx)
	var ids []any
	var docs []bson.M
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, nil, err
		}
		ids = append(ids, doc["_id"])
		docs = append(docs, doc)
	}
	return ids, docs, cur.Err()
}

// MatchSource asks the server whether the document with the given id still
// satisfies filter, the authoritative path for filter shapes ($expr, raw
// queries) no in-process evaluator can settle.
func (s *MongoStore) MatchSource(ctx context.Context, collection string, filter bson.M, id any) (bool, error) {
	q := bson.M{"$and": bson.A{bson.M{"_id": id}, filter}}
	opts := options.FindOne().SetProjection(bson.M{"_id": 1})
	err := s.db.Collection(collection).FindOne(ctx, q, opts).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MongoStore) CurrentClusterTime(ctx context.Context) (time.Time, error) {
	var result bson.M
	err := s.db.RunCommand(ctx, bson.D{{Key: "isMaster", Value: 1}}).Decode(&result)
	if err != nil {
		return time.Time{}, err
	}
	if t, ok := result["localTime"].(bson.DateTime); ok {
		return t.Time(), nil
	}
	return time.Now(), nil
}

// --- Change streams ---

type mongoChangeStream struct {
	cursor *mongo.ChangeStream
}

func (s *MongoStore) WatchCollections(ctx context.Context, database string, collections []string, resumeToken bson.Raw, startAt time.Time) (ChangeStream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType": bson.M{"$in": bson.A{"insert", "update", "replace", "delete"}},
			"ns.coll":       bson.M{"$in": collections},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if resumeToken != nil {
		opts.SetResumeAfter(resumeToken)
	} else if !startAt.IsZero() {
		ts := bson.Timestamp{T: uint32(startAt.Unix())}
		opts.SetStartAtOperationTime(&ts)
	}
	cs, err := s.db.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, err
	}
	return &mongoChangeStream{cursor: cs}, nil
}

func (m *mongoChangeStream) Next(ctx context.Context) (ChangeEvent, bool) {
	if !m.cursor.Next(ctx) {
		return ChangeEvent{}, false
	}
	var raw bson.M
	if err := m.cursor.Decode(&raw); err != nil {
		return ChangeEvent{}, false
	}
	ev := ChangeEvent{ResumeToken: m.cursor.ResumeToken()}
	if op, ok := raw["operationType"].(string); ok {
		ev.OperationType = op
	}
	if ns, ok := raw["ns"].(bson.M); ok {
		if coll, ok := ns["coll"].(string); ok {
			ev.Collection = coll
		}
	}
	if key, ok := raw["documentKey"].(bson.M); ok {
		ev.DocumentID = key["_id"]
	}
	if full, ok := raw["fullDocument"].(bson.M); ok {
		ev.FullDocument = full
	}
	if ct, ok := raw["clusterTime"].(bson.Timestamp); ok {
		ev.ClusterTime = time.Unix(int64(ct.T), 0)
	}
	return ev, true
}

func (m *mongoChangeStream) ResumeToken() bson.Raw           { return m.cursor.ResumeToken() }
func (m *mongoChangeStream) Err() error                      { return m.cursor.Err() }
func (m *mongoChangeStream) Close(ctx context.Context) error { return m.cursor.Close(ctx) }

// IsHistoryLost reports whether err is the ChangeStreamHistoryLost server error.
func IsHistoryLost(err error) bool {
	var ce mongo.CommandError
	if errors.As(err, &ce) {
		return ce.Code == ChangeStreamHistoryLost
	}
	return false
}

// --- Cron tasks ---

func (s *MongoStore) RegisterCronTask(ctx context.Context, id string, initialRunSince time.Time) error {
	_, err := s.cron.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$setOnInsert": bson.M{
			"_id":            id,
			"runSince":       initialRunSince,
			"runImmediately": false,
			"runLog":         bson.A{},
		}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) TriggerCronTaskImmediately(ctx context.Context, id string) error {
	_, err := s.cron.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"runImmediately": true}})
	return err
}

func (s *MongoStore) ClaimCronTask(ctx context.Context, ids []string, lockTime time.Duration) (*CronTaskDoc, error) {
	now := time.Now()
	filter := bson.M{
		"_id": bson.M{"$in": ids},
		"$or": bson.A{
			bson.M{"runSince": bson.M{"$lte": now}},
			bson.M{"runImmediately": true},
		},
		"$and": bson.A{
			bson.M{"$or": bson.A{
				bson.M{"lockedTill": bson.M{"$exists": false}},
				bson.M{"lockedTill": nil},
				bson.M{"lockedTill": bson.M{"$lt": now}},
			}},
		},
	}
	update := bson.M{
		"$set": bson.M{"lockedTill": now.Add(lockTime), "runImmediately": false},
		"$push": bson.M{"runLog": bson.M{
			"$each":     bson.A{CronRun{StartedAt: now}},
			"$position": 0,
			"$slice":    RunLogLimit,
		}},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{
			{Key: "runImmediately", Value: -1},
			{Key: "runSince", Value: 1},
			{Key: "runLog.0.finishedAt", Value: 1},
		}).
		SetReturnDocument(options.After)

	var doc CronTaskDoc
	err := s.cron.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *MongoStore) RollbackCronClaim(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.cron.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$unset": bson.M{"lockedTill": ""},
		"$pop":   bson.M{"runLog": -1},
	})
	return err
}

func (s *MongoStore) HeartbeatCronLock(ctx context.Context, id string, lockTime time.Duration) (bool, error) {
	res, err := s.cron.UpdateOne(ctx,
		bson.M{"_id": id, "lockedTill": bson.M{"$ne": nil}},
		bson.M{"$set": bson.M{"lockedTill": time.Now().Add(lockTime)}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) FinalizeCronTask(ctx context.Context, id string, nextRunSince time.Time, finishedAt time.Time, errMsg string) error {
	set := bson.M{
		"runSince":          nextRunSince,
		"runLog.0.finishedAt": finishedAt,
	}
	if errMsg != "" {
		set["runLog.0.error"] = errMsg
	}
	_, err := s.cron.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set":   set,
		"$unset": bson.M{"lockedTill": ""},
	})
	return err
}

func (s *MongoStore) NextCronRunSince(ctx context.Context, ids []string) (time.Time, bool, error) {
	var doc CronTaskDoc
	opts := options.FindOne().SetSort(bson.D{{Key: "runSince", Value: 1}})
	err := s.cron.FindOne(ctx, bson.M{"_id": bson.M{"$in": ids}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return doc.RunSince, true, nil
}

func (s *MongoStore) ListCronTasks(ctx context.Context, filter bson.M, page Page) ([]CronTaskDoc, int64, error) {
	total, err := s.cron.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	opts := options.Find().SetSkip(page.Skip).SetLimit(page.Limit)
	if len(page.Sort) > 0 {
		opts.SetSort(page.Sort)
	}
	cur, err := s.cron.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)
	var items []CronTaskDoc
	if err := cur.All(ctx, &items); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// EnsureIndexes creates the indexes the engines rely on: one set per
// work-item collection plus the cron and lock collection indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context, workItemCollections []string) error {
	for _, name := range workItemCollections {
		coll := s.db.Collection(name)
		_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduledAt", Value: 1}}},
			{Keys: bson.D{{Key: "task", Value: 1}, {Key: "sourceDocId", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "lockExpiresAt", Value: 1}}},
		})
		if err != nil {
			return fmt.Errorf("ensure indexes on %s: %w", name, err)
		}
	}
	_, err := s.cron.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "runSince", Value: 1}, {Key: "_id", Value: 1}, {Key: "lockedTill", Value: 1}}},
		{
			Keys: bson.D{{Key: "runImmediately", Value: 1}, {Key: "_id", Value: 1}, {Key: "lockedTill", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(bson.M{"runImmediately": true}),
		},
	})
	if err != nil {
		return fmt.Errorf("ensure cron indexes: %w", err)
	}
	_, err = s.locks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("ensure lock ttl index: %w", err)
	}
	return nil
}

// WithTransaction runs fn inside a session-bound multi-document transaction,
// the public withTransaction facade call. Requires a replica set or sharded
// cluster, same as change streams.
func (s *MongoStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := s.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc context.Context) (any, error) {
		return nil, fn(sc)
	})
	return err
}
