package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Store is the document-store surface every taskmesh component is built
// against: one interface backed by a single database, covering locks,
// leader election, planner meta, work items, source scans, change streams,
// and cron documents. The concrete Mongo implementation lives in mongo.go;
// tests use the in-memory fake in memory.go.
type Store interface {
	// Locks (DistributedLock, LeaderElector's meta lock is separate, see below).
	AcquireLock(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, lockID string) error

	// Leader election on the single planner-meta document's lock field.
	TryAcquireLeaderLock(ctx context.Context, metaID, instanceID string, ttl time.Duration) (holder string, err error)
	ReleaseLeaderLock(ctx context.Context, metaID, instanceID string) error

	// Planner meta bookkeeping.
	EnsureMeta(ctx context.Context, metaID string) error
	GetMeta(ctx context.Context, metaID string) (*PlannerMeta, error)
	SetStreamState(ctx context.Context, metaID string, state StreamState) error
	ClearStreamState(ctx context.Context, metaID string) error
	SetReconciliationCursor(ctx context.Context, metaID, collection string, cursor ReconciliationCursor) error
	ClearReconciliationCursor(ctx context.Context, metaID, collection string) error
	SetReconciliationDone(ctx context.Context, metaID, task string) error
	ClearReconciliationFlag(ctx context.Context, metaID, task string) error
	SetTaskEvolution(ctx context.Context, metaID, task string, ev TaskEvolution) error
	SetLastCleanupAt(ctx context.Context, metaID string, t time.Time) error

	// Work items (reactive queue).
	PlanUpsert(ctx context.Context, collection, task, workItemID string, sourceDocID any, observed bson.M, debounce time.Duration, resetOnChange bool) (isNew bool, err error)
	DeleteWorkItemsBySourceIDs(ctx context.Context, collection, task string, sourceDocIDs []any, cleanup CleanupPolicy) (int64, error)
	ClaimWorkItem(ctx context.Context, collection string, tasks []string, visibilityTimeout time.Duration) (*WorkItem, error)
	HeartbeatWorkItem(ctx context.Context, collection, id string, visibilityTimeout time.Duration) (bool, error)
	FinalizeWorkItem(ctx context.Context, collection, id string, update WorkItemFinalize) error
	GetWorkItem(ctx context.Context, collection, id string) (*WorkItem, error)
	ListWorkItems(ctx context.Context, collection string, query WorkItemQuery, page Page) ([]WorkItem, int64, error)
	RetryWorkItems(ctx context.Context, collection string, query WorkItemQuery) (int64, error)
	CleanupSweep(ctx context.Context, collection, task string, matchIDs func(ctx context.Context, id any) (exists, matches bool, err error), cleanup CleanupPolicy) (deleted int64, err error)

	// Reconciliation source scan.
	ScanSourceIDs(ctx context.Context, collection string, filter bson.M, after any, batchSize int) (ids []any, docs []bson.M, err error)

	// MatchSource reports whether the source document with the given id
	// exists AND satisfies filter, evaluated by the store's own query
	// engine. Used for filter shapes ($expr, raw queries) that cannot be
	// evaluated in process.
	MatchSource(ctx context.Context, collection string, filter bson.M, id any) (bool, error)

	// Change streams.
	WatchCollections(ctx context.Context, database string, collections []string, resumeToken bson.Raw, startAt time.Time) (ChangeStream, error)
	CurrentClusterTime(ctx context.Context) (time.Time, error)

	// Cron tasks.
	RegisterCronTask(ctx context.Context, id string, initialRunSince time.Time) error
	TriggerCronTaskImmediately(ctx context.Context, id string) error
	ClaimCronTask(ctx context.Context, ids []string, lockTime time.Duration) (*CronTaskDoc, error)
	RollbackCronClaim(ctx context.Context, id string, startedAt time.Time) error
	HeartbeatCronLock(ctx context.Context, id string, lockTime time.Duration) (bool, error)
	FinalizeCronTask(ctx context.Context, id string, nextRunSince time.Time, finishedAt time.Time, errMsg string) error
	NextCronRunSince(ctx context.Context, ids []string) (time.Time, bool, error)
	ListCronTasks(ctx context.Context, filter bson.M, page Page) ([]CronTaskDoc, int64, error)

	EnsureIndexes(ctx context.Context, workItemCollections []string) error

	// WithTransaction runs fn inside a multi-document transaction (the
	// public withTransaction facade call), committing iff fn returns nil.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ChangeStream abstracts the driver's change-stream cursor so engines aren't
// coupled to a specific driver version's find-and-update metadata options.
type ChangeStream interface {
	Next(ctx context.Context) (ChangeEvent, bool)
	ResumeToken() bson.Raw
	Err() error
	Close(ctx context.Context) error
}

// ChangeEvent is the projected shape of one change-stream document.
type ChangeEvent struct {
	OperationType string
	Collection    string
	DocumentID    any
	FullDocument  bson.M
	ClusterTime   time.Time
	ResumeToken   bson.Raw
}

// CleanupPolicy controls when a terminal or orphaned work item is deleted.
type CleanupPolicy struct {
	DeleteWhen DeleteWhen
	KeepFor    time.Duration
}

type DeleteWhen string

const (
	DeleteNever                              DeleteWhen = "never"
	DeleteSourceDocumentDeleted              DeleteWhen = "sourceDocumentDeleted"
	DeleteSourceDocumentDeletedOrNoLongerMatching DeleteWhen = "sourceDocumentDeletedOrNoLongerMatching"
)

// WorkItemFinalize carries the fields a worker sets when it finishes a claim.
type WorkItemFinalize struct {
	Status             WorkItemStatus
	ScheduledAt        *time.Time
	ClearLock          bool
	Success            bool
	ErrorMessage       string
	ResetFailureStreak bool
	AppendHistory      *ExecutionRecord
	StartedAt          time.Time
	PreserveInitial    bool

	// RescheduleDirtyAfter applies when Status is StatusCompleted: an item
	// observed processing_dirty at finalize time re-enters pending with
	// scheduledAt pushed this far out (the task's debounce) instead of
	// terminating, so the change that arrived mid-run is processed again.
	RescheduleDirtyAfter time.Duration
}

// WorkItemQuery narrows a listing/retry operation.
type WorkItemQuery struct {
	Task          string
	Status        WorkItemStatus
	ID            string
	LastErrorLike string
	SourceDocID   any
	SourceDocIDs  []any
}

// Page is a simple offset/limit pagination request for admin listings.
type Page struct {
	Limit int64
	Skip  int64
	Sort  bson.D
}
