// Package store defines the document shapes taskmesh persists and the
// Store interface every engine is built against.
package store

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// WorkItemStatus is the lifecycle state of a reactive work item.
type WorkItemStatus string

const (
	StatusPending         WorkItemStatus = "pending"
	StatusProcessing      WorkItemStatus = "processing"
	StatusProcessingDirty WorkItemStatus = "processing_dirty"
	StatusCompleted       WorkItemStatus = "completed"
	StatusFailed          WorkItemStatus = "failed"
)

// ExecutionRecord is one entry of a work item's bounded execution history.
type ExecutionRecord struct {
	StartedAt  time.Time `bson:"startedAt"`
	FinishedAt time.Time `bson:"finishedAt"`
	Success    bool      `bson:"success"`
	Error      string    `bson:"error,omitempty"`
}

// WorkItem is one (task, sourceDocId) reactive queue entry.
type WorkItem struct {
	ID                 string            `bson:"_id"`
	Task               string            `bson:"task"`
	SourceDocID        any               `bson:"sourceDocId"`
	Status             WorkItemStatus    `bson:"status"`
	Attempts           int               `bson:"attempts"`
	ScheduledAt        time.Time         `bson:"scheduledAt"`
	InitialScheduledAt time.Time         `bson:"initialScheduledAt"`
	CreatedAt          time.Time         `bson:"createdAt"`
	UpdatedAt          time.Time         `bson:"updatedAt"`
	StartedAt          *time.Time        `bson:"startedAt,omitempty"`
	CompletedAt        *time.Time        `bson:"completedAt,omitempty"`
	LastFinalizedAt    *time.Time        `bson:"lastFinalizedAt,omitempty"`
	LockExpiresAt      *time.Time        `bson:"lockExpiresAt,omitempty"`
	FirstErrorAt       *time.Time        `bson:"firstErrorAt,omitempty"`
	LastError          string            `bson:"lastError,omitempty"`
	LastObservedValues bson.M            `bson:"lastObservedValues,omitempty"`
	ExecutionHistory   []ExecutionRecord `bson:"executionHistory,omitempty"`
	LastSuccessAt      *time.Time        `bson:"lastSuccessAt,omitempty"`
	LastSuccessMs      int64             `bson:"lastSuccessMs,omitempty"`
}

// LeaderLock is the embedded lock field on the planner meta document.
type LeaderLock struct {
	InstanceID string    `bson:"instanceId"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// StreamState is the change-stream checkpoint.
type StreamState struct {
	ResumeToken     bson.Raw  `bson:"resumeToken,omitempty"`
	LastClusterTime time.Time `bson:"lastClusterTime,omitempty"`
}

// ReconciliationCursor is the resumable per-collection scan checkpoint.
type ReconciliationCursor struct {
	LastID    any       `bson:"lastId,omitempty"`
	TaskNames []string  `bson:"taskNames"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// TaskEvolution records the fingerprint under which a task was last planned.
type TaskEvolution struct {
	TriggerSig     string `bson:"triggerSig"`
	HandlerVersion int    `bson:"handlerVersion"`
}

// PlannerMeta is the single process-global reactive-planner document.
type PlannerMeta struct {
	ID                  string                          `bson:"_id"`
	Lock                *LeaderLock                     `bson:"lock,omitempty"`
	StreamState         StreamState                     `bson:"streamState"`
	Reconciliation      map[string]bool                 `bson:"reconciliation,omitempty"`
	ReconciliationState map[string]ReconciliationCursor `bson:"reconciliationState,omitempty"`
	Tasks               map[string]TaskEvolution        `bson:"tasks,omitempty"`
	LastCleanupAt       time.Time                       `bson:"lastCleanupAt,omitempty"`
}

// CronRun is one bounded runLog entry for a cron task.
type CronRun struct {
	StartedAt  time.Time  `bson:"startedAt"`
	FinishedAt *time.Time `bson:"finishedAt,omitempty"`
	Error      string     `bson:"error,omitempty"`
}

// CronTaskDoc is the persisted schedule + lock state for one cron task.
type CronTaskDoc struct {
	ID             string     `bson:"_id"`
	RunSince       time.Time  `bson:"runSince"`
	RunImmediately bool       `bson:"runImmediately"`
	LockedTill     *time.Time `bson:"lockedTill,omitempty"`
	RunLog         []CronRun  `bson:"runLog,omitempty"`
}

// LockDoc is a held distributed lock, TTL-indexed on ExpiresAt.
type LockDoc struct {
	ID        string    `bson:"_id"`
	LockID    string    `bson:"lockId"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// TasksCollection maps a watched source collection to the collection its
// work items are queued in. Keeping them apart means the planner's own
// upserts never feed back into the change stream it is tailing.
func TasksCollection(sourceCollection string) string {
	return "taskmesh_tasks_" + sourceCollection
}

const (
	// MetaDocID is the well-known _id of the single PlannerMeta document.
	MetaDocID = "planner-meta"
	// CleanupLockKey is the distributed-lock key the janitor contends on.
	CleanupLockKey = "planner-meta:cleanup"
	// RunLogLimit bounds CronTaskDoc.RunLog and WorkItem.ExecutionHistory.
	RunLogLimit = 5
)
