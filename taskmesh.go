// Package taskmesh is the library facade: a single Engine wires together
// the distributed lock, leader elector, reactive planner/worker, and cron
// scheduler over one MongoDB database. Multiple processes pointed at the
// same database coordinate through it with no external broker.
package taskmesh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/itskum47/taskmesh/coordination"
	"github.com/itskum47/taskmesh/cron"
	"github.com/itskum47/taskmesh/lock"
	"github.com/itskum47/taskmesh/polling"
	"github.com/itskum47/taskmesh/reactive"
	"github.com/itskum47/taskmesh/store"
	"github.com/itskum47/taskmesh/taskmanager"
)

// EventCode is a stable, user-observable event code delivered via OnInfo.
type EventCode string

const (
	EventCronTaskStarted                      EventCode = "cronTaskStarted"
	EventCronTaskFinished                     EventCode = "cronTaskFinished"
	EventCronTaskScheduled                    EventCode = "cronTaskScheduled"
	EventCronTaskFailed                       EventCode = "cronTaskFailed"
	EventReactiveTaskStarted                  EventCode = "reactiveTaskStarted"
	EventReactiveTaskFinished                 EventCode = "reactiveTaskFinished"
	EventReactiveTaskFailed                   EventCode = "reactiveTaskFailed"
	EventReactiveTaskPlannerStarted           EventCode = "reactiveTaskPlannerStarted"
	EventReactiveTaskPlannerStopped           EventCode = "reactiveTaskPlannerStopped"
	EventReactiveTaskPlannerReconcileStarted  EventCode = "reactiveTaskPlannerReconciliationStarted"
	EventReactiveTaskPlannerReconcileFinished EventCode = "reactiveTaskPlannerReconciliationFinished"
	EventReactiveTaskPlannerStreamError       EventCode = "reactiveTaskPlannerStreamError"
	EventReactiveTaskLeaderLockLost           EventCode = "reactiveTaskLeaderLockLost"
	EventReactiveTaskCleanup                  EventCode = "reactiveTaskCleanup"
	EventManualTrigger                        EventCode = "manualTrigger"
)

// Info is the payload passed to OnInfo for a stable event code.
type Info struct {
	Code   EventCode
	Task   string
	Reason string
}

// Options configures Init. Database and either Client or Store must be set;
// everything else has a production-sensible default.
type Options struct {
	// Client is an already-connected driver client; Database names the
	// logical database taskmesh's own collections and watched collections
	// live in. Store may be supplied directly instead (e.g. an in-memory
	// fake for tests), in which case Client/Database are ignored.
	Client   *mongo.Client
	Database string
	Store    store.Store

	// InstanceID identifies this process to lock/leader-election/cron
	// claim documents. Defaults to a generated UUID.
	InstanceID string

	LockTTL              time.Duration // DistributedLock default TTL; default 15s
	LeaderLockTTL        time.Duration // default 30s
	ReactiveConcurrency  int           // worker goroutines shared by all reactive collections; default 4
	ReactiveVisibility   time.Duration // work-item claim visibility timeout; default 30s
	PlannerBatchSize     int           // default 1000
	PlannerBatchInterval time.Duration // default 500ms
	CleanupInterval      time.Duration // default 1m
	CronLockTime         time.Duration // default 30s
	CronCaller           cron.Caller   // wraps cron handler execution; defaults to a no-op pass-through

	OnError func(err error)
	OnInfo  func(info Info)
}

// DefaultOptions returns production defaults, overridden field-by-field by
// the caller before Init.
func DefaultOptions() Options {
	return Options{
		LockTTL:              15 * time.Second,
		LeaderLockTTL:        30 * time.Second,
		ReactiveConcurrency:  4,
		ReactiveVisibility:   30 * time.Second,
		PlannerBatchSize:     1000,
		PlannerBatchInterval: 500 * time.Millisecond,
		CleanupInterval:      time.Minute,
		CronLockTime:         30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.LockTTL <= 0 {
		o.LockTTL = def.LockTTL
	}
	if o.LeaderLockTTL <= 0 {
		o.LeaderLockTTL = def.LeaderLockTTL
	}
	if o.ReactiveConcurrency <= 0 {
		o.ReactiveConcurrency = def.ReactiveConcurrency
	}
	if o.ReactiveVisibility <= 0 {
		o.ReactiveVisibility = def.ReactiveVisibility
	}
	if o.PlannerBatchSize <= 0 {
		o.PlannerBatchSize = def.PlannerBatchSize
	}
	if o.PlannerBatchInterval <= 0 {
		o.PlannerBatchInterval = def.PlannerBatchInterval
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = def.CleanupInterval
	}
	if o.CronLockTime <= 0 {
		o.CronLockTime = def.CronLockTime
	}
	if o.OnError == nil {
		o.OnError = func(err error) { log.Printf("[taskmesh] %v", err) }
	}
	if o.OnInfo == nil {
		o.OnInfo = func(info Info) {}
	}
	return o
}

// ErrAlreadyInitialized is returned by a second call to Init on the same
// Engine; double-init is a configuration error, surfaced to the caller
// rather than silently ignored.
var ErrAlreadyInitialized = errors.New("taskmesh: Init called more than once")

// Engine is the library's single entry point: one Engine per process holds
// the reactive and cron engines plus the shared lock/leader-election
// primitives they're built on.
type Engine struct {
	mu          sync.Mutex
	initialized bool

	opts  Options
	store store.Store

	registry *reactive.Registry
	runner   *polling.Runner
	elector  *coordination.Elector
	planner  *reactive.Planner
	worker   *reactive.Worker
	sched    *cron.Scheduler
	manager  *taskmanager.Manager

	started bool
}

// New constructs an uninitialized Engine. Call Init exactly once before
// registering tasks.
func New() *Engine {
	return &Engine{}
}

// Init opens (or adopts) a store, wires the shared primitives, and prepares
// the reactive and cron engines. It may be called at most once per Engine.
func (e *Engine) Init(ctx context.Context, opts Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return ErrAlreadyInitialized
	}
	opts = opts.withDefaults()
	if opts.InstanceID == "" {
		opts.InstanceID = generateInstanceID()
	}

	s := opts.Store
	if s == nil {
		if opts.Client == nil || opts.Database == "" {
			return errors.New("taskmesh: Init requires either Options.Store or both Options.Client and Options.Database")
		}
		s = store.NewMongoStore(opts.Client.Database(opts.Database))
	}

	registry := reactive.NewRegistry()
	runner := polling.New(opts.ReactiveConcurrency)
	elector := coordination.NewElector(s, coordination.ElectorOptions{
		MetaID:     store.MetaDocID,
		InstanceID: opts.InstanceID,
		LockTTL:    opts.LeaderLockTTL,
		OnBecomeLeader: func() {
			opts.OnInfo(Info{Code: EventReactiveTaskPlannerStarted})
		},
		OnLoseLeader: func() {
			opts.OnInfo(Info{Code: EventReactiveTaskLeaderLockLost})
		},
	})
	planner := reactive.NewPlanner(s, registry, runner, elector, reactive.PlannerOptions{
		Database:        opts.Database,
		MetaID:          store.MetaDocID,
		InstanceID:      opts.InstanceID,
		BatchSize:       opts.PlannerBatchSize,
		BatchInterval:   opts.PlannerBatchInterval,
		CleanupInterval: opts.CleanupInterval,
	})
	planner.OnReconcileStart = func(collection string) {
		opts.OnInfo(Info{Code: EventReactiveTaskPlannerReconcileStarted, Reason: collection})
	}
	planner.OnReconcileFinish = func(collection string) {
		opts.OnInfo(Info{Code: EventReactiveTaskPlannerReconcileFinished, Reason: collection})
	}
	planner.OnStreamError = func(err error) {
		opts.OnInfo(Info{Code: EventReactiveTaskPlannerStreamError, Reason: err.Error()})
	}
	planner.OnCleanup = func(task string, deleted int64) {
		opts.OnInfo(Info{Code: EventReactiveTaskCleanup, Task: task})
	}
	worker := reactive.NewWorker(s, registry, runner, opts.ReactiveVisibility, opts.ReactiveConcurrency)
	worker.OnStart = func(task string) {
		opts.OnInfo(Info{Code: EventReactiveTaskStarted, Task: task})
	}
	worker.OnFinish = func(task string, err error) {
		if err != nil {
			opts.OnInfo(Info{Code: EventReactiveTaskFailed, Task: task, Reason: err.Error()})
			return
		}
		opts.OnInfo(Info{Code: EventReactiveTaskFinished, Task: task})
	}
	sched := cron.New(s, cron.Options{
		InstanceID: opts.InstanceID,
		LockTime:   opts.CronLockTime,
		Caller:     opts.CronCaller,
		OnStart: func(id string) {
			opts.OnInfo(Info{Code: EventCronTaskStarted, Task: id})
		},
		OnFinish: func(id string, err error) {
			if err != nil {
				opts.OnInfo(Info{Code: EventCronTaskFailed, Task: id, Reason: err.Error()})
				return
			}
			opts.OnInfo(Info{Code: EventCronTaskFinished, Task: id})
		},
		OnSchedule: func(id string, runSince time.Time) {
			opts.OnInfo(Info{Code: EventCronTaskScheduled, Task: id})
		},
	})
	manager := taskmanager.New(s, registry)

	e.opts = opts
	e.store = s
	e.registry = registry
	e.runner = runner
	e.elector = elector
	e.planner = planner
	e.worker = worker
	e.sched = sched
	e.manager = manager
	e.initialized = true
	return nil
}

func (e *Engine) requireInit() error {
	if !e.initialized {
		return errors.New("taskmesh: Engine.Init must be called before use")
	}
	return nil
}

// --- Cron engine ---

// CronTask registers a named cron task. interval accepts the three shapes
// interval.Parse understands: milliseconds, a Go duration string, or
// "CRON <expr>".
func (e *Engine) CronTask(ctx context.Context, id string, interval any, handler func(ctx context.Context) error) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	return e.sched.Register(ctx, id, interval, handler)
}

// ScheduleCronTaskImmediately flags id for a fire-and-forget immediate run.
func (e *Engine) ScheduleCronTaskImmediately(ctx context.Context, id string) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	e.opts.OnInfo(Info{Code: EventManualTrigger, Task: id})
	return e.sched.ScheduleImmediately(ctx, id)
}

// RunCronTask triggers id and awaits its completion, returning the run's
// error (if any). Returns cron.ErrRecursiveRunCronTask if called from
// within a currently-executing cron task handler.
func (e *Engine) RunCronTask(ctx context.Context, id string) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	e.opts.OnInfo(Info{Code: EventManualTrigger, Task: id})
	return e.sched.RunCronTask(ctx, id)
}

// StartCronTasks launches the cron scheduling loop.
func (e *Engine) StartCronTasks() error {
	if err := e.requireInit(); err != nil {
		return err
	}
	e.sched.Start(context.Background())
	return nil
}

// StopCronTasks stops the cron scheduling loop, waiting for any in-flight
// claimed task to finish.
func (e *Engine) StopCronTasks() {
	if e.sched != nil {
		e.sched.Stop()
	}
}

// GetCronTasksList is the getCronTasksList surface, backing the dashboard's
// GET /api/cron/list.
func (e *Engine) GetCronTasksList(ctx context.Context, page store.Page) ([]store.CronTaskDoc, int64, error) {
	if err := e.requireInit(); err != nil {
		return nil, 0, err
	}
	return e.sched.List(ctx, page)
}

// TriggerCronTask is the triggerCronTask surface behind POST
// /api/cron/trigger: a fire-and-forget immediate trigger.
func (e *Engine) TriggerCronTask(ctx context.Context, id string) error {
	return e.ScheduleCronTaskImmediately(ctx, id)
}

// --- Reactive engine ---

// ReactiveTaskConfig is the reactiveTask({...}) configuration object.
type ReactiveTaskConfig struct {
	Task                  string
	Collection            string
	Filter                store.FilterExpr
	WatchProjection       []string
	Handler               reactive.Handler
	Debounce              time.Duration
	RetryPolicy           reactive.RetryPolicy
	Evolution             reactive.EvolutionConfig
	CleanupPolicy         store.CleanupPolicy
	ExecutionHistoryLimit int
}

// ReactiveTask registers a reactive task definition.
func (e *Engine) ReactiveTask(cfg ReactiveTaskConfig) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	if cfg.RetryPolicy.Kind == "" {
		cfg.RetryPolicy = reactive.DefaultRetryPolicy()
	}
	return e.registry.Register(reactive.TaskDefinition{
		Name:                  cfg.Task,
		Collection:            cfg.Collection,
		Filter:                cfg.Filter,
		WatchProjection:       cfg.WatchProjection,
		Handler:               cfg.Handler,
		Debounce:              cfg.Debounce,
		RetryPolicy:           cfg.RetryPolicy,
		Evolution:             cfg.Evolution,
		CleanupPolicy:         cfg.CleanupPolicy,
		ExecutionHistoryLimit: cfg.ExecutionHistoryLimit,
	})
}

// StartReactiveTasks registers every task's collection as a polling source,
// starts the worker pool, the leader elector, and the planner.
func (e *Engine) StartReactiveTasks(ctx context.Context) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	tasksCollections := make([]string, 0, len(e.registry.Collections()))
	for _, c := range e.registry.Collections() {
		tasksCollections = append(tasksCollections, store.TasksCollection(c))
	}
	if err := e.store.EnsureIndexes(ctx, tasksCollections); err != nil {
		return fmt.Errorf("taskmesh: ensure indexes: %w", err)
	}
	for _, collection := range e.registry.Collections() {
		if !e.runner.HasSource(reactive.SourceName(collection)) {
			e.runner.Register(reactive.SourceName(collection), polling.SourceOptions{})
		}
	}
	e.runner.Start(ctx, e.worker.TryRun)
	e.elector.Start(ctx)
	e.planner.Start(ctx)
	e.started = true
	return nil
}

// StopReactiveTasks stops the planner, leader elector, and worker pool, in
// that order, waiting for each to finish in-flight work.
func (e *Engine) StopReactiveTasks() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.planner.Stop()
	e.elector.Stop()
	e.runner.Stop()
	e.opts.OnInfo(Info{Code: EventReactiveTaskPlannerStopped})
	e.started = false
}

// GetReactiveTasks is the getReactiveTasks surface behind GET
// /api/reactive/list.
func (e *Engine) GetReactiveTasks(ctx context.Context, query taskmanager.Query, page store.Page) ([]store.WorkItem, int64, error) {
	if err := e.requireInit(); err != nil {
		return nil, 0, err
	}
	return e.manager.GetTasks(ctx, query, page)
}

// CountReactiveTasks is the countReactiveTasks surface.
func (e *Engine) CountReactiveTasks(ctx context.Context, query taskmanager.Query) (int64, error) {
	if err := e.requireInit(); err != nil {
		return 0, err
	}
	return e.manager.CountTasks(ctx, query)
}

// RetryReactiveTasks is the retryReactiveTasks surface behind POST
// /api/reactive/retry.
func (e *Engine) RetryReactiveTasks(ctx context.Context, query taskmanager.Query) (int64, error) {
	if err := e.requireInit(); err != nil {
		return 0, err
	}
	return e.manager.RetryTasks(ctx, query)
}

// ReactiveTaskStats is the per-task status breakdown GET /api/info reports.
func (e *Engine) ReactiveTaskStats(ctx context.Context, task string) (taskmanager.Stats, error) {
	if err := e.requireInit(); err != nil {
		return taskmanager.Stats{}, err
	}
	return e.manager.TaskStats(ctx, task)
}

// --- Shared primitives ---

// WithLock runs fn under the named distributed mutex, the withLock(key, fn,
// opts) facade call: auto-heartbeat while held, auto-release on every exit
// path (success, error, or panic).
func (e *Engine) WithLock(ctx context.Context, key string, opts lock.Options, fn func(ctx context.Context) error) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	if opts.TTL <= 0 {
		opts.TTL = e.opts.LockTTL
	}
	return lock.With(ctx, e.store, key, e.opts.InstanceID, opts, fn)
}

// WithTransaction runs fn inside a multi-document transaction against the
// same database the reactive/cron engines use.
func (e *Engine) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	return e.store.WithTransaction(ctx, fn)
}

// Store exposes the underlying Store for advanced callers (e.g. a
// dashboard's own queries); most callers should prefer the typed surfaces
// above.
func (e *Engine) Store() store.Store {
	return e.store
}
