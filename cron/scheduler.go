// Package cron implements the distributed, at-most-once cron engine: named
// tasks with interval- or cron-expression schedules, persisted per-task
// documents with locks, and immediate/enforced manual triggers. Any process
// sharing the database may claim the next due task; missed runs recover via
// lock expiry rather than a central coordinator.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/itskum47/taskmesh/interval"
	"github.com/itskum47/taskmesh/observability"
	"github.com/itskum47/taskmesh/store"
)

// ErrRecursiveRunCronTask is the programmer error thrown when RunCronTask is
// called from within a currently-executing cron task handler.
var ErrRecursiveRunCronTask = errors.New("cron: RunCronTask called recursively from within a running cron task")

type cronRunningKey struct{}

// Caller wraps one task's execution, the hook point for the embedding
// application's logging and metrics.
type Caller func(ctx context.Context, id string, run func(ctx context.Context) error) error

func defaultCaller(ctx context.Context, id string, run func(ctx context.Context) error) error {
	return run(ctx)
}

// Options configures one Scheduler.
type Options struct {
	InstanceID string
	LockTime   time.Duration // visibility timeout on a claimed task; default 30s
	Caller     Caller

	// OnStart/OnFinish/OnSchedule back the facade's cronTaskStarted,
	// cronTaskFinished/Failed, and cronTaskScheduled events. Optional.
	OnStart    func(id string)
	OnFinish   func(id string, err error)
	OnSchedule func(id string, runSince time.Time)
}

func (o Options) withDefaults() Options {
	if o.LockTime <= 0 {
		o.LockTime = 30 * time.Second
	}
	if o.Caller == nil {
		o.Caller = defaultCaller
	}
	if o.OnStart == nil {
		o.OnStart = func(string) {}
	}
	if o.OnFinish == nil {
		o.OnFinish = func(string, error) {}
	}
	if o.OnSchedule == nil {
		o.OnSchedule = func(string, time.Time) {}
	}
	return o
}

type taskDef struct {
	id         string
	intervalFn interval.Func
	handler    func(ctx context.Context) error
}

type enforcedRun struct {
	done chan error
}

// Scheduler runs one claim loop per process, contending with other
// processes for due task documents.
type Scheduler struct {
	store store.Store
	opts  Options

	mu       sync.Mutex
	tasks    map[string]*taskDef
	enforced map[string]*enforcedRun

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	active bool
}

// New creates a Scheduler. Register tasks before or after Start; newly
// registered tasks wake the loop so they're picked up without waiting out a
// stale sleep.
func New(s store.Store, opts Options) *Scheduler {
	return &Scheduler{
		store:    s,
		opts:     opts.withDefaults(),
		tasks:    make(map[string]*taskDef),
		enforced: make(map[string]*enforcedRun),
		wake:     make(chan struct{}, 1),
	}
}

// Register adds a cron task under id, computing its first due time from
// intervalFn applied to now. Re-registering an id is a configuration error.
// The underlying document is upserted with $setOnInsert so a restart with
// the same id preserves the previously scheduled runSince.
func (s *Scheduler) Register(ctx context.Context, id string, rawInterval any, handler func(ctx context.Context) error) error {
	fn, err := interval.Parse(rawInterval)
	if err != nil {
		return fmt.Errorf("cron: task %q: %w", id, err)
	}
	s.mu.Lock()
	if _, exists := s.tasks[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("cron: task %q already registered", id)
	}
	s.tasks[id] = &taskDef{id: id, intervalFn: fn, handler: handler}
	s.mu.Unlock()

	initial := fn(time.Now())
	if err := s.store.RegisterCronTask(ctx, id, initial); err != nil {
		return fmt.Errorf("cron: register task %q: %w", id, err)
	}
	s.opts.OnSchedule(id, initial)
	s.wakeLoop()
	return nil
}

func (s *Scheduler) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) get(id string) *taskDef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

// Start launches the single scheduling loop this process runs. Multiple
// processes each run their own loop and contend for tasks via ClaimCronTask.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop is cooperative: it signals the loop and waits for the in-flight claim
// (if any) to finish under its lease before returning.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	close(s.stopCh)
	s.mu.Unlock()
	<-s.doneCh
}

func (s *Scheduler) shouldStop() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Scheduler) wakeLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	for !s.shouldStop() {
		ids := s.ids()
		if len(ids) == 0 {
			s.sleep(ctx, 5*time.Second)
			continue
		}

		doc, err := s.store.ClaimCronTask(ctx, ids, s.opts.LockTime)
		if err != nil {
			log.Printf("[taskmesh] cron: claim failed: %v", err)
			s.sleep(ctx, time.Second)
			continue
		}
		if doc == nil {
			wait := 5 * time.Second
			if next, ok, err := s.store.NextCronRunSince(ctx, ids); err == nil && ok {
				if until := time.Until(next); until < wait {
					wait = until
				}
			}
			if wait < 0 {
				wait = 0
			}
			s.sleep(ctx, wait)
			continue
		}
		s.runClaimed(ctx, doc)
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-s.stopCh:
	case <-s.wake:
	case <-timer.C:
	}
}

// runClaimed executes one claimed task document: heartbeat its lock,
// invoke the handler through the caller wrapper, compute the next run from
// intervalFn, and finalize in one update.
func (s *Scheduler) runClaimed(ctx context.Context, doc *store.CronTaskDoc) {
	def := s.get(doc.ID)
	if def == nil {
		// A task row exists (from a previous process run, or another
		// process's registration) that this process never registered;
		// release the claim so a process that has it registered can run it.
		if len(doc.RunLog) > 0 {
			_ = s.store.RollbackCronClaim(ctx, doc.ID, doc.RunLog[0].StartedAt)
		}
		return
	}

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	hbDone := make(chan struct{})
	go s.heartbeat(hbCtx, def.id, hbDone)

	runCtx := context.WithValue(ctx, cronRunningKey{}, true)
	runStart := time.Now()
	s.opts.OnStart(def.id)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("cron: task %q panic: %v", def.id, r)
			}
		}()
		return s.opts.Caller(runCtx, def.id, def.handler)
	}()

	cancel()
	<-hbDone

	observability.CronRunDuration.WithLabelValues(def.id).Observe(time.Since(runStart).Seconds())
	next := def.intervalFn(time.Now())
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		observability.CronRuns.WithLabelValues(def.id, "failed").Inc()
		log.Printf("[taskmesh] cron: task %q failed: %v", def.id, err)
	} else {
		observability.CronRuns.WithLabelValues(def.id, "success").Inc()
	}
	if ferr := s.store.FinalizeCronTask(context.WithoutCancel(ctx), def.id, next, time.Now(), errMsg); ferr != nil {
		log.Printf("[taskmesh] cron: finalize task %q: %v", def.id, ferr)
	}
	s.opts.OnFinish(def.id, err)
	s.opts.OnSchedule(def.id, next)

	s.resolveEnforced(def.id, err)
}

func (s *Scheduler) heartbeat(ctx context.Context, id string, done chan struct{}) {
	defer close(done)
	period := s.opts.LockTime / 5
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := s.store.HeartbeatCronLock(ctx, id, s.opts.LockTime); err != nil {
				log.Printf("[taskmesh] cron: lock heartbeat for %q failed: %v", id, err)
			} else if !ok {
				log.Printf("[taskmesh] cron: lock heartbeat for %q: lock no longer ours", id)
				return
			}
		}
	}
}

// ScheduleImmediately flags id for a manual, fire-and-forget trigger on the
// next claim pass.
func (s *Scheduler) ScheduleImmediately(ctx context.Context, id string) error {
	if s.get(id) == nil {
		return fmt.Errorf("cron: task %q is not registered", id)
	}
	if err := s.store.TriggerCronTaskImmediately(ctx, id); err != nil {
		return err
	}
	s.wakeLoop()
	return nil
}

// RunCronTask is the awaitable, "enforced" manual trigger: it resolves once
// id has actually finished a run, and rejects synchronously if called from
// within a task handler that is itself currently executing (recursive
// triggers are a configuration error, not a retryable condition).
func (s *Scheduler) RunCronTask(ctx context.Context, id string) error {
	if ctx.Value(cronRunningKey{}) != nil {
		return ErrRecursiveRunCronTask
	}
	if s.get(id) == nil {
		return fmt.Errorf("cron: task %q is not registered", id)
	}

	run := &enforcedRun{done: make(chan error, 1)}
	s.mu.Lock()
	s.enforced[id] = run
	s.mu.Unlock()

	if err := s.store.TriggerCronTaskImmediately(ctx, id); err != nil {
		s.mu.Lock()
		delete(s.enforced, id)
		s.mu.Unlock()
		return err
	}
	s.wakeLoop()

	select {
	case err := <-run.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) resolveEnforced(id string, err error) {
	s.mu.Lock()
	run, ok := s.enforced[id]
	if ok {
		delete(s.enforced, id)
	}
	s.mu.Unlock()
	if ok {
		run.done <- err
	}
}

// List returns the persisted schedule/lock state for a filtered page of
// registered tasks, the surface `getCronTasksList` exposes.
func (s *Scheduler) List(ctx context.Context, page store.Page) ([]store.CronTaskDoc, int64, error) {
	return s.store.ListCronTasks(ctx, bson.M{}, page)
}
