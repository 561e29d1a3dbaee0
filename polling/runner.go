// Package polling implements the multi-source adaptive poller the reactive
// worker pool runs on (the cron scheduler keeps its own loop): N worker
// goroutines over M registered sources, each source with its own
// adaptively backing-off schedule and a wake-up signal to cut the backoff
// short when new work lands.
package polling

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// SourceOptions configures one registered polling source.
type SourceOptions struct {
	MinPoll time.Duration
	MaxPoll time.Duration
	Jitter  time.Duration
}

type source struct {
	name           string
	opts           SourceOptions
	nextRunAt      time.Time
	currentBackoff time.Duration
	wake           chan struct{}
}

// Runner runs `concurrency` worker goroutines across a set of registered
// sources, each with its own adaptive backoff.
type Runner struct {
	mu          sync.Mutex
	sources     map[string]*source
	concurrency int

	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Runner. Register sources with Register before Start.
func New(concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		sources:     make(map[string]*source),
		concurrency: concurrency,
		stopCh:      make(chan struct{}),
	}
}

// HasSource reports whether name is already registered.
func (r *Runner) HasSource(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sources[name]
	return ok
}

// Register adds a polling source. Re-registering an existing name panics,
// mirroring the contract that re-registration is a configuration error.
func (r *Runner) Register(name string, opts SourceOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[name]; exists {
		panic("polling: source " + name + " already registered")
	}
	if opts.MinPoll <= 0 {
		opts.MinPoll = 200 * time.Millisecond
	}
	if opts.MaxPoll < opts.MinPoll {
		opts.MaxPoll = opts.MinPoll * 10
	}
	r.sources[name] = &source{
		name:           name,
		opts:           opts,
		nextRunAt:      time.Now(),
		currentBackoff: opts.MinPoll,
		wake:           make(chan struct{}, 1),
	}
}

// SpeedUp resets a source's backoff to MinPoll, makes it immediately due,
// and wakes one waiting worker. Called by the planner after it upserts work
// that becomes claimable once its debounce elapses.
func (r *Runner) SpeedUp(name string) {
	r.mu.Lock()
	src, ok := r.sources[name]
	if ok {
		src.currentBackoff = src.opts.MinPoll
		src.nextRunAt = time.Now()
	}
	r.mu.Unlock()
	if ok {
		select {
		case src.wake <- struct{}{}:
		default:
		}
	}
}

// SpeedUpAfter calls SpeedUp once delay elapses, used when the planner wants
// a source woken only after a debounce window so workers don't race it.
func (r *Runner) SpeedUpAfter(name string, delay time.Duration) {
	if delay <= 0 {
		r.SpeedUp(name)
		return
	}
	time.AfterFunc(delay, func() { r.SpeedUp(name) })
}

// Start launches `concurrency` workers, each calling tryRun(sourceName) for
// the earliest-due source in a loop until Stop.
func (r *Runner) Start(ctx context.Context, tryRun func(ctx context.Context, sourceName string)) {
	r.mu.Lock()
	r.stopped = false
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go r.worker(ctx, tryRun)
	}
}

func (r *Runner) worker(ctx context.Context, tryRun func(ctx context.Context, sourceName string)) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return
		}
		name, due, wait, wake := r.earliest()
		r.mu.Unlock()

		if name == "" {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if due {
			tryRun(ctx, name)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-wake:
		case <-time.After(wait):
		}
	}
}

// earliest picks the source with the soonest nextRunAt. If it is due, it
// advances nextRunAt and doubles currentBackoff (capped at MaxPoll) BEFORE
// the caller invokes tryRun, preventing a thundering herd when tryRun finds
// nothing to do.
func (r *Runner) earliest() (name string, due bool, wait time.Duration, wake chan struct{}) {
	now := time.Now()
	var best *source
	for _, s := range r.sources {
		if best == nil || s.nextRunAt.Before(best.nextRunAt) {
			best = s
		}
	}
	if best == nil {
		return "", false, time.Second, nil
	}
	if !best.nextRunAt.After(now) {
		jitter := time.Duration(0)
		if best.opts.Jitter > 0 {
			jitter = time.Duration(rand.Int63n(int64(best.opts.Jitter)))
		}
		best.nextRunAt = now.Add(best.currentBackoff + jitter)
		best.currentBackoff *= 2
		if best.currentBackoff > best.opts.MaxPoll {
			best.currentBackoff = best.opts.MaxPoll
		}
		return best.name, true, 0, nil
	}
	return best.name, false, best.nextRunAt.Sub(now), best.wake
}

// Stop sets the stop flag, wakes every worker, and waits for them to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.stopCh)
	r.mu.Unlock()
	r.wg.Wait()
}
