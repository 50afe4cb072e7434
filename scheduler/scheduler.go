// Package scheduler implements the thread pool every port, receiver,
// task and process schedules its work on: a pooled work-stealing
// variant with a leader-driven growth policy, and a cooperative
// main-thread variant that feeds an external event loop.
package scheduler

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-foundations/kernel/klog"
	"github.com/go-foundations/kernel/ktrace"
	"github.com/go-foundations/kernel/wsqueue"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// ErrSchedulerClosed is returned (never silently swallowed) when a
// submission arrives after the scheduler has been shut down.
var ErrSchedulerClosed = errors.New("scheduler: rejected submission, scheduler is shut down")

// Job is a unit of work accepted by a Scheduler. Exactly one of Run and
// RunCtx should be set; RunCtx additionally receives the executing
// worker's context, which a nested Queue call on the same scheduler
// recognizes and routes to that worker's local queue. OnDone, if
// non-nil, runs after the job body completes, on the same worker.
type Job struct {
	Run    func()
	RunCtx func(ctx context.Context)
	OnDone func()
}

// Config bounds a PooledScheduler's thread count. Zero-value MaxThreads
// resolves to runtime.NumCPU() worth of headroom at construction.
type Config struct {
	MinThreads int
	MaxThreads int
}

// Event is emitted on the scheduler's hook bundle for growth/shutdown
// observability.
type Event struct {
	ThreadCount int
	Reason      string
}

const (
	metricQueued    = metricz.Key("scheduler.queued.total")
	metricStolen    = metricz.Key("scheduler.stolen.total")
	metricGrown     = metricz.Key("scheduler.grown.total")
	metricThreads   = metricz.Key("scheduler.threads.current")
	spanRun         = tracez.Key("scheduler.run")
	hookGrew        = hookz.Key("scheduler.grew")
	hookShutdown    = hookz.Key("scheduler.shutdown")
	localQueueSize  = 256
	globalQueueSize = 4096
	stealTimeout    = 2 * time.Millisecond
	blockTimeout    = 50 * time.Millisecond
	leaderQuantum   = time.Second
)

// Scheduler is the interface tasks, processes and ports submit work
// through. Queue never drops a job: it either lands the job or returns
// ErrSchedulerClosed. It blocks the caller only while the
// implementation's bounded queue is full.
type Scheduler interface {
	Queue(ctx context.Context, job Job) error
	AddThread() error
	RemoveThread() error
	Shutdown()
}

type workerKey struct{}

// workerTag carries both the worker and its owning scheduler: a tag
// from some other scheduler's worker must not route a submission into
// this scheduler's local queues.
type workerTag struct {
	sched *PooledScheduler
	w     *worker
}

// contextWithWorker tags ctx so a nested Queue call from within a
// worker's own job can be routed to that worker's local queue,
// the Go-idiomatic replacement for an implicit thread-local lookup.
func contextWithWorker(ctx context.Context, s *PooledScheduler, w *worker) context.Context {
	return context.WithValue(ctx, workerKey{}, workerTag{sched: s, w: w})
}

func (s *PooledScheduler) workerFromContext(ctx context.Context) (*worker, bool) {
	tag, ok := ctx.Value(workerKey{}).(workerTag)
	if !ok || tag.sched != s {
		return nil, false
	}
	return tag.w, true
}

type worker struct {
	id        int
	local     *wsqueue.Queue[Job]
	stop      chan struct{}
	stopped   bool // guarded by the scheduler's mu
	transient bool
}

// PooledScheduler is a work-stealing thread pool:
// each worker owns a WSQ, workers steal from each other via a
// round-robin, and a single leader worker periodically samples backlog
// to decide whether to grow the pool.
type PooledScheduler struct {
	cfg    Config
	obs    *ktrace.Bundle[Event]
	clock  clockz.Clock
	logger *klog.Logger
	pool   *FreeList

	global chan Job

	mu      sync.Mutex
	workers []*worker
	ring    *wsqueue.RoundRobin[worker]

	leaderTaken atomic.Bool
	closed      atomic.Bool
	wg          sync.WaitGroup
}

// Option configures a PooledScheduler at construction.
type Option func(*PooledScheduler)

// WithClock overrides the clock used for steal timeouts and leader
// sampling, for deterministic tests.
func WithClock(c clockz.Clock) Option {
	return func(s *PooledScheduler) { s.clock = c }
}

// WithLogger overrides the logger used for programming-error warnings.
func WithLogger(l *klog.Logger) Option {
	return func(s *PooledScheduler) { s.logger = l }
}

// WithFreeList supplies a shared thread free list (see threadpool.go)
// so multiple schedulers can recycle worker bookkeeping between each
// other instead of allocating fresh on every AddThread.
func WithFreeList(fl *FreeList) Option {
	return func(s *PooledScheduler) { s.pool = fl }
}

// New constructs a PooledScheduler and starts cfg.MinThreads workers
// (at least 1).
func New(cfg Config, opts ...Option) *PooledScheduler {
	if cfg.MinThreads < 1 {
		cfg.MinThreads = 1
	}
	if cfg.MaxThreads == 0 {
		cfg.MaxThreads = runtime.NumCPU()
	}
	if cfg.MaxThreads < cfg.MinThreads {
		cfg.MaxThreads = cfg.MinThreads
	}

	s := &PooledScheduler{
		cfg:    cfg,
		clock:  clockz.RealClock,
		global: make(chan Job, globalQueueSize),
		ring:   wsqueue.NewRoundRobin[worker](cfg.MaxThreads),
	}
	for _, o := range opts {
		o(s)
	}
	if s.obs == nil {
		s.obs = ktrace.New[Event](
			[]metricz.Key{metricQueued, metricStolen, metricGrown},
			[]metricz.Key{metricThreads},
		)
	}
	if s.pool == nil {
		s.pool = NewFreeList()
	}

	for i := 0; i < cfg.MinThreads; i++ {
		s.startWorker(false)
	}
	return s
}

// Metrics exposes the scheduler's counters/gauges.
func (s *PooledScheduler) Metrics() *metricz.Registry { return s.obs.Metrics }

// OnGrew registers a handler invoked whenever the leader grows the pool.
func (s *PooledScheduler) OnGrew(handler func(context.Context, Event) error) error {
	return s.obs.On(hookGrew, handler)
}

func (s *PooledScheduler) startWorker(transient bool) {
	w := s.pool.Acquire()
	w.stop = make(chan struct{})
	w.stopped = false
	w.transient = transient

	s.mu.Lock()
	s.workers = append(s.workers, w)
	isLeader := !s.leaderTaken.Swap(true)
	n := len(s.workers)
	s.mu.Unlock()

	s.ring.Append(w)
	s.obs.Metrics.Gauge(metricThreads).Set(float64(n))

	s.wg.Add(1)
	go s.runWorker(w, isLeader)
}

// Queue schedules job for at-most-once execution. If ctx carries a
// worker tag (the call originates from inside one of this scheduler's
// own jobs), the job is pushed to that worker's local queue for cache
// locality; otherwise it lands on the global queue.
func (s *PooledScheduler) Queue(ctx context.Context, job Job) error {
	if s.closed.Load() {
		return ErrSchedulerClosed
	}
	s.obs.Metrics.Counter(metricQueued).Inc()

	if w, ok := s.workerFromContext(ctx); ok {
		w.local.LocalPush(job)
		return nil
	}

	select {
	case s.global <- job:
		return nil
	default:
	}
	// Global queue momentarily full: still must not drop work.
	s.global <- job
	return nil
}

// AddThread attaches one more worker, up to MaxThreads.
func (s *PooledScheduler) AddThread() error {
	return s.addWorker(false)
}

func (s *PooledScheduler) addWorker(transient bool) error {
	s.mu.Lock()
	full := len(s.workers) >= s.cfg.MaxThreads
	s.mu.Unlock()
	if full {
		return nil
	}
	s.startWorker(transient)
	return nil
}

// RemoveThread detaches the most recently added worker. Its goroutine
// finishes any in-flight job, redistributes whatever is left in its
// local queue to the remaining workers (via the global queue, since the
// deque's owner discipline forbids pushing into a peer's), and returns
// its bookkeeping to the free list.
func (s *PooledScheduler) RemoveThread() error {
	s.mu.Lock()
	if len(s.workers) <= 1 {
		s.mu.Unlock()
		return nil
	}
	w := s.workers[len(s.workers)-1]
	s.workers = s.workers[:len(s.workers)-1]
	n := len(s.workers)
	if !w.stopped {
		w.stopped = true
		close(w.stop)
	}
	s.mu.Unlock()

	s.ring.Remove(w)
	s.obs.Metrics.Gauge(metricThreads).Set(float64(n))
	return nil
}

// Shutdown stops every worker and drains whatever the pool had already
// accepted: in-flight jobs run to completion on their workers, each
// exiting worker flushes its local queue, and anything remaining on the
// global queue is run here. Further Queue calls return
// ErrSchedulerClosed.
func (s *PooledScheduler) Shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	for _, w := range s.workers {
		if !w.stopped {
			w.stopped = true
			close(w.stop)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()

	for {
		select {
		case job := <-s.global:
			s.runJob(context.Background(), job)
			continue
		default:
		}
		break
	}

	s.obs.Emit(context.Background(), hookShutdown, Event{ThreadCount: 0, Reason: "shutdown"})
	s.obs.Close()
}

func (s *PooledScheduler) runWorker(w *worker, leader bool) {
	ctx := contextWithWorker(context.Background(), s, w)

	// The exiting goroutine is the only safe owner-side drainer of its
	// deque, and the bookkeeping may be recycled only once it's done.
	defer func() {
		s.drainLocal(ctx, w)
		if leader {
			// Free the role so the next worker added can take over
			// growth sampling.
			s.leaderTaken.Store(false)
		}
		s.pool.Release(w)
		s.wg.Done()
	}()

	var quantumDeadline time.Time
	var completedThisQuantum int64
	if leader {
		quantumDeadline = s.clock.Now().Add(leaderQuantum)
	}

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		job, ok := w.local.LocalPop()
		if !ok {
			select {
			case job = <-s.global:
				ok = true
			default:
			}
		}
		if !ok {
			job, ok = s.stealFrom(w)
			if ok {
				s.obs.Metrics.Counter(metricStolen).Inc()
			}
		}
		if !ok {
			select {
			case job = <-s.global:
				ok = true
			case <-s.clock.After(blockTimeout):
				// A transient helper that sat out a whole block
				// timeout with nothing to do yields itself back to
				// the free list for reuse.
				if w.transient && s.retireWorker(w) {
					return
				}
			case <-w.stop:
				return
			}
		}

		if ok {
			s.runJob(ctx, job)
			completedThisQuantum++
		}

		if leader {
			now := s.clock.Now()
			if !now.Before(quantumDeadline) {
				s.maybeGrow(completedThisQuantum, w.local.Len())
				completedThisQuantum = 0
				quantumDeadline = now.Add(leaderQuantum)
			}
		}
	}
}

func (s *PooledScheduler) runJob(ctx context.Context, job Job) {
	_, span := s.obs.Tracer.StartSpan(ctx, spanRun)
	defer span.Finish()

	switch {
	case job.RunCtx != nil:
		job.RunCtx(ctx)
	case job.Run != nil:
		job.Run()
	}
	if job.OnDone != nil {
		job.OnDone()
	}
}

// stealFrom offers each peer queue, in ring order, one chance to give
// up an item. Apply bounds the walk to a single pass, so an all-empty
// ring costs one lap rather than a spin.
func (s *PooledScheduler) stealFrom(self *worker) (Job, bool) {
	var job Job
	stolen := s.ring.Apply(func(victim *worker) bool {
		if victim == self {
			return false
		}
		j, ok := victim.local.TryStealTimed(func() (bool, func()) {
			return victimTryLockTimed(victim, s.clock, stealTimeout)
		})
		if !ok {
			return false
		}
		job = j
		return true
	})
	return job, stolen
}

func victimTryLockTimed(victim *worker, clock clockz.Clock, timeout time.Duration) (bool, func()) {
	deadline := clock.After(timeout)
	for {
		if acquired, release := victim.local.TryLock(); acquired {
			return true, release
		}
		select {
		case <-deadline:
			return false, func() {}
		default:
		}
	}
}

// retireWorker detaches a transient worker that has gone idle; the
// caller (the worker itself) then returns from its loop, and the exit
// path drains any raced-in stragglers and recycles the bookkeeping.
// Returns false if the pool is already at its floor or the worker was
// detached by someone else (RemoveThread, Shutdown) in the meantime.
func (s *PooledScheduler) retireWorker(w *worker) bool {
	s.mu.Lock()
	if len(s.workers) <= s.cfg.MinThreads {
		s.mu.Unlock()
		return false
	}
	found := -1
	for i, x := range s.workers {
		if x == w {
			found = i
			break
		}
	}
	if found < 0 {
		s.mu.Unlock()
		return false
	}
	s.workers = append(s.workers[:found], s.workers[found+1:]...)
	n := len(s.workers)
	s.mu.Unlock()

	s.ring.Remove(w)
	s.obs.Metrics.Gauge(metricThreads).Set(float64(n))
	return true
}

// drainLocal redistributes whatever is left on an exiting worker's
// queue: to the global queue while there's room, inline otherwise, so
// detaching a worker never drops accepted work.
func (s *PooledScheduler) drainLocal(ctx context.Context, w *worker) {
	for {
		j, ok := w.local.LocalPop()
		if !ok {
			return
		}
		select {
		case s.global <- j:
		default:
			s.runJob(ctx, j)
		}
	}
}

func (s *PooledScheduler) maybeGrow(completed int64, queueLen int) {
	s.mu.Lock()
	atMax := len(s.workers) >= s.cfg.MaxThreads
	s.mu.Unlock()
	if atMax {
		return
	}
	if completed < int64(queueLen) {
		if err := s.addWorker(true); err != nil {
			klog.Programming(s.logger, "scheduler", "thread creation failed during leader growth")
			return
		}
		s.obs.Metrics.Counter(metricGrown).Inc()
		s.obs.Emit(context.Background(), hookGrew, Event{ThreadCount: len(s.workers), Reason: "backlog"})
	}
}
