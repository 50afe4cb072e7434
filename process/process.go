// Package process implements the stream-processing extension of task:
// a second port feeds a bulk work queue drained by a user work
// function, processes chain source-to-sink into pipelines, and
// progress is reported to registered watch ports over the wire-level
// protocol in watch.go.
package process

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-foundations/kernel/klog"
	"github.com/go-foundations/kernel/kmsg"
	"github.com/go-foundations/kernel/ktrace"
	"github.com/go-foundations/kernel/port"
	"github.com/go-foundations/kernel/scheduler"
	"github.com/go-foundations/kernel/task"
	"github.com/go-foundations/kernel/wsqueue"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Work-port message kinds. The work port carries bulk items plus the
// two inter-process chain notifications; everything task-level still
// goes through the embedded Task's own control port.
const (
	msgWorkItem kmsg.What = iota
	msgChainEstimate
	msgSourceFinished
)

const (
	metricProcessed = metricz.Key("process.processed.items")
	metricTotal     = metricz.Key("process.total.items")
	metricEstimated = metricz.Key("process.estimated.items")
	spanWork        = tracez.Key("process.work")
	hookProgress    = hookz.Key("process.progress")
	hookComplete    = hookz.Key("process.complete")

	workQueueSize = 256
	loopQuantum   = time.Second
	idlePoll      = time.Millisecond
)

// WorkFunc is invoked once per work item, on the work scheduler. It may
// call Forward to push derived items into the successor process, or
// Recurse to push follow-up items back into this one.
type WorkFunc[T any] func(ctx context.Context, p *Process[T], item T)

// ProgressEvent is emitted on the process's hook bundle alongside (not
// instead of) the message-based watch protocol.
type ProgressEvent struct {
	Processed int64
	Total     int64
	Estimated int64
	Fraction  float64
	Cancelled bool
}

// Process is a Task whose work is a stream of items rather than a
// single closure: callers enqueue items, the execution loop pops them
// and hands each to the work function, and counters drive the progress
// protocol. Construct with New; the zero value is not usable.
type Process[T any] struct {
	*task.Task

	workSched scheduler.Scheduler
	ctrlSched scheduler.Scheduler
	clock     clockz.Clock
	logger    *klog.Logger

	workFn    WorkFunc[T]
	workPort  *port.Port
	workRecv  *port.Receiver
	workQueue *wsqueue.Queue[T]

	processed  atomic.Int64
	total      atomic.Int64
	estimated  atomic.Int64
	factorBits atomic.Uint64 // math.Float64bits of the output-estimate factor
	noMore     atomic.Bool

	title atomic.Pointer[string]

	source atomic.Pointer[Process[T]]
	sink   atomic.Pointer[Process[T]]

	mode          ProgressMode
	pulseInterval time.Duration

	watchMu        sync.Mutex
	watches        []*port.Port
	lastPulse      time.Time
	watchTotalSeen int64

	terminalSent atomic.Bool

	taskOpts []task.Option

	obs *ktrace.Bundle[ProgressEvent]
}

// Option configures a Process at construction.
type Option[T any] func(*Process[T])

// WithWorkScheduler overrides the scheduler the execution loop and
// work function run on. Defaults to scheduler.Default().
func WithWorkScheduler[T any](s scheduler.Scheduler) Option[T] {
	return func(p *Process[T]) { p.workSched = s }
}

// WithControlScheduler overrides the scheduler the embedded task's
// control port (and the work port's receiver) runs on.
func WithControlScheduler[T any](s scheduler.Scheduler) Option[T] {
	return func(p *Process[T]) {
		p.ctrlSched = s
		p.taskOpts = append(p.taskOpts, task.WithControlScheduler(s))
	}
}

// WithClock overrides the clock driving the loop quantum and the
// progress-pulse throttle, for deterministic tests.
func WithClock[T any](c clockz.Clock) Option[T] {
	return func(p *Process[T]) { p.clock = c }
}

// WithProgressMode sets how progress is reported to watch ports.
// Defaults to Discrete. Watchers inherit whatever mode the process has.
func WithProgressMode[T any](m ProgressMode) Option[T] {
	return func(p *Process[T]) { p.mode = m }
}

// WithPulseInterval overrides the ~200ms progress throttle.
func WithPulseInterval[T any](d time.Duration) Option[T] {
	return func(p *Process[T]) { p.pulseInterval = d }
}

// WithTitle sets the initial human-readable title.
func WithTitle[T any](title string) Option[T] {
	return func(p *Process[T]) { p.title.Store(&title) }
}

// WithLogger overrides the logger used for programming-error warnings.
func WithLogger[T any](l *klog.Logger) Option[T] {
	return func(p *Process[T]) { p.logger = l }
}

// New creates a Process around workFn. The process does nothing until
// Run is called; items may be enqueued before or after Run.
func New[T any](workFn WorkFunc[T], opts ...Option[T]) *Process[T] {
	p := &Process[T]{
		workFn:        workFn,
		workQueue:     wsqueue.New[T](workQueueSize),
		mode:          Discrete,
		pulseInterval: defaultPulseInterval,
		clock:         clockz.RealClock,
	}
	p.factorBits.Store(math.Float64bits(1.0))
	for _, o := range opts {
		o(p)
	}
	if p.workSched == nil {
		p.workSched = scheduler.Default()
	}
	if p.ctrlSched == nil {
		p.ctrlSched = scheduler.DefaultControl()
	}
	p.obs = ktrace.New[ProgressEvent](
		nil,
		[]metricz.Key{metricProcessed, metricTotal, metricEstimated},
	)

	p.taskOpts = append(p.taskOpts,
		task.WithAsync(true),
		task.WithWorkScheduler(p.workSched),
		task.WithLogger(p.logger),
	)
	p.Task = task.New(func(ctx context.Context, _ *task.Task) (any, error) {
		p.runLoop(ctx)
		return nil, nil
	}, p.taskOpts...)

	p.workPort = port.NewPort()
	p.workRecv = port.NewReceiver(p.ctrlSched, p.handleWork,
		port.WithMaxActive(1), port.WithLogger(p.logger))
	p.workPort.SetReceiver(context.Background(), p.workRecv)

	_ = p.Task.OnFinished(func(ctx context.Context, ev task.Event) error {
		p.onTaskFinished(ctx, ev.Cancelled)
		return nil
	})

	return p
}

// Metrics exposes the process's item gauges.
func (p *Process[T]) Metrics() *metricz.Registry { return p.obs.Metrics }

// OnProgress registers a handler invoked on every throttled progress
// update, alongside the message-based watch protocol.
func (p *Process[T]) OnProgress(handler func(context.Context, ProgressEvent) error) error {
	return p.obs.On(hookProgress, handler)
}

// OnComplete registers a handler invoked once, at terminal
// COMPLETE/CANCELLED time.
func (p *Process[T]) OnComplete(handler func(context.Context, ProgressEvent) error) error {
	return p.obs.On(hookComplete, handler)
}

// Enqueue submits one work item. Refused (logged, no-op, returns false)
// once NoMoreWork has been called.
func (p *Process[T]) Enqueue(ctx context.Context, item T) bool {
	if p.noMore.Load() {
		klog.Programming(p.logger, "process", "enqueue after no-more-work; item dropped")
		return false
	}
	p.enqueueItem(ctx, item)
	return true
}

// Recurse enqueues item back into this process from inside its own work
// function, bypassing the no-more-work check: total_items is
// incremented before the posting work function returns, so the loop's
// processed < total invariant still holds.
func (p *Process[T]) Recurse(ctx context.Context, item T) {
	p.enqueueItem(ctx, item)
}

// Forward enqueues item into the successor process. Requires a sink;
// without one the call is logged and dropped.
func (p *Process[T]) Forward(ctx context.Context, item T) bool {
	sink := p.sink.Load()
	if sink == nil {
		klog.Programming(p.logger, "process", "forward with no sink attached; item dropped")
		return false
	}
	sink.enqueueItem(ctx, item)
	return true
}

func (p *Process[T]) enqueueItem(ctx context.Context, item T) {
	p.total.Add(1)
	p.obs.Metrics.Gauge(metricTotal).Set(float64(p.total.Load()))
	p.postOutputEstimate(ctx)
	p.workPort.Post(ctx, kmsg.New(msgWorkItem, item))
}

// NoMoreWork marks the input stream closed: the loop may now break once
// every accepted item has been processed. Idempotent.
func (p *Process[T]) NoMoreWork(ctx context.Context) {
	p.noMore.Store(true)
}

// HasNoMoreWork reports whether the input stream has been closed.
func (p *Process[T]) HasNoMoreWork() bool { return p.noMore.Load() }

// ProcessedItems returns the number of items the work function has
// completed so far.
func (p *Process[T]) ProcessedItems() int64 { return p.processed.Load() }

// TotalItems returns the number of items accepted so far.
func (p *Process[T]) TotalItems() int64 { return p.total.Load() }

// EstimatedTotalItems returns the chain-estimated upper bound on total
// items, or the concrete total once the source has finished.
func (p *Process[T]) EstimatedTotalItems() int64 { return p.estimated.Load() }

// HasSucceeded reports whether the process finished without
// cancellation or error, the condition a chained successor waits on.
func (p *Process[T]) HasSucceeded() bool {
	return p.IsFinished() && !p.IsCancelled() && p.Err() == nil
}

// SetTitle changes the process's human-readable label, pushing a TITLE
// message to every attached watch port.
func (p *Process[T]) SetTitle(ctx context.Context, title string) {
	p.title.Store(&title)
	p.postToWatches(ctx, kmsg.New(WatchTitle, title))
}

// Title returns the current label, or "".
func (p *Process[T]) Title() string {
	if t := p.title.Load(); t != nil {
		return *t
	}
	return ""
}

// SetOutputEstimation sets the factor converting this process's item
// count into an estimate of its output (forwarded) item count, and
// re-posts the chain estimate. Factor must be positive; anything else
// is logged and ignored.
func (p *Process[T]) SetOutputEstimation(ctx context.Context, factor float64) {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		klog.Programming(p.logger, "process", "output estimation factor must be positive; ignored")
		return
	}
	p.factorBits.Store(math.Float64bits(factor))
	p.postOutputEstimate(ctx)
}

// OutputEstimation returns the current output-estimate factor.
func (p *Process[T]) OutputEstimation() float64 {
	return math.Float64frombits(p.factorBits.Load())
}

// Source returns the predecessor process, or nil.
func (p *Process[T]) Source() *Process[T] { return p.source.Load() }

// Sink returns the successor process, or nil.
func (p *Process[T]) Sink() *Process[T] { return p.sink.Load() }

// Run starts the process and, per the chain contract, its successor.
func (p *Process[T]) Run(ctx context.Context) {
	p.Task.Run(ctx)
	if sink := p.sink.Load(); sink != nil {
		sink.Run(ctx)
	}
}

// Cancel cancels the process and, per the chain contract, its source,
// transitively back to the head.
func (p *Process[T]) Cancel(ctx context.Context) {
	p.Task.Cancel(ctx)
	if src := p.source.Load(); src != nil {
		src.Cancel(ctx)
	}
}

// handleWork is the work receiver's handler: it drains the work port
// into the work queue and services the two chain notifications.
func (p *Process[T]) handleWork(ctx context.Context, m *kmsg.Message, _ any) {
	switch m.What {
	case msgWorkItem:
		p.workQueue.LocalPush(m.Data.(T))
	case msgChainEstimate:
		p.raiseEstimate(ctx, m.Data.(int64))
	case msgSourceFinished:
		// The concrete total is now final; snap the estimate to it.
		p.estimated.Store(p.total.Load())
		p.obs.Metrics.Gauge(metricEstimated).Set(float64(p.total.Load()))
	}
}

// raiseEstimate applies a CHAIN_ESTIMATE: estimated_total_items moves
// only upward, and a raise re-propagates downstream.
func (p *Process[T]) raiseEstimate(ctx context.Context, estimate int64) {
	for {
		cur := p.estimated.Load()
		if estimate <= cur {
			return
		}
		if p.estimated.CompareAndSwap(cur, estimate) {
			break
		}
	}
	p.obs.Metrics.Gauge(metricEstimated).Set(float64(estimate))
	p.postOutputEstimate(ctx)
}

// postOutputEstimate recomputes base × factor and posts it to the sink,
// where base is the estimated total once one has arrived from upstream
// and the concrete total otherwise. Called on any change to the total,
// the estimate or the factor; must be safe from any goroutine.
func (p *Process[T]) postOutputEstimate(ctx context.Context) {
	sink := p.sink.Load()
	if sink == nil {
		return
	}
	base := p.estimated.Load()
	if base == 0 {
		base = p.total.Load()
	}
	if base == 0 {
		return
	}
	estimate := int64(float64(base) * p.OutputEstimation())
	sink.workPort.Post(ctx, kmsg.New(msgChainEstimate, estimate))
}

// runLoop is one scheduling quantum of the execution loop: it
// pops and processes items until cancelled, out of work, or the quantum
// expires, then either finishes the task or re-queues itself.
func (p *Process[T]) runLoop(ctx context.Context) {
	start := p.clock.Now()

	for {
		if p.IsCancelled() {
			p.WorkFinished(ctx)
			return
		}

		if p.clock.Since(start) > loopQuantum {
			p.yield(ctx, false)
			return
		}

		p.maybePulse(ctx, false)

		item, ok := p.workQueue.Steal()
		if !ok {
			src := p.source.Load()
			switch {
			case src != nil && src.HasSucceeded() &&
				p.processed.Load() == p.total.Load():
				p.WorkFinished(ctx)
				return
			case src != nil && src.IsFinished() && !src.HasSucceeded():
				// The predecessor can never feed us again; a tail
				// cannot outlive its head's failure.
				p.Task.Cancel(ctx)
				p.yield(ctx, true)
				return
			case src == nil && p.noMore.Load() &&
				p.processed.Load() == p.total.Load():
				p.WorkFinished(ctx)
				return
			default:
				p.yield(ctx, true)
				return
			}
		}

		p.runWorkItem(ctx, item)
		p.processed.Add(1)
		p.obs.Metrics.Gauge(metricProcessed).Set(float64(p.processed.Load()))
	}
}

func (p *Process[T]) runWorkItem(ctx context.Context, item T) {
	_, span := p.obs.Tracer.StartSpan(ctx, spanWork)
	defer span.Finish()
	p.workFn(ctx, p, item)
}

// yield re-queues the loop on the work scheduler, giving other tasks a
// turn. A busy yield re-queues synchronously from the worker itself, so
// the submission lands on that worker's local queue; an idle yield (no
// item was available) waits one poll interval off-worker first so a
// starved process doesn't spin, and must therefore go through the
// global queue.
func (p *Process[T]) yield(ctx context.Context, idle bool) {
	requeue := func(qctx context.Context) {
		err := p.workSched.Queue(qctx, scheduler.Job{
			RunCtx: func(wctx context.Context) { p.runLoop(wctx) },
		})
		if err != nil {
			klog.Error(p.logger, "process", err)
			p.WorkFinished(ctx)
		}
	}
	if !idle {
		requeue(ctx)
		return
	}
	go func() {
		<-p.clock.After(idlePoll)
		requeue(context.Background())
	}()
}

// onTaskFinished runs once the embedded task reaches finished: it
// notifies the sink that its source is done and emits the terminal
// watch message.
func (p *Process[T]) onTaskFinished(ctx context.Context, cancelled bool) {
	if !p.terminalSent.CompareAndSwap(false, true) {
		return
	}

	if !cancelled {
		if sink := p.sink.Load(); sink != nil {
			sink.workPort.Post(ctx, kmsg.New(msgSourceFinished, nil))
		}
	}

	what := WatchComplete
	if cancelled {
		what = WatchCancelled
	} else {
		// Final forced update so watchers see the true item counts
		// before the terminal message.
		p.maybePulse(ctx, true)
	}
	p.postToWatches(ctx, kmsg.New(what, nil))
	p.obs.Emit(ctx, hookComplete, p.progressEvent(cancelled))
}

func (p *Process[T]) progressEvent(cancelled bool) ProgressEvent {
	processed := p.processed.Load()
	total := p.total.Load()
	estimated := p.estimated.Load()
	denom := total
	if estimated > denom {
		denom = estimated
	}
	fraction := 0.0
	if denom > 0 {
		fraction = float64(processed) / float64(denom)
	}
	return ProgressEvent{
		Processed: processed,
		Total:     total,
		Estimated: estimated,
		Fraction:  fraction,
		Cancelled: cancelled,
	}
}
