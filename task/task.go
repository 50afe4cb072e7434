// Package task implements the asynchronous unit-of-work state machine:
// an execute phase, a callback/errback chain, dependency and observer
// edges, and cancellation, all driven by control messages posted to an
// internal port, exactly like every other control surface in this
// module.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-foundations/kernel/klog"
	"github.com/go-foundations/kernel/kmsg"
	"github.com/go-foundations/kernel/ktrace"
	"github.com/go-foundations/kernel/port"
	"github.com/go-foundations/kernel/scheduler"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// What values identify a Task's control messages. The exact integers
// carry no meaning outside this package.
const (
	msgExecute kmsg.What = iota
	msgCancel
	msgAddCallback
	msgAddDependency
	msgRemoveDependency
	msgAddObserver
	msgRemoveObserver
	msgDepFinished
	msgDepCancelled
	msgWorkFinished
	msgCallbacksFinished
	msgSetResult
	msgSetError
)

const (
	flagExecuting uint32 = 1 << iota
	flagCallbacksActive
	flagFinished
	flagCancelled
	flagAsync
	flagNeedExecute
)

const (
	metricExecuted = metricz.Key("task.executed.total")
	metricFinished = metricz.Key("task.finished.total")
	spanExecute    = tracez.Key("task.execute")
	spanCallback   = tracez.Key("task.callback")
	hookFinished   = hookz.Key("task.finished")
	hookError      = hookz.Key("task.error")
	ctrlPortBuffer = 64
)

// Error is a domain/code/message triple: a Task's error cell,
// distinct from a Go error returned at a system boundary.
type Error struct {
	Domain  int
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("task error (domain=%d code=%d): %s", e.Domain, e.Code, e.Message)
}

// ErrCancelled is the synthesized error visible to errback-tagged
// handlers once a task is cancelled.
var ErrCancelled = &Error{Domain: 0, Code: -1, Message: "task cancelled"}

// ErrAlreadyRunning is returned by SetMainContext once the task has
// started running, per the Open Question decision to prohibit
// re-assigning the main-context dispatcher mid-flight.
var ErrAlreadyRunning = errors.New("task: already running")

// Func is a task's primary execute-phase closure.
type Func func(ctx context.Context, t *Task) (any, error)

// CallbackFunc is a post-execute handler: it may read/set the task's
// result or error, add further handlers, or add dependencies on other
// tasks.
type CallbackFunc func(ctx context.Context, t *Task)

// HandlerKind tags a CallbackFunc with when it's eligible to run.
type HandlerKind int

const (
	// KindCallback runs only while the task has no error.
	KindCallback HandlerKind = iota
	// KindErrback runs only while the task has an error.
	KindErrback
	// KindBoth always runs.
	KindBoth
)

type handlerEntry struct {
	kind HandlerKind
	fn   CallbackFunc
}

// MainContextFunc dispatches fn onto whatever context a task's observer
// wants its completion notification delivered on: the Go analogue of a
// GMainContext.
type MainContextFunc func(fn func())

// Result is delivered to an attached async-result sink on completion.
type Result struct {
	Value     any
	HasValue  bool
	Err       *Error
	Cancelled bool
}

// Event is emitted on a Task's hook bundle on finish/error.
type Event struct {
	Result    any
	HasValue  bool
	Err       *Error
	Cancelled bool
}

type depHook func(ctx context.Context, self *Task, dep *Task)

// Task is an asynchronous unit of work: an execute phase followed by
// a callback/errback chain, gated on dependencies and driven entirely
// by control messages. The zero value is not usable; construct with
// New.
type Task struct {
	ctrlSched scheduler.Scheduler
	workSched scheduler.Scheduler
	ctrlPort  *port.Port
	ctrlRecv  *port.Receiver

	primary Func

	mu         sync.Mutex
	flags      uint32
	started    bool
	result     any
	hasResult  bool
	err        *Error
	handlers   []handlerEntry
	handlerIdx int
	deps       map[*Task]struct{}
	observers  map[*Task]struct{}
	mainCtx    MainContextFunc
	asyncCh    chan Result

	onDepFinishedHook  depHook
	onDepCancelledHook depHook

	inCallbackChain atomic.Bool

	obs    *ktrace.Bundle[Event]
	logger *klog.Logger
}

// Option configures a Task at construction.
type Option func(*Task)

// WithControlScheduler overrides the scheduler the task's internal
// control port runs on. Defaults to scheduler.DefaultControl().
func WithControlScheduler(s scheduler.Scheduler) Option {
	return func(t *Task) { t.ctrlSched = s }
}

// WithWorkScheduler overrides the scheduler the primary closure is
// dispatched on. Defaults to scheduler.Default().
func WithWorkScheduler(s scheduler.Scheduler) Option {
	return func(t *Task) { t.workSched = s }
}

// WithAsync marks the task as asynchronous: the primary closure must
// call WorkFinished itself once its result/error is ready, rather than
// having it inferred from the closure returning.
func WithAsync(async bool) Option {
	return func(t *Task) {
		if async {
			t.flags |= flagAsync
		}
	}
}

// WithMainContext sets the dispatcher completion notifications run on.
func WithMainContext(mc MainContextFunc) Option {
	return func(t *Task) { t.mainCtx = mc }
}

// WithAsyncResult attaches a channel that receives this task's Result
// exactly once, when it finishes.
func WithAsyncResult(ch chan Result) Option {
	return func(t *Task) { t.asyncCh = ch }
}

// WithLogger overrides the logger used for programming-error warnings.
func WithLogger(l *klog.Logger) Option {
	return func(t *Task) { t.logger = l }
}

// New creates a Task around primary. A nil primary is treated as a
// no-op closure, the shape composite tasks (AllOf/AnyOf) use.
func New(primary Func, opts ...Option) *Task {
	if primary == nil {
		primary = func(context.Context, *Task) (any, error) { return nil, nil }
	}

	t := &Task{
		primary:   primary,
		deps:      make(map[*Task]struct{}),
		observers: make(map[*Task]struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	if t.ctrlSched == nil {
		t.ctrlSched = scheduler.DefaultControl()
	}
	if t.workSched == nil {
		t.workSched = scheduler.Default()
	}
	if t.obs == nil {
		t.obs = ktrace.New[Event](
			[]metricz.Key{metricExecuted, metricFinished},
			nil,
		)
	}

	t.ctrlPort = port.NewPort()
	t.ctrlRecv = port.NewReceiver(t.ctrlSched, t.handleControl, port.WithMaxActive(1), port.WithLogger(t.logger))
	t.ctrlPort.SetReceiver(context.Background(), t.ctrlRecv)

	return t
}

// OnFinished registers a handler invoked once the task reaches the
// finished state.
func (t *Task) OnFinished(handler func(context.Context, Event) error) error {
	return t.obs.On(hookFinished, handler)
}

// OnError registers a handler invoked whenever the task finishes with
// an unhandled error.
func (t *Task) OnError(handler func(context.Context, Event) error) error {
	return t.obs.On(hookError, handler)
}

// Metrics exposes the task's counters.
func (t *Task) Metrics() *metricz.Registry { return t.obs.Metrics }

func (t *Task) post(ctx context.Context, what kmsg.What, payload any) {
	t.ctrlPort.Post(ctx, kmsg.New(what, payload))
}

// Run schedules the task's EXECUTE control message.
func (t *Task) Run(ctx context.Context) { t.post(ctx, msgExecute, nil) }

// Cancel schedules the task's CANCEL control message.
func (t *Task) Cancel(ctx context.Context) { t.post(ctx, msgCancel, nil) }

// WorkFinished posts WORK_FINISHED. Asynchronous tasks (WithAsync(true))
// must call this themselves once their primary closure's result/error is
// ready; synchronous tasks have it posted automatically.
func (t *Task) WorkFinished(ctx context.Context) { t.post(ctx, msgWorkFinished, nil) }

// AddCallback appends a callback-tagged handler: it runs only while the
// task has no error.
func (t *Task) AddCallback(ctx context.Context, fn CallbackFunc) {
	t.addHandler(ctx, handlerEntry{kind: KindCallback, fn: fn})
}

// AddErrback appends an errback-tagged handler: it runs only while the
// task has an error (including a synthesized cancellation error).
func (t *Task) AddErrback(ctx context.Context, fn CallbackFunc) {
	t.addHandler(ctx, handlerEntry{kind: KindErrback, fn: fn})
}

// AddBoth appends a handler that always runs regardless of error state.
func (t *Task) AddBoth(ctx context.Context, fn CallbackFunc) {
	t.addHandler(ctx, handlerEntry{kind: KindBoth, fn: fn})
}

func (t *Task) addHandler(ctx context.Context, h handlerEntry) {
	if t.inCallbackChain.Load() {
		t.mu.Lock()
		t.handlers = append(t.handlers, h)
		t.mu.Unlock()
		return
	}
	t.post(ctx, msgAddCallback, h)
}

// AddDependency makes this task wait for dep to finish before it may
// execute (or, if called from inside a running callback, before the
// callback chain may resume).
func (t *Task) AddDependency(ctx context.Context, dep *Task) {
	if t.inCallbackChain.Load() {
		t.onAddDependency(ctx, dep)
		return
	}
	t.post(ctx, msgAddDependency, dep)
}

// RemoveDependency undoes AddDependency.
func (t *Task) RemoveDependency(ctx context.Context, dep *Task) {
	if t.inCallbackChain.Load() {
		t.onRemoveDependency(ctx, dep)
		return
	}
	t.post(ctx, msgRemoveDependency, dep)
}

// SetResult sets the task's result cell, clearing any error. Called
// from inside a running handler it applies immediately, so the next
// handler in the chain observes the new result.
func (t *Task) SetResult(ctx context.Context, v any) {
	if t.inCallbackChain.Load() {
		t.mu.Lock()
		t.result = v
		t.hasResult = true
		t.err = nil
		t.mu.Unlock()
		return
	}
	t.post(ctx, msgSetResult, v)
}

// SetError sets the task's error cell, clearing any result. A plain
// error is wrapped as an *Error with only Message set; nil clears the
// cell ("catching" the error). Called from inside a running handler it
// applies immediately, so errback eligibility for the next handler
// reflects the change.
func (t *Task) SetError(ctx context.Context, err error) {
	var te *Error
	if e, ok := err.(*Error); ok {
		te = e
	} else if err != nil {
		te = &Error{Message: err.Error()}
	}
	if t.inCallbackChain.Load() {
		t.mu.Lock()
		t.err = te
		t.hasResult = false
		t.result = nil
		t.mu.Unlock()
		return
	}
	t.post(ctx, msgSetError, te)
}

// SetMainContext assigns the dispatcher completion notifications run
// on. Returns ErrAlreadyRunning if the task has already started
// executing, per the Open Question decision forbidding reassignment
// mid-flight.
func (t *Task) SetMainContext(mc MainContextFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrAlreadyRunning
	}
	t.mainCtx = mc
	return nil
}

// Result returns the task's result cell and whether it's set.
func (t *Task) Result() (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.hasResult
}

// Err returns the task's error cell, or nil.
func (t *Task) Err() *Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) flagsLoad() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flags
}

// IsFinished reports whether the task has reached the finished state.
func (t *Task) IsFinished() bool { return t.flagsLoad()&flagFinished != 0 }

// IsCancelled reports whether the task has been cancelled.
func (t *Task) IsCancelled() bool { return t.flagsLoad()&flagCancelled != 0 }

// IsExecuting reports whether the primary closure is currently running.
func (t *Task) IsExecuting() bool { return t.flagsLoad()&flagExecuting != 0 }

func (t *Task) isAsync() bool { return t.flagsLoad()&flagAsync != 0 }

// handleControl is the Task's control receiver handler: every mutation
// of task state happens here, serialized by the receiver's
// max-active-one gate, so nothing else in this file needs its own lock
// discipline beyond guarding cross-goroutine getters.
func (t *Task) handleControl(ctx context.Context, m *kmsg.Message, _ any) {
	switch m.What {
	case msgExecute:
		t.onExecute(ctx)
	case msgCancel:
		t.onCancel(ctx)
	case msgAddCallback:
		h := m.Data.(handlerEntry)
		t.mu.Lock()
		t.handlers = append(t.handlers, h)
		t.mu.Unlock()
	case msgAddDependency:
		t.onAddDependency(ctx, m.Data.(*Task))
	case msgRemoveDependency:
		t.onRemoveDependency(ctx, m.Data.(*Task))
	case msgAddObserver:
		t.mu.Lock()
		t.observers[m.Data.(*Task)] = struct{}{}
		t.mu.Unlock()
	case msgRemoveObserver:
		t.mu.Lock()
		delete(t.observers, m.Data.(*Task))
		t.mu.Unlock()
	case msgDepFinished:
		t.onDepFinished(ctx, m.Data.(*Task))
	case msgDepCancelled:
		t.onDepCancelled(ctx, m.Data.(*Task))
	case msgWorkFinished:
		t.onWorkFinished(ctx)
	case msgCallbacksFinished:
		t.onCallbacksFinished(ctx)
	case msgSetResult:
		t.mu.Lock()
		t.result = m.Data
		t.hasResult = true
		t.err = nil
		t.mu.Unlock()
	case msgSetError:
		var e *Error
		if m.Data != nil {
			e = m.Data.(*Error)
		}
		t.mu.Lock()
		t.err = e
		t.hasResult = false
		t.result = nil
		t.mu.Unlock()
	}
}

func (t *Task) onExecute(ctx context.Context) {
	t.mu.Lock()
	if t.flags&(flagExecuting|flagFinished) != 0 {
		t.mu.Unlock()
		return
	}
	if len(t.deps) > 0 {
		t.flags |= flagNeedExecute
		t.mu.Unlock()
		return
	}
	t.flags |= flagExecuting
	t.started = true
	t.mu.Unlock()

	t.dispatchExecute(ctx)
}

func (t *Task) dispatchExecute(ctx context.Context) {
	t.obs.Metrics.Counter(metricExecuted).Inc()
	err := t.workSched.Queue(ctx, scheduler.Job{
		Run: func() {
			_, span := t.obs.Tracer.StartSpan(ctx, spanExecute)
			defer span.Finish()

			if t.IsCancelled() {
				t.WorkFinished(ctx)
				return
			}

			result, err := t.primary(ctx, t)
			if t.isAsync() {
				return
			}

			t.mu.Lock()
			if t.flags&flagCancelled == 0 {
				if err != nil {
					t.err = &Error{Message: err.Error()}
					t.hasResult = false
				} else {
					t.result = result
					t.hasResult = true
					t.err = nil
				}
			}
			t.mu.Unlock()
			t.WorkFinished(ctx)
		},
	})
	if err != nil {
		// The work scheduler refused the dispatch; the task still has
		// to reach finished rather than hang its observers.
		klog.Error(t.logger, "task", err)
		t.mu.Lock()
		t.err = &Error{Message: err.Error()}
		t.hasResult = false
		t.mu.Unlock()
		t.WorkFinished(ctx)
	}
}

func (t *Task) onWorkFinished(ctx context.Context) {
	t.mu.Lock()
	t.flags &^= flagExecuting
	t.flags |= flagCallbacksActive
	t.handlerIdx = 0
	t.mu.Unlock()

	t.runCallbacks(ctx)
}

// runCallbacks advances the handler chain from handlerIdx, suspending
// (returning without posting CALLBACKS_FINISHED) if a handler adds a
// dependency; onDepFinished resumes by calling this again once that
// dependency clears.
func (t *Task) runCallbacks(ctx context.Context) {
	for {
		t.mu.Lock()
		if t.handlerIdx >= len(t.handlers) {
			t.mu.Unlock()
			break
		}
		h := t.handlers[t.handlerIdx]
		t.handlerIdx++
		hasErr := t.err != nil
		t.mu.Unlock()

		run := h.kind == KindBoth || (h.kind == KindCallback && !hasErr) || (h.kind == KindErrback && hasErr)
		if run {
			t.runHandler(ctx, h)
		}

		t.mu.Lock()
		waiting := len(t.deps) > 0
		t.mu.Unlock()
		if waiting {
			return
		}
	}

	t.post(ctx, msgCallbacksFinished, nil)
}

func (t *Task) runHandler(ctx context.Context, h handlerEntry) {
	_, span := t.obs.Tracer.StartSpan(ctx, spanCallback)
	defer span.Finish()

	t.inCallbackChain.Store(true)
	defer t.inCallbackChain.Store(false)

	defer func() {
		if r := recover(); r != nil {
			t.mu.Lock()
			t.err = &Error{Message: fmt.Sprint(r)}
			t.hasResult = false
			t.mu.Unlock()
		}
	}()
	h.fn(ctx, t)
}

func (t *Task) onCallbacksFinished(ctx context.Context) {
	t.mu.Lock()
	emptyHandlers := t.handlerIdx >= len(t.handlers)
	noDeps := len(t.deps) == 0
	if emptyHandlers && noDeps {
		t.flags &^= flagCallbacksActive
		t.mu.Unlock()
		t.finish(ctx)
		return
	}
	t.mu.Unlock()

	// A handler or dependency arrived between the chain draining and
	// this message; the chain stays active. With no deps pending we can
	// resume immediately, otherwise DEP_FINISHED will resume it.
	if noDeps {
		t.runCallbacks(ctx)
	}
}

func (t *Task) finish(ctx context.Context) {
	t.mu.Lock()
	if t.flags&flagFinished != 0 {
		t.mu.Unlock()
		return
	}
	t.flags |= flagFinished
	cancelled := t.flags&flagCancelled != 0
	result, hasResult, taskErr := t.result, t.hasResult, t.err
	mainCtx := t.mainCtx
	observers := make([]*Task, 0, len(t.observers))
	for o := range t.observers {
		observers = append(observers, o)
	}
	// Observer edges are torn down at notification time; a finished
	// task holds no references back into the dependency graph.
	t.observers = make(map[*Task]struct{})
	t.mu.Unlock()

	t.obs.Metrics.Counter(metricFinished).Inc()

	notify := msgDepFinished
	if cancelled {
		notify = msgDepCancelled
	}
	for _, o := range observers {
		o.post(ctx, notify, t)
	}

	res := Result{Value: result, HasValue: hasResult, Err: taskErr, Cancelled: cancelled}
	deliver := func() {
		if t.asyncCh != nil {
			select {
			case t.asyncCh <- res:
			default:
			}
		}
	}
	if mainCtx != nil {
		mainCtx(deliver)
	} else {
		deliver()
	}

	ev := Event{Result: result, HasValue: hasResult, Err: taskErr, Cancelled: cancelled}
	t.obs.Emit(ctx, hookFinished, ev)
	if taskErr != nil {
		t.obs.Emit(ctx, hookError, ev)
	}
}

func (t *Task) onCancel(ctx context.Context) {
	t.mu.Lock()
	if t.flags&flagFinished != 0 {
		t.mu.Unlock()
		return
	}
	if t.flags&flagCancelled != 0 {
		t.mu.Unlock()
		return
	}
	t.flags |= flagCancelled
	t.err = ErrCancelled
	t.hasResult = false
	executing := t.flags&flagExecuting != 0
	callbacksActive := t.flags&flagCallbacksActive != 0
	t.mu.Unlock()

	if executing || callbacksActive {
		// A running closure is polled cooperatively, not preempted; a
		// mid-chain callback run will simply see the error on its next
		// iteration. Either way WORK_FINISHED/CALLBACKS_FINISHED is
		// still coming.
		return
	}

	t.mu.Lock()
	t.flags |= flagCallbacksActive
	t.flags &^= flagNeedExecute
	t.handlerIdx = 0
	orphaned := make([]*Task, 0, len(t.deps))
	for d := range t.deps {
		orphaned = append(orphaned, d)
	}
	t.deps = make(map[*Task]struct{})
	t.mu.Unlock()

	// A cancelled task no longer waits on anything; detach from the
	// remaining deps so they stop holding an observer edge to us.
	for _, d := range orphaned {
		d.post(ctx, msgRemoveObserver, t)
	}
	t.runCallbacks(ctx)
}

func (t *Task) onAddDependency(ctx context.Context, dep *Task) {
	t.mu.Lock()
	t.deps[dep] = struct{}{}
	t.mu.Unlock()
	dep.post(ctx, msgAddObserver, t)
}

func (t *Task) onRemoveDependency(ctx context.Context, dep *Task) {
	t.mu.Lock()
	delete(t.deps, dep)
	empty := len(t.deps) == 0
	needExec := t.flags&flagNeedExecute != 0
	t.mu.Unlock()

	dep.post(ctx, msgRemoveObserver, t)

	if empty && needExec {
		t.mu.Lock()
		t.flags &^= flagNeedExecute
		t.flags |= flagExecuting
		t.started = true
		t.mu.Unlock()
		t.dispatchExecute(ctx)
	}
}

func (t *Task) onDepFinished(ctx context.Context, dep *Task) {
	if t.onDepFinishedHook != nil {
		t.onDepFinishedHook(ctx, t, dep)
		return
	}
	t.defaultDepFinished(ctx, dep)
}

func (t *Task) defaultDepFinished(ctx context.Context, dep *Task) {
	t.mu.Lock()
	delete(t.deps, dep)
	empty := len(t.deps) == 0
	needExec := t.flags&flagNeedExecute != 0
	callbacksActive := t.flags&flagCallbacksActive != 0
	t.mu.Unlock()

	if empty && needExec {
		t.mu.Lock()
		t.flags &^= flagNeedExecute
		t.flags |= flagExecuting
		t.started = true
		t.mu.Unlock()
		t.dispatchExecute(ctx)
	} else if empty && callbacksActive {
		t.runCallbacks(ctx)
	}
}

func (t *Task) onDepCancelled(ctx context.Context, dep *Task) {
	if t.onDepCancelledHook != nil {
		t.onDepCancelledHook(ctx, t, dep)
		return
	}

	t.mu.Lock()
	delete(t.deps, dep)
	alreadyCancelled := t.flags&flagCancelled != 0
	empty := len(t.deps) == 0
	callbacksActive := t.flags&flagCallbacksActive != 0
	t.mu.Unlock()

	if !alreadyCancelled {
		t.onCancel(ctx)
		return
	}
	// Already cancelled: this dep edge was the last thing a suspended
	// chain could have been waiting on.
	if empty && callbacksActive {
		t.runCallbacks(ctx)
	}
}
