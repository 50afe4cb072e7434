package port

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-foundations/kernel/klog"
	"github.com/go-foundations/kernel/kmsg"
	"github.com/go-foundations/kernel/ktrace"
	"github.com/go-foundations/kernel/scheduler"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

const (
	metricHandled = metricz.Key("receiver.handled.total")
	metricActive  = metricz.Key("receiver.active.current")
	spanHandle    = tracez.Key("receiver.handle")
	hookHandled   = hookz.Key("receiver.handled")
)

// Event is emitted on a Receiver's hook bundle once its handler returns.
type Event struct {
	What kmsg.What
}

// HandlerFunc is the user callback a Receiver invokes per delivered
// message, given the receiver's own per-instance data.
type HandlerFunc func(ctx context.Context, m *kmsg.Message, data any)

// Receiver is a scheduler-bound consumer attached to a Port: it runs
// HandlerFunc once per accepted message, under whatever Arbiter (if any)
// gates its concurrency.
//
// The zero value is not usable; construct with NewReceiver.
type Receiver struct {
	sched   scheduler.Scheduler
	arbiter Arbiter
	handler HandlerFunc
	data    any

	persistent bool
	maxActive  int32

	completed atomic.Bool
	active    atomic.Int32
	attached  atomic.Pointer[Port]

	mu   sync.Mutex
	held *kmsg.Message

	obs    *ktrace.Bundle[Event]
	logger *klog.Logger
}

// Option configures a Receiver at construction.
type Option func(*Receiver)

// WithArbiter attaches an Arbiter that gates when this receiver may take
// its next message.
func WithArbiter(a Arbiter) Option {
	return func(r *Receiver) { r.arbiter = a }
}

// WithData sets the receiver's data value, passed unchanged to every
// HandlerFunc call.
func WithData(data any) Option {
	return func(r *Receiver) { r.data = data }
}

// WithMaxActive bounds the number of concurrently in-flight handler
// invocations. Zero (the default) means unlimited.
func WithMaxActive(n int) Option {
	return func(r *Receiver) { r.maxActive = int32(n) }
}

// WithPersistent overrides the default (true): false means the receiver
// accepts at most one message over its lifetime.
func WithPersistent(persistent bool) Option {
	return func(r *Receiver) { r.persistent = persistent }
}

// WithLogger overrides the logger used for programming-error warnings.
func WithLogger(l *klog.Logger) Option {
	return func(r *Receiver) { r.logger = l }
}

// NewReceiver creates a Receiver bound to sched, running handler for
// every message it accepts.
func NewReceiver(sched scheduler.Scheduler, handler HandlerFunc, opts ...Option) *Receiver {
	r := &Receiver{
		sched:      sched,
		handler:    handler,
		persistent: true,
	}
	for _, o := range opts {
		o(r)
	}
	if r.obs == nil {
		r.obs = ktrace.New[Event](
			[]metricz.Key{metricHandled},
			[]metricz.Key{metricActive},
		)
	}
	return r
}

// Metrics exposes the receiver's counters/gauges.
func (r *Receiver) Metrics() *metricz.Registry { return r.obs.Metrics }

// OnHandled registers a handler invoked after every accepted message
// finishes running.
func (r *Receiver) OnHandled(handler func(context.Context, Event) error) error {
	return r.obs.On(hookHandled, handler)
}

// IsCompleted reports whether a non-persistent receiver has already
// consumed its one message.
func (r *Receiver) IsCompleted() bool { return r.completed.Load() }

// ActiveCount reports the number of handler invocations currently in
// flight.
func (r *Receiver) ActiveCount() int { return int(r.active.Load()) }

// Deliver is Port's entry point: decide whether m can run now, and if
// so, schedule it. Deliver never consumes the caller's reference; the
// scheduled run and the arbiter park each take their own (see schedule
// and release), and the port settles its share from the returned
// status.
func (r *Receiver) Deliver(ctx context.Context, m *kmsg.Message) DeliveryStatus {
	// Fast path: no arbiter, no concurrency cap. The flood gates are
	// open and we never need the mutex.
	if r.arbiter == nil && r.maxActive == 0 {
		r.active.Add(1)
		if !r.persistent && !r.completed.CompareAndSwap(false, true) {
			r.active.Add(-1)
			return Remove
		}
		r.schedule(ctx, m)
		if r.persistent {
			return Accepted
		}
		return AcceptedRemove
	}

	r.mu.Lock()

	if r.completed.Load() {
		r.mu.Unlock()
		return Remove
	}

	if (r.maxActive > 0 && r.active.Load() >= r.maxActive) || r.held != nil {
		r.mu.Unlock()
		return Pause
	}

	decision := Now
	if r.arbiter != nil {
		decision = r.arbiter.CanReceive(r)
	}

	switch decision {
	case Later:
		r.held = m.Ref()
		r.mu.Unlock()
		return AcceptedPause
	case Never:
		r.mu.Unlock()
		return Remove
	}

	r.active.Add(1)
	execute := true
	if !r.persistent && !r.completed.CompareAndSwap(false, true) {
		execute = false
		r.active.Add(-1)
	}
	r.mu.Unlock()

	if !execute {
		return Remove
	}
	r.schedule(ctx, m)
	if r.persistent {
		return Accepted
	}
	return AcceptedRemove
}

// release is invoked by an Arbiter (under no lock of its own; the
// "plan applied after the lock is released" pattern) once it has
// decided this receiver's held message may now run.
func (r *Receiver) release(ctx context.Context) {
	r.mu.Lock()
	m := r.held
	r.held = nil
	if m == nil {
		r.mu.Unlock()
		return
	}
	if r.completed.Load() {
		r.mu.Unlock()
		m.Unref()
		return
	}

	r.active.Add(1)
	execute := true
	if !r.persistent && !r.completed.CompareAndSwap(false, true) {
		execute = false
		r.active.Add(-1)
	}
	r.mu.Unlock()

	if execute {
		// schedule takes its own reference; drop the one the park took.
		r.schedule(ctx, m)
	}
	m.Unref()
}

func (r *Receiver) schedule(ctx context.Context, m *kmsg.Message) {
	m.Ref()
	err := r.sched.Queue(ctx, scheduler.Job{
		Run: func() {
			_, span := r.obs.Tracer.StartSpan(ctx, spanHandle)
			defer span.Finish()
			r.handler(ctx, m, r.data)
			m.Unref()
		},
		OnDone: func() {
			r.active.Add(-1)
			r.obs.Metrics.Counter(metricHandled).Inc()
			if r.arbiter != nil {
				r.arbiter.ReceiveCompleted(r)
			}
			// A completed handler may have freed capacity: replay
			// whatever the port parked while we were saturated.
			if pt := r.attached.Load(); pt != nil {
				pt.Flush(ctx)
			}
			r.obs.Emit(ctx, hookHandled, Event{What: m.What})
		},
	})
	if err != nil {
		klog.Error(r.logger, "receiver", err)
		r.active.Add(-1)
		m.Unref()
	}
}
