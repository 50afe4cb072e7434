package task

import (
	"context"
	"errors"
	"sync"

	"github.com/go-foundations/kernel/kmsg"
	"github.com/go-foundations/kernel/port"
	"github.com/go-foundations/kernel/scheduler"
)

// ErrServiceStopped is returned by PostExclusive, PostConcurrent and
// Stop when the service has already been stopped.
var ErrServiceStopped = errors.New("task: service stopped")

// ExclusiveHandler handles messages posted on a Service's exclusive
// lane: no concurrent-lane message runs while one of these is in
// flight, and vice versa.
type ExclusiveHandler func(ctx context.Context, m *kmsg.Message)

// ConcurrentHandler handles messages posted on a Service's concurrent
// lane: many may run in parallel, but never overlapping an exclusive
// message.
type ConcurrentHandler func(ctx context.Context, m *kmsg.Message)

// Service is a long-running, message-driven worker built directly on
// the exclusive/concurrent/teardown coordination a CoordinationArbiter
// provides: one port per lane, one handler per port.
type Service struct {
	sched scheduler.Scheduler

	exclusivePort  *port.Port
	concurrentPort *port.Port
	teardownPort   *port.Port

	mu      sync.Mutex
	started bool
	stopped bool
}

// ServiceOption configures a Service at construction.
type ServiceOption func(*Service)

// WithServiceScheduler overrides the scheduler the service's ports run
// on. Defaults to scheduler.Default().
func WithServiceScheduler(s scheduler.Scheduler) ServiceOption {
	return func(svc *Service) { svc.sched = s }
}

// NewService creates a Service whose three lanes dispatch to the given
// handlers. The service is not started until Start is called.
func NewService(exclusive ExclusiveHandler, concurrent ConcurrentHandler, teardown func(ctx context.Context), opts ...ServiceOption) *Service {
	if exclusive == nil {
		exclusive = func(context.Context, *kmsg.Message) {}
	}
	if concurrent == nil {
		concurrent = func(context.Context, *kmsg.Message) {}
	}
	svc := &Service{
		exclusivePort:  port.NewPort(),
		concurrentPort: port.NewPort(),
		teardownPort:   port.NewPort(),
	}
	for _, o := range opts {
		o(svc)
	}
	if svc.sched == nil {
		svc.sched = scheduler.Default()
	}

	exclusiveRecv := port.NewReceiver(svc.sched, func(ctx context.Context, m *kmsg.Message, _ any) {
		exclusive(ctx, m)
	})
	concurrentRecv := port.NewReceiver(svc.sched, func(ctx context.Context, m *kmsg.Message, _ any) {
		concurrent(ctx, m)
	})
	teardownRecv := port.NewReceiver(svc.sched, func(ctx context.Context, _ *kmsg.Message, _ any) {
		if teardown != nil {
			teardown(ctx)
		}
		svc.mu.Lock()
		svc.started = false
		svc.stopped = true
		svc.mu.Unlock()
	}, port.WithPersistent(false))

	port.NewCoordinationArbiter(exclusiveRecv, concurrentRecv, teardownRecv)

	svc.exclusivePort.SetReceiver(context.Background(), exclusiveRecv)
	svc.concurrentPort.SetReceiver(context.Background(), concurrentRecv)
	svc.teardownPort.SetReceiver(context.Background(), teardownRecv)

	return svc
}

// Start marks the service as running. The ports and their arbiter are
// wired at construction, so a Service is usable before Start is called;
// Start only flips the reported IsStarted state.
func (svc *Service) Start(ctx context.Context) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.started = true
}

// PostExclusive posts m on the exclusive lane.
func (svc *Service) PostExclusive(ctx context.Context, m *kmsg.Message) error {
	if svc.isStopped() {
		return ErrServiceStopped
	}
	svc.exclusivePort.Post(ctx, m)
	return nil
}

// PostConcurrent posts m on the concurrent lane.
func (svc *Service) PostConcurrent(ctx context.Context, m *kmsg.Message) error {
	if svc.isStopped() {
		return ErrServiceStopped
	}
	svc.concurrentPort.Post(ctx, m)
	return nil
}

// Stop posts the (single, non-persistent) teardown message, draining
// every in-flight exclusive/concurrent handler first per the
// coordination arbiter's teardown row.
func (svc *Service) Stop(ctx context.Context) error {
	if svc.isStopped() {
		return ErrServiceStopped
	}
	svc.teardownPort.Post(ctx, kmsg.New(0, nil))
	return nil
}

// IsStarted reports whether Start has been called and Stop has not yet
// completed.
func (svc *Service) IsStarted() bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.started
}

func (svc *Service) isStopped() bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.stopped
}
