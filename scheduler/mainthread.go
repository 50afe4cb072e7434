package scheduler

import (
	"context"
)

// MainThreadScheduler adapts Scheduler to an external event loop: Queue
// only appends to an in-process channel; a loop source (Run) drains it
// from whatever goroutine is acting as "the main thread" and runs items
// to completion there. No stealing, no per-thread queues, no
// cancellation at this layer. Queue only posts to an in-process
// channel the loop reads.
type MainThreadScheduler struct {
	fifo   chan Job
	closed chan struct{}
}

// NewMainThreadScheduler creates a scheduler whose FIFO holds up to
// capacity pending jobs before Queue blocks the submitter.
func NewMainThreadScheduler(capacity int) *MainThreadScheduler {
	if capacity < 1 {
		capacity = 1
	}
	return &MainThreadScheduler{
		fifo:   make(chan Job, capacity),
		closed: make(chan struct{}),
	}
}

// Queue appends job to the FIFO. It never routes to a "local queue"
// (there is only ever one thread here) and blocks the caller only if the
// FIFO is momentarily full, same as the pooled scheduler's global queue.
func (s *MainThreadScheduler) Queue(_ context.Context, job Job) error {
	select {
	case <-s.closed:
		return ErrSchedulerClosed
	default:
	}
	select {
	case s.fifo <- job:
		return nil
	case <-s.closed:
		return ErrSchedulerClosed
	}
}

// AddThread and RemoveThread are no-ops: the main-thread scheduler has
// exactly one consumer, the goroutine calling Run.
func (s *MainThreadScheduler) AddThread() error    { return nil }
func (s *MainThreadScheduler) RemoveThread() error { return nil }

// Run drains the FIFO on the calling goroutine until ctx is cancelled or
// Shutdown is called, running each job to completion before popping the
// next. This is the "loop source" the event loop is expected to invoke
// once per iteration, or to run as its own dedicated loop.
func (s *MainThreadScheduler) Run(ctx context.Context) {
	for {
		select {
		case job := <-s.fifo:
			switch {
			case job.RunCtx != nil:
				job.RunCtx(ctx)
			case job.Run != nil:
				job.Run()
			}
			if job.OnDone != nil {
				job.OnDone()
			}
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		}
	}
}

// Shutdown closes the FIFO; further Queue calls return
// ErrSchedulerClosed. Cancellation of in-flight work is not supported
// at this layer.
func (s *MainThreadScheduler) Shutdown() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}
