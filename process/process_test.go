package process_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-foundations/kernel/process"
	"github.com/go-foundations/kernel/scheduler"
	"github.com/stretchr/testify/require"
)

func newTestSchedulers(t *testing.T) (scheduler.Scheduler, scheduler.Scheduler) {
	ctrl := scheduler.New(scheduler.Config{MinThreads: 1, MaxThreads: 2})
	work := scheduler.New(scheduler.Config{MinThreads: 2, MaxThreads: 4})
	t.Cleanup(ctrl.Shutdown)
	t.Cleanup(work.Shutdown)
	return ctrl, work
}

func testOpts[T any](ctrl, work scheduler.Scheduler) []process.Option[T] {
	return []process.Option[T]{
		process.WithControlScheduler[T](ctrl),
		process.WithWorkScheduler[T](work),
	}
}

func TestProcessProcessesEveryItem(t *testing.T) {
	ctrl, work := newTestSchedulers(t)

	var counter atomic.Int64
	p := process.New(func(ctx context.Context, self *process.Process[int], item int) {
		counter.Add(1)
	}, testOpts[int](ctrl, work)...)

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.True(t, p.Enqueue(ctx, i))
	}
	p.Run(ctx)
	p.NoMoreWork(ctx)

	require.Eventually(t, p.HasSucceeded, 5*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 50, counter.Load())
	require.EqualValues(t, 50, p.ProcessedItems())
	require.EqualValues(t, 50, p.TotalItems())
}

func TestProcessedNeverExceedsTotal(t *testing.T) {
	ctrl, work := newTestSchedulers(t)

	p := process.New(func(ctx context.Context, self *process.Process[int], item int) {
		time.Sleep(time.Millisecond)
	}, testOpts[int](ctrl, work)...)

	ctx := context.Background()
	p.Run(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 30; i++ {
			p.Enqueue(ctx, i)
		}
		p.NoMoreWork(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for !p.HasSucceeded() {
		require.LessOrEqual(t, p.ProcessedItems(), p.TotalItems())
		select {
		case <-deadline:
			t.Fatal("process never completed")
		case <-time.After(time.Millisecond):
		}
	}
	<-done
	require.EqualValues(t, 30, p.ProcessedItems())
}

func TestNoMoreWorkIsIdempotent(t *testing.T) {
	ctrl, work := newTestSchedulers(t)

	p := process.New(func(ctx context.Context, self *process.Process[int], item int) {
	}, testOpts[int](ctrl, work)...)

	ctx := context.Background()
	p.Enqueue(ctx, 1)
	p.NoMoreWork(ctx)
	p.NoMoreWork(ctx)
	p.Run(ctx)

	require.Eventually(t, p.HasSucceeded, 5*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, p.ProcessedItems())
}

func TestEnqueueAfterNoMoreWorkIsRefused(t *testing.T) {
	ctrl, work := newTestSchedulers(t)

	p := process.New(func(ctx context.Context, self *process.Process[int], item int) {
	}, testOpts[int](ctrl, work)...)

	ctx := context.Background()
	require.True(t, p.Enqueue(ctx, 1))
	p.NoMoreWork(ctx)
	require.False(t, p.Enqueue(ctx, 2))
	require.EqualValues(t, 1, p.TotalItems())

	p.Run(ctx)
	require.Eventually(t, p.HasSucceeded, 5*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, p.ProcessedItems())
}

func TestRecurseBypassesNoMoreWork(t *testing.T) {
	ctrl, work := newTestSchedulers(t)

	var processed atomic.Int64
	p := process.New(func(ctx context.Context, self *process.Process[int], item int) {
		processed.Add(1)
		if item > 0 {
			self.Recurse(ctx, item-1)
		}
	}, testOpts[int](ctrl, work)...)

	ctx := context.Background()
	p.Enqueue(ctx, 4)
	p.NoMoreWork(ctx)
	p.Run(ctx)

	// 4 recursions plus the seed item.
	require.Eventually(t, p.HasSucceeded, 5*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 5, processed.Load())
	require.EqualValues(t, 5, p.TotalItems())
}

func TestCancelRunsErrbackAndStopsWork(t *testing.T) {
	ctrl, work := newTestSchedulers(t)

	started := make(chan struct{})
	block := make(chan struct{})
	var processed atomic.Int64
	p := process.New(func(ctx context.Context, self *process.Process[int], item int) {
		if processed.Add(1) == 1 {
			close(started)
			<-block
		}
	}, testOpts[int](ctrl, work)...)

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		p.Enqueue(ctx, i)
	}
	p.Run(ctx)

	<-started
	p.Cancel(ctx)
	close(block)

	require.Eventually(t, p.IsFinished, 5*time.Second, 5*time.Millisecond)
	require.True(t, p.IsCancelled())
	require.False(t, p.HasSucceeded())
	require.Less(t, processed.Load(), int64(100))
}

func TestSetTitleIsVisible(t *testing.T) {
	ctrl, work := newTestSchedulers(t)

	p := process.New(func(ctx context.Context, self *process.Process[int], item int) {
	}, append(testOpts[int](ctrl, work), process.WithTitle[int]("indexing"))...)

	require.Equal(t, "indexing", p.Title())
	p.SetTitle(context.Background(), "reindexing")
	require.Equal(t, "reindexing", p.Title())
}
