package task_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-foundations/kernel/kmsg"
	"github.com/go-foundations/kernel/scheduler"
	"github.com/go-foundations/kernel/task"
	"github.com/stretchr/testify/require"
)

func newServiceScheduler(t *testing.T) *scheduler.PooledScheduler {
	s := scheduler.New(scheduler.Config{MinThreads: 2, MaxThreads: 4})
	t.Cleanup(s.Shutdown)
	return s
}

func TestServiceDispatchesBothLanes(t *testing.T) {
	sched := newServiceScheduler(t)
	ctx := context.Background()

	var exclusiveSeen, concurrentSeen atomic.Int32
	svc := task.NewService(
		func(ctx context.Context, m *kmsg.Message) { exclusiveSeen.Add(1) },
		func(ctx context.Context, m *kmsg.Message) { concurrentSeen.Add(1) },
		nil,
		task.WithServiceScheduler(sched),
	)
	svc.Start(ctx)

	require.NoError(t, svc.PostConcurrent(ctx, kmsg.New(1, nil)))
	require.NoError(t, svc.PostConcurrent(ctx, kmsg.New(2, nil)))
	require.NoError(t, svc.PostExclusive(ctx, kmsg.New(3, nil)))

	require.Eventually(t, func() bool {
		return concurrentSeen.Load() == 2 && exclusiveSeen.Load() == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestServiceTeardownDrainsInFlightWork(t *testing.T) {
	sched := newServiceScheduler(t)
	ctx := context.Background()

	block := make(chan struct{})
	running := make(chan struct{})
	var tornDown atomic.Bool
	svc := task.NewService(
		nil,
		func(ctx context.Context, m *kmsg.Message) {
			close(running)
			<-block
		},
		func(ctx context.Context) { tornDown.Store(true) },
		task.WithServiceScheduler(sched),
	)
	svc.Start(ctx)

	require.NoError(t, svc.PostConcurrent(ctx, kmsg.New(1, nil)))
	<-running

	require.NoError(t, svc.Stop(ctx))
	time.Sleep(20 * time.Millisecond)
	require.False(t, tornDown.Load(), "teardown must wait for the concurrent lane to drain")

	close(block)
	require.Eventually(t, tornDown.Load, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !svc.IsStarted() }, 5*time.Second, 5*time.Millisecond)
}

func TestServicePostAfterStopIsRefused(t *testing.T) {
	sched := newServiceScheduler(t)
	ctx := context.Background()

	svc := task.NewService(
		func(ctx context.Context, m *kmsg.Message) {},
		func(ctx context.Context, m *kmsg.Message) {},
		nil,
		task.WithServiceScheduler(sched),
	)
	svc.Start(ctx)
	require.NoError(t, svc.Stop(ctx))

	require.Eventually(t, func() bool { return !svc.IsStarted() }, 5*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, svc.PostExclusive(ctx, kmsg.New(1, nil)), task.ErrServiceStopped)
	require.ErrorIs(t, svc.PostConcurrent(ctx, kmsg.New(2, nil)), task.ErrServiceStopped)
}
