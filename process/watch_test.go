package process_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-foundations/kernel/kmsg"
	"github.com/go-foundations/kernel/port"
	"github.com/go-foundations/kernel/process"
	"github.com/go-foundations/kernel/scheduler"
	"github.com/stretchr/testify/require"
)

// watchRecorder collects every message a watch port receives, in order.
type watchRecorder struct {
	mu   sync.Mutex
	msgs []*kmsg.Message
	port *port.Port
}

func newWatchRecorder(ctx context.Context, sched scheduler.Scheduler) *watchRecorder {
	r := &watchRecorder{port: port.NewPort()}
	recv := port.NewReceiver(sched, func(ctx context.Context, m *kmsg.Message, _ any) {
		r.mu.Lock()
		r.msgs = append(r.msgs, m)
		r.mu.Unlock()
	}, port.WithMaxActive(1))
	r.port.SetReceiver(ctx, recv)
	return r
}

func (r *watchRecorder) snapshot() []*kmsg.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*kmsg.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *watchRecorder) sawTerminal(what kmsg.What) func() bool {
	return func() bool {
		msgs := r.snapshot()
		return len(msgs) > 0 && msgs[len(msgs)-1].What == what
	}
}

func TestWatchStreamEndsWithComplete(t *testing.T) {
	ctrl, work := newTestSchedulers(t)
	ctx := context.Background()

	p := process.New(func(ctx context.Context, self *process.Process[int], item int) {
	}, append(testOpts[int](ctrl, work),
		process.WithPulseInterval[int](5*time.Millisecond))...)

	rec := newWatchRecorder(ctx, ctrl)
	p.AddWatch(ctx, rec.port)

	for i := 0; i < 20; i++ {
		p.Enqueue(ctx, i)
	}
	p.Run(ctx)
	p.NoMoreWork(ctx)

	require.Eventually(t, p.HasSucceeded, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, rec.sawTerminal(process.WatchComplete), 5*time.Second, 5*time.Millisecond)

	msgs := rec.snapshot()
	// Exactly one terminal message, and it is the last one.
	terminals := 0
	for _, m := range msgs {
		if m.What == process.WatchComplete || m.What == process.WatchCancelled {
			terminals++
		}
	}
	require.Equal(t, 1, terminals)

	// Discrete mode: a watcher must never observe processed > total.
	var total, processed int64
	for _, m := range msgs {
		switch m.What {
		case process.WatchTotalItems:
			total = m.Data.(int64)
		case process.WatchProcessedItems:
			processed = m.Data.(int64)
			require.LessOrEqual(t, processed, total)
		}
	}
	require.EqualValues(t, 20, total)
	require.EqualValues(t, 20, processed)
}

func TestWatchStreamEndsWithCancelled(t *testing.T) {
	ctrl, work := newTestSchedulers(t)
	ctx := context.Background()

	block := make(chan struct{})
	p := process.New(func(ctx context.Context, self *process.Process[int], item int) {
		<-block
	}, testOpts[int](ctrl, work)...)

	rec := newWatchRecorder(ctx, ctrl)
	p.AddWatch(ctx, rec.port)

	p.Enqueue(ctx, 1)
	p.Run(ctx)
	p.Cancel(ctx)
	close(block)

	require.Eventually(t, rec.sawTerminal(process.WatchCancelled), 5*time.Second, 5*time.Millisecond)
}

func TestLateWatchSeesTerminalState(t *testing.T) {
	ctrl, work := newTestSchedulers(t)
	ctx := context.Background()

	p := process.New(func(ctx context.Context, self *process.Process[int], item int) {
	}, testOpts[int](ctrl, work)...)

	p.Enqueue(ctx, 1)
	p.Run(ctx)
	p.NoMoreWork(ctx)
	require.Eventually(t, p.HasSucceeded, 5*time.Second, 5*time.Millisecond)

	rec := newWatchRecorder(ctx, ctrl)
	p.AddWatch(ctx, rec.port)

	require.Eventually(t, rec.sawTerminal(process.WatchComplete), 5*time.Second, 5*time.Millisecond)
}

func TestActivityOnlySendsPulses(t *testing.T) {
	ctrl, work := newTestSchedulers(t)
	ctx := context.Background()

	p := process.New(func(ctx context.Context, self *process.Process[int], item int) {
		time.Sleep(time.Millisecond)
	}, append(testOpts[int](ctrl, work),
		process.WithProgressMode[int](process.ActivityOnly),
		process.WithPulseInterval[int](time.Millisecond))...)

	rec := newWatchRecorder(ctx, ctrl)
	p.AddWatch(ctx, rec.port)

	for i := 0; i < 30; i++ {
		p.Enqueue(ctx, i)
	}
	p.Run(ctx)
	p.NoMoreWork(ctx)

	require.Eventually(t, rec.sawTerminal(process.WatchComplete), 5*time.Second, 5*time.Millisecond)

	sawPulse := false
	for _, m := range rec.snapshot() {
		switch m.What {
		case process.WatchPulse:
			sawPulse = true
		case process.WatchFraction, process.WatchProcessedItems, process.WatchTotalItems:
			t.Fatalf("activity-only stream carried numeric progress: %d", m.What)
		}
	}
	require.True(t, sawPulse)
}
