package port_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-foundations/kernel/kmsg"
	"github.com/go-foundations/kernel/port"
	"github.com/stretchr/testify/require"
)

// TestCoordinationArbiterExclusiveExcludesConcurrent exercises the
// "concurrent active, exclusive requested" row of the decision table:
// the exclusive message must wait until every in-flight concurrent
// handler has completed.
func TestCoordinationArbiterExclusiveExcludesConcurrent(t *testing.T) {
	sched := newTestScheduler(t)

	holdConcurrent := make(chan struct{})
	concurrentRunning := make(chan struct{})
	var exclusiveRan atomic.Bool

	var concurrent, exclusive *port.Receiver
	concurrent = port.NewReceiver(sched, func(ctx context.Context, m *kmsg.Message, data any) {
		close(concurrentRunning)
		<-holdConcurrent
	})
	exclusive = port.NewReceiver(sched, func(ctx context.Context, m *kmsg.Message, data any) {
		exclusiveRan.Store(true)
	})
	port.NewCoordinationArbiter(exclusive, concurrent, nil)

	concurrentPort := port.NewPort()
	concurrentPort.SetReceiver(context.Background(), concurrent)
	concurrentPort.Post(context.Background(), kmsg.New(1, nil))

	select {
	case <-concurrentRunning:
	case <-time.After(time.Second):
		t.Fatal("concurrent handler never started")
	}

	exclusivePort := port.NewPort()
	exclusivePort.SetReceiver(context.Background(), exclusive)
	exclusivePort.Post(context.Background(), kmsg.New(2, nil))

	time.Sleep(20 * time.Millisecond)
	require.False(t, exclusiveRan.Load(), "exclusive must wait for concurrent to drain")

	close(holdConcurrent)

	require.Eventually(t, exclusiveRan.Load, time.Second, 5*time.Millisecond)
}

// TestCoordinationArbiterTeardownIsTerminal exercises the "any -> NEVER
// once teardown has run" row: once the teardown lane has executed, no
// further concurrent or exclusive message may run.
func TestCoordinationArbiterTeardownIsTerminal(t *testing.T) {
	sched := newTestScheduler(t)

	var teardownRan, concurrentRan atomic.Bool
	concurrent := port.NewReceiver(sched, func(ctx context.Context, m *kmsg.Message, data any) {
		concurrentRan.Store(true)
	})
	teardown := port.NewReceiver(sched, func(ctx context.Context, m *kmsg.Message, data any) {
		teardownRan.Store(true)
	}, port.WithPersistent(false))
	port.NewCoordinationArbiter(nil, concurrent, teardown)

	teardownPort := port.NewPort()
	teardownPort.SetReceiver(context.Background(), teardown)
	teardownPort.Post(context.Background(), kmsg.New(1, nil))
	require.Eventually(t, teardownRan.Load, time.Second, 5*time.Millisecond)

	concurrentPort := port.NewPort()
	concurrentPort.SetReceiver(context.Background(), concurrent)
	concurrentPort.Post(context.Background(), kmsg.New(2, nil))

	time.Sleep(30 * time.Millisecond)
	require.False(t, concurrentRan.Load(), "no lane may run once teardown has completed")
}

func TestCoordinationArbiterConcurrentLaneRunsInParallel(t *testing.T) {
	sched := newTestScheduler(t)

	var wg sync.WaitGroup
	wg.Add(3)
	concurrent := port.NewReceiver(sched, func(ctx context.Context, m *kmsg.Message, data any) {
		wg.Done()
	})
	port.NewCoordinationArbiter(nil, concurrent, nil)

	p := port.NewPort()
	p.SetReceiver(context.Background(), concurrent)
	for i := 0; i < 3; i++ {
		p.Post(context.Background(), kmsg.New(kmsg.What(i), nil))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("concurrent lane never ran all three messages")
	}
}
