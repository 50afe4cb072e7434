package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/go-foundations/kernel/scheduler"
)

func BenchmarkQueueThroughput(b *testing.B) {
	for _, threads := range []int{1, 2, 4, 8} {
		b.Run(fmt.Sprintf("%dthreads", threads), func(b *testing.B) {
			s := scheduler.New(scheduler.Config{MinThreads: threads, MaxThreads: threads})
			defer s.Shutdown()

			ctx := context.Background()
			var wg sync.WaitGroup
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				wg.Add(1)
				_ = s.Queue(ctx, scheduler.Job{Run: func() {}, OnDone: wg.Done})
			}
			wg.Wait()
		})
	}
}

// BenchmarkNestedQueueLocality measures the worker-local fast path: each
// job re-queues a child from inside the worker, which lands on that
// worker's own queue instead of the global one.
func BenchmarkNestedQueueLocality(b *testing.B) {
	s := scheduler.New(scheduler.Config{MinThreads: 4, MaxThreads: 4})
	defer s.Shutdown()

	var wg sync.WaitGroup
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wg.Add(1)
		_ = s.Queue(context.Background(), scheduler.Job{
			RunCtx: func(wctx context.Context) {
				_ = s.Queue(wctx, scheduler.Job{Run: func() {}, OnDone: wg.Done})
			},
		})
	}
	wg.Wait()
}
