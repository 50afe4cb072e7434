package process_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-foundations/kernel/process"
)

func ExampleConnect() {
	ctx := context.Background()

	// A two-stage pipeline: the head doubles each item and forwards it,
	// the tail sums everything it receives.
	head := process.New(func(ctx context.Context, self *process.Process[int], item int) {
		self.Forward(ctx, item*2)
	})

	var sum atomic.Int64
	tail := process.New(func(ctx context.Context, self *process.Process[int], item int) {
		sum.Add(int64(item))
	})

	process.Connect(ctx, head, tail)

	for i := 1; i <= 5; i++ {
		head.Enqueue(ctx, i)
	}
	head.Run(ctx)
	head.NoMoreWork(ctx)

	for !tail.HasSucceeded() {
		time.Sleep(time.Millisecond)
	}
	fmt.Println(sum.Load())
	// Output: 30
}
