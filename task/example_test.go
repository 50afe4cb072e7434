package task_test

import (
	"context"
	"fmt"

	"github.com/go-foundations/kernel/task"
)

func ExampleNew() {
	ctx := context.Background()
	results := make(chan task.Result, 1)

	t := task.New(func(ctx context.Context, self *task.Task) (any, error) {
		return 6 * 7, nil
	}, task.WithAsyncResult(results))

	t.AddCallback(ctx, func(ctx context.Context, self *task.Task) {
		v, _ := self.Result()
		self.SetResult(ctx, v.(int)+1)
	})

	t.Run(ctx)

	res := <-results
	fmt.Println(res.Value)
	// Output: 43
}

func ExampleAllOf() {
	ctx := context.Background()
	results := make(chan task.Result, 1)

	a := task.New(func(ctx context.Context, self *task.Task) (any, error) { return "a", nil })
	b := task.New(func(ctx context.Context, self *task.Task) (any, error) { return "b", nil })

	all := task.AllOf(ctx, []*task.Task{a, b}, task.WithAsyncResult(results))
	all.Run(ctx)
	a.Run(ctx)
	b.Run(ctx)

	<-results
	fmt.Println(a.IsFinished(), b.IsFinished(), all.IsFinished())
	// Output: true true true
}
