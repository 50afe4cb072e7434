package task

import "context"

// AllOf returns a Task that finishes only once every task in deps has
// finished, cancelling itself as soon as any dependency is cancelled
// (the default onDepCancelledHook behavior, so no override is needed).
func AllOf(ctx context.Context, deps []*Task, opts ...Option) *Task {
	t := New(nil, opts...)
	for _, dep := range deps {
		t.AddDependency(ctx, dep)
	}
	return t
}

// AnyOf returns a Task that finishes as soon as the first of deps
// finishes (the remaining dependencies are detached and left to run to
// their own completion), and cancels itself only once every dependency
// has voted to cancel.
func AnyOf(ctx context.Context, deps []*Task, opts ...Option) *Task {
	t := New(nil, opts...)

	total := len(deps)
	cancelledVotes := 0

	t.onDepFinishedHook = func(ctx context.Context, self *Task, dep *Task) {
		self.mu.Lock()
		remaining := make([]*Task, 0, len(self.deps))
		for d := range self.deps {
			if d != dep {
				remaining = append(remaining, d)
			}
		}
		self.deps = make(map[*Task]struct{})
		needExec := self.flags&flagNeedExecute != 0
		callbacksActive := self.flags&flagCallbacksActive != 0
		self.flags &^= flagNeedExecute
		self.mu.Unlock()

		for _, d := range remaining {
			d.post(ctx, msgRemoveObserver, self)
		}

		if needExec {
			self.mu.Lock()
			self.flags |= flagExecuting
			self.started = true
			self.mu.Unlock()
			self.dispatchExecute(ctx)
		} else if callbacksActive {
			self.runCallbacks(ctx)
		}
	}

	t.onDepCancelledHook = func(ctx context.Context, self *Task, dep *Task) {
		self.mu.Lock()
		delete(self.deps, dep)
		self.mu.Unlock()

		cancelledVotes++
		if cancelledVotes >= total {
			self.onCancel(ctx)
		}
	}

	for _, dep := range deps {
		t.AddDependency(ctx, dep)
	}
	return t
}
