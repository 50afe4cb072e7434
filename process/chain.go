package process

import (
	"context"

	"github.com/go-foundations/kernel/klog"
)

// Connect wires head → tail into a pipeline: head's work function may
// Forward items into tail, Run on head starts tail too, and Cancel on
// tail propagates back up to head. Both processes must not yet be
// executing, and each end may hold at most one source and one sink;
// violating either is logged and the call is a no-op (returns false).
func Connect[T any](ctx context.Context, head, tail *Process[T]) bool {
	if head == nil || tail == nil || head == tail {
		klog.Programming(nil, "process", "connect requires two distinct processes")
		return false
	}
	if head.IsExecuting() || head.IsFinished() || tail.IsExecuting() || tail.IsFinished() {
		klog.Programming(head.logger, "process", "connect on an executing or finished process")
		return false
	}
	if !head.sink.CompareAndSwap(nil, tail) {
		klog.Programming(head.logger, "process", "connect: head already has a sink")
		return false
	}
	if !tail.source.CompareAndSwap(nil, head) {
		head.sink.Store(nil)
		klog.Programming(tail.logger, "process", "connect: tail already has a source")
		return false
	}

	// Prime the chain estimate so the tail can show a bound before the
	// head has finished.
	head.postOutputEstimate(ctx)
	return true
}
