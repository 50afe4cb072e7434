// Package kernel is a concurrent runtime library: asynchronous tasks,
// stream-processing processes, and the primitives supporting them:
// message ports, arbitrated receivers, a work-stealing thread pool and
// its lock-free deque.
//
// The packages layer leaves-first: kmsg (messages) and wsqueue (the
// work-stealing deque and round-robin ring) at the bottom, scheduler
// above them, port (Port/Receiver/Arbiter) above that, and task and
// process on top. Clients usually need only task and process; the rest
// is their machinery, exported for callers that build their own
// message-reactive components.
package kernel

import "github.com/go-foundations/kernel/scheduler"

// Init eagerly establishes the process-wide default schedulers: the
// pooled work scheduler and the control scheduler task and process
// state machines dispatch on. Both are otherwise created lazily on
// first use; calling Init up front moves that cost out of the first
// Run.
func Init() {
	scheduler.Default()
	scheduler.DefaultControl()
}
