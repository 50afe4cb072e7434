package scheduler

import (
	"sync"

	"github.com/go-foundations/kernel/wsqueue"
)

// FreeList is a pool of worker bookkeeping structs. Schedulers built
// with the same FreeList (WithFreeList) repurpose workers across each
// other; a scheduler built without one gets a private FreeList, and no
// process-wide list exists. Goroutines themselves can't
// be rehomed the way a pthread handle can be reassigned to a different
// scheduler, so what's actually pooled here is the worker's local queue
// and identity, the part of a worker's state worth not reallocating on
// every AddThread/RemoveThread cycle.
type FreeList struct {
	mu     sync.Mutex
	free   []*worker
	nextID int
}

// NewFreeList creates an empty free list.
func NewFreeList() *FreeList {
	return &FreeList{}
}

// Acquire returns a worker from the free list if one is available,
// otherwise allocates a fresh one with a new local queue.
func (f *FreeList) Acquire() *worker {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n := len(f.free); n > 0 {
		w := f.free[n-1]
		f.free = f.free[:n-1]
		return w
	}

	f.nextID++
	return &worker{
		id:    f.nextID,
		local: wsqueue.New[Job](localQueueSize),
	}
}

// Release returns w to the free list for reuse by a future Acquire. It
// does not drain w's local queue; callers are expected to have already
// redistributed any outstanding jobs.
func (f *FreeList) Release(w *worker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.free = append(f.free, w)
}

// Len reports how many idle workers are currently held.
func (f *FreeList) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.free)
}
