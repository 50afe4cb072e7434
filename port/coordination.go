package port

import (
	"context"
	"sync"
)

// lane identifies which of a CoordinationArbiter's three registered
// receivers a decision concerns.
type lane int

const (
	laneNone lane = iota
	laneConcurrent
	laneExclusive
	laneTeardown
)

// CoordinationArbiter is a three-lane arbiter: it lets
// messages run as concurrently as possible until an exclusive message
// arrives, bleeds off the concurrent lane, runs the exclusive lane, then
// reopens the flood gates, finally draining into a one-way teardown
// lane that never reopens.
//
// All decisions are made under mu; CanReceive never calls back into a
// receiver while holding it, and ReceiveCompleted computes which
// receiver (if any) to release before unlocking, then releases it
// afterward: the decision is a plan applied after the lock,
// so no recursive mutex is needed anywhere in this package.
type CoordinationArbiter struct {
	mu sync.Mutex

	exclusive  *Receiver
	concurrent *Receiver
	teardown   *Receiver

	mode   lane
	active int

	needsExclusive  bool
	needsConcurrent bool
	needsTeardown   bool
}

// NewCoordinationArbiter builds a three-lane arbiter over the given
// receivers. Any of the three may be nil if that lane is unused.
func NewCoordinationArbiter(exclusive, concurrent, teardown *Receiver) *CoordinationArbiter {
	a := &CoordinationArbiter{
		exclusive:  exclusive,
		concurrent: concurrent,
		teardown:   teardown,
	}
	if exclusive != nil && exclusive.arbiter == nil {
		exclusive.arbiter = a
	}
	if concurrent != nil && concurrent.arbiter == nil {
		concurrent.arbiter = a
	}
	if teardown != nil && teardown.arbiter == nil {
		teardown.arbiter = a
	}
	return a
}

func (a *CoordinationArbiter) laneOf(r *Receiver) lane {
	switch r {
	case a.exclusive:
		return laneExclusive
	case a.concurrent:
		return laneConcurrent
	case a.teardown:
		return laneTeardown
	default:
		return laneNone
	}
}

// CanReceive decides whether r's lane may take a message right now.
func (a *CoordinationArbiter) CanReceive(r *Receiver) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	l := a.laneOf(r)

	if a.mode == laneTeardown {
		return Never
	}

	if l == laneTeardown {
		if a.active == 0 {
			a.mode = laneTeardown
			a.active++
			return Now
		}
		a.needsTeardown = true
		return Later
	}

	switch a.mode {
	case laneNone:
		a.mode = l
		a.active++
		return Now
	case laneConcurrent:
		if l == laneConcurrent {
			a.active++
			return Now
		}
		a.needsExclusive = true
		return Later
	case laneExclusive:
		if l == laneExclusive {
			a.active++
			return Now
		}
		a.needsConcurrent = true
		return Later
	default:
		return Never
	}
}

// ReceiveCompleted decrements the active count; when it reaches zero and
// a "needs" flag is set, it flips modes and releases the corresponding
// receiver's held message.
func (a *CoordinationArbiter) ReceiveCompleted(r *Receiver) {
	a.mu.Lock()

	a.active--
	var toRelease *Receiver

	if a.active <= 0 {
		a.active = 0
		switch {
		case a.mode == laneTeardown:
			// Teardown never reopens.
		case a.needsExclusive:
			a.needsExclusive = false
			a.mode = laneExclusive
			a.active++
			toRelease = a.exclusive
		case a.needsConcurrent:
			a.needsConcurrent = false
			a.mode = laneConcurrent
			a.active++
			toRelease = a.concurrent
		case a.needsTeardown:
			a.needsTeardown = false
			a.mode = laneTeardown
			a.active++
			toRelease = a.teardown
		default:
			a.mode = laneNone
		}
	}

	a.mu.Unlock()

	if toRelease != nil {
		toRelease.release(context.Background())
	}
}
