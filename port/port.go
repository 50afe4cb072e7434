// Package port implements the message-passing layer every task and
// process control surface is built on: a single-reader queueing Port, a
// scheduler-bound Receiver that runs a handler per message under an
// Arbiter's rules, and the three-lane CoordinationArbiter.
package port

import (
	"context"
	"sync"

	"github.com/go-foundations/kernel/kmsg"
)

// Port is a single-reader queueing endpoint. While paused or without a
// receiver, posts accumulate in the pending queue; otherwise they're
// delivered directly to the receiver.
//
// The zero value is not usable; construct with NewPort.
type Port struct {
	mu       sync.Mutex
	receiver *Receiver
	pending  *kmsg.Message // parked by a Pause/Remove delivery status
	queue    []*kmsg.Message
	paused   bool
}

// NewPort creates an empty, unpaused, receiver-less port.
func NewPort() *Port {
	return &Port{}
}

// Post delivers m to the port. If the port is paused or has no receiver,
// m is appended to the pending queue; otherwise it is handed to
// Receiver.Deliver and the resulting status is acted on. Post sinks m's
// floating reference and consumes it: either the port retains the
// message (pending cell, pending queue) or the reference is dropped
// once the receiver has taken its own. Callers do not Unref after
// posting; each Post uses up exactly one reference.
func (p *Port) Post(ctx context.Context, m *kmsg.Message) {
	m = m.Sink()

	p.mu.Lock()
	if p.paused || p.receiver == nil {
		p.queue = append(p.queue, m)
		p.mu.Unlock()
		return
	}
	r := p.receiver
	p.mu.Unlock()

	switch r.Deliver(ctx, m) {
	case Accepted:
		// The scheduled run holds its own reference; drop the one the
		// sink transferred.
		m.Unref()
	case AcceptedPause:
		p.mu.Lock()
		p.paused = true
		p.mu.Unlock()
		// The receiver parked m with its own reference.
		m.Unref()
	case Pause:
		p.mu.Lock()
		p.paused = true
		p.pending = m
		p.mu.Unlock()
	case AcceptedRemove:
		p.mu.Lock()
		detached := p.receiver == r
		if detached {
			p.receiver = nil
		}
		p.mu.Unlock()
		if detached {
			r.attached.CompareAndSwap(p, nil)
		}
		m.Unref()
	case Remove:
		p.mu.Lock()
		p.pending = m
		detached := p.receiver == r
		if detached {
			p.receiver = nil
		}
		p.mu.Unlock()
		if detached {
			r.attached.CompareAndSwap(p, nil)
		}
	}
}

// HasReceiver reports whether a receiver is currently attached.
func (p *Port) HasReceiver() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.receiver != nil
}

// Receiver returns the currently attached receiver, or nil.
func (p *Port) Receiver() *Receiver {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.receiver
}

// QueueCount returns the number of messages still waiting to be
// delivered: the pending cell (0 or 1) plus the pending queue's length.
func (p *Port) QueueCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	if p.pending != nil {
		n++
	}
	return n
}

// SetReceiver attaches r, detaching any previous receiver. Setting the
// same receiver that's already attached is a no-op. Attaching a non-nil
// receiver flushes the port's pending work to it.
func (p *Port) SetReceiver(ctx context.Context, r *Receiver) {
	p.mu.Lock()
	if r == p.receiver {
		p.mu.Unlock()
		return
	}
	old := p.receiver
	p.receiver = r
	p.mu.Unlock()

	if old != nil {
		old.attached.CompareAndSwap(p, nil)
	}
	if r != nil {
		r.attached.Store(p)
		p.Flush(ctx)
	}
}

// Flush clears paused, snapshots and empties the pending cell and pending
// queue, then re-posts the pending message (if any) followed by every
// queued message, in order, through the normal Post path, preserving
// FIFO order across the flush.
func (p *Port) Flush(ctx context.Context) {
	p.mu.Lock()
	p.paused = false
	pending := p.pending
	queued := p.queue
	p.pending = nil
	p.queue = nil
	p.mu.Unlock()

	if pending != nil {
		p.Post(ctx, pending)
	}
	for _, m := range queued {
		p.Post(ctx, m)
	}
}
