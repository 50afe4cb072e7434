package port

// Arbiter is a pure policy object: given the receiver asking, it decides
// whether that receiver may take its next message right now. Decisions
// are made under the arbiter's own lock (if any) and must never call
// back into the receiver from inside CanReceive; only ReceiveCompleted
// may trigger a release, and it must do so after releasing its lock.
type Arbiter interface {
	// CanReceive returns the receiver's verdict for its next message.
	CanReceive(r *Receiver) Decision
	// ReceiveCompleted is called once the receiver's handler returns,
	// so the arbiter can update its bookkeeping and release any
	// receiver whose turn has come.
	ReceiveCompleted(r *Receiver)
}
