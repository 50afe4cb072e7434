package port

// DeliveryStatus is Receiver.Deliver's verdict, telling Port what to do
// with the message and whether to keep the receiver attached.
type DeliveryStatus int

const (
	// Accepted means the message was handed off; nothing further to do.
	Accepted DeliveryStatus = iota
	// AcceptedPause means the message was handed off, but the receiver
	// cannot take another until some condition clears (pause the port).
	AcceptedPause
	// Pause means the message could not be delivered now; park it in
	// the pending cell and pause the port.
	Pause
	// AcceptedRemove means the message was handed off and the receiver
	// is now finished; detach it.
	AcceptedRemove
	// Remove means the message could not be delivered and never will
	// be; park it in the pending cell and detach the receiver.
	Remove
)

func (s DeliveryStatus) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case AcceptedPause:
		return "accepted_pause"
	case Pause:
		return "pause"
	case AcceptedRemove:
		return "accepted_remove"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// Decision is an Arbiter's verdict on whether a receiver may take its
// next message right now.
type Decision int

const (
	// Now means the receiver may take the message immediately.
	Now Decision = iota
	// Later means the receiver must wait; the message is parked in the
	// receiver until its arbiter releases it from ReceiveCompleted.
	Later
	// Never means the receiver may never take this message; it is
	// rejected back to the port.
	Never
)

func (d Decision) String() string {
	switch d {
	case Now:
		return "now"
	case Later:
		return "later"
	case Never:
		return "never"
	default:
		return "unknown"
	}
}
