package process

import (
	"context"
	"time"

	"github.com/go-foundations/kernel/kmsg"
	"github.com/go-foundations/kernel/port"
)

// Watch-port message kinds: the wire-level progress protocol. A watch
// port receives throttled progress updates while the process runs, a
// forced update when first attached, and exactly one terminal
// WatchComplete or WatchCancelled as its last message.
const (
	// WatchPulse carries no payload: an activity tick with no numeric
	// progress.
	WatchPulse kmsg.What = iota + 100
	// WatchFraction carries a float64 in [0,1]: continuous progress.
	WatchFraction
	// WatchProcessedItems carries an int64: discrete progress, current.
	WatchProcessedItems
	// WatchTotalItems carries an int64: discrete progress, bound (may
	// grow).
	WatchTotalItems
	// WatchTitle carries a string: the label changed.
	WatchTitle
	// WatchComplete is terminal; no further messages follow.
	WatchComplete
	// WatchCancelled is terminal; no further messages follow.
	WatchCancelled
)

// ProgressMode selects which progress messages a process sends to its
// watch ports. Watchers inherit the process's mode.
type ProgressMode int

const (
	// ActivityOnly sends WatchPulse ticks with no numeric progress.
	ActivityOnly ProgressMode = iota
	// Continuous sends WatchFraction updates.
	Continuous
	// Discrete sends WatchTotalItems then WatchProcessedItems, in that
	// order so a watcher never observes processed > total.
	Discrete
)

const defaultPulseInterval = 200 * time.Millisecond

// AddWatch registers watchPort to receive this process's progress
// stream, pushing one forced update immediately so a late-attaching
// watcher isn't blank until the next throttle tick. Attaching to an
// already-terminal process delivers the terminal message straight away.
func (p *Process[T]) AddWatch(ctx context.Context, watchPort *port.Port) {
	p.watchMu.Lock()
	p.watches = append(p.watches, watchPort)
	p.watchMu.Unlock()

	if t := p.title.Load(); t != nil {
		watchPort.Post(ctx, kmsg.New(WatchTitle, *t))
	}

	if p.terminalSent.Load() {
		what := WatchComplete
		if p.IsCancelled() {
			what = WatchCancelled
		}
		watchPort.Post(ctx, kmsg.New(what, nil))
		return
	}
	p.maybePulse(ctx, true)
}

// ProgressMode returns the mode this process reports progress in.
func (p *Process[T]) ProgressMode() ProgressMode { return p.mode }

// maybePulse pushes a progress update to every watch port, throttled to
// one per pulse interval unless forced.
func (p *Process[T]) maybePulse(ctx context.Context, force bool) {
	p.watchMu.Lock()
	if len(p.watches) == 0 {
		p.watchMu.Unlock()
		return
	}
	now := p.clock.Now()
	if !force && now.Sub(p.lastPulse) < p.pulseInterval {
		p.watchMu.Unlock()
		return
	}
	p.lastPulse = now
	watches := make([]*port.Port, len(p.watches))
	copy(watches, p.watches)
	p.watchMu.Unlock()

	ev := p.progressEvent(false)

	switch p.mode {
	case ActivityOnly:
		postAll(ctx, watches, kmsg.New(WatchPulse, nil))
	case Continuous:
		postAll(ctx, watches, kmsg.New(WatchFraction, ev.Fraction))
	case Discrete:
		// Total first, so a watcher never sees processed > total.
		total := ev.Total
		if ev.Estimated > total {
			total = ev.Estimated
		}
		p.watchMu.Lock()
		grewOrForced := force || total > p.watchTotalSeen
		if grewOrForced {
			p.watchTotalSeen = total
		}
		p.watchMu.Unlock()
		if grewOrForced {
			postAll(ctx, watches, kmsg.New(WatchTotalItems, total))
		}
		postAll(ctx, watches, kmsg.New(WatchProcessedItems, ev.Processed))
	}

	p.obs.Emit(ctx, hookProgress, ev)
}

// postToWatches sends m to every attached watch port.
func (p *Process[T]) postToWatches(ctx context.Context, m *kmsg.Message) {
	p.watchMu.Lock()
	watches := make([]*port.Port, len(p.watches))
	copy(watches, p.watches)
	p.watchMu.Unlock()
	postAll(ctx, watches, m)
}

func postAll(ctx context.Context, watches []*port.Port, m *kmsg.Message) {
	if len(watches) == 0 {
		m.Unref()
		return
	}
	// Each Post consumes one reference; the fresh message carries one,
	// so top it up to one per port before the first send can release
	// its share.
	for i := 1; i < len(watches); i++ {
		m.Ref()
	}
	for _, w := range watches {
		w.Post(ctx, m)
	}
}
