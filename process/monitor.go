package process

import (
	"context"
	"sync"

	"github.com/go-foundations/kernel/kmsg"
	"github.com/go-foundations/kernel/port"
	"github.com/go-foundations/kernel/scheduler"
)

// Monitor aggregates the progress streams of several processes into one
// combined stream: it attaches to each watched process as an ordinary
// watch port, sums their item counts, and re-emits the same wire-level
// protocol to its own downstream watch ports. Its terminal message is
// WatchCancelled if any watched process was cancelled, else
// WatchComplete once every watched process has finished.
type Monitor struct {
	sched scheduler.Scheduler
	mode  ProgressMode

	mu        sync.Mutex
	entries   []*watchEntry
	watches   []*port.Port
	totalSeen int64
	terminal  bool
}

type watchEntry struct {
	processed int64
	total     int64
	fraction  float64
	done      bool
	cancelled bool
}

// MonitorOption configures a Monitor at construction.
type MonitorOption func(*Monitor)

// WithMonitorScheduler overrides the scheduler the monitor's watch
// receivers run on. Defaults to scheduler.DefaultControl().
func WithMonitorScheduler(s scheduler.Scheduler) MonitorOption {
	return func(m *Monitor) { m.sched = s }
}

// WithMonitorProgressMode sets the mode the combined stream is emitted
// in. Defaults to Discrete.
func WithMonitorProgressMode(mode ProgressMode) MonitorOption {
	return func(m *Monitor) { m.mode = mode }
}

// NewMonitor creates an empty monitor. Attach processes with Watch and
// downstream consumers with AddWatch.
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{mode: Discrete}
	for _, o := range opts {
		o(m)
	}
	if m.sched == nil {
		m.sched = scheduler.DefaultControl()
	}
	return m
}

// AddWatch registers a downstream watch port for the combined stream.
func (m *Monitor) AddWatch(ctx context.Context, watchPort *port.Port) {
	m.mu.Lock()
	m.watches = append(m.watches, watchPort)
	terminal := m.terminal
	cancelled := m.anyCancelledLocked()
	m.mu.Unlock()

	if terminal {
		what := WatchComplete
		if cancelled {
			what = WatchCancelled
		}
		watchPort.Post(ctx, kmsg.New(what, nil))
	}
}

// Watch attaches m to p's progress stream. Must be called before p
// reaches its terminal state for the combined totals to be meaningful.
func Watch[T any](ctx context.Context, m *Monitor, p *Process[T]) {
	entry := &watchEntry{}
	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()

	watchPort := port.NewPort()
	recv := port.NewReceiver(m.sched, func(ctx context.Context, msg *kmsg.Message, _ any) {
		m.observe(ctx, entry, msg)
	}, port.WithMaxActive(1))
	watchPort.SetReceiver(ctx, recv)

	p.AddWatch(ctx, watchPort)
}

// observe folds one upstream progress message into entry and re-emits
// the recomputed aggregate.
func (m *Monitor) observe(ctx context.Context, entry *watchEntry, msg *kmsg.Message) {
	m.mu.Lock()
	if m.terminal {
		m.mu.Unlock()
		return
	}

	switch msg.What {
	case WatchProcessedItems:
		entry.processed = msg.Data.(int64)
	case WatchTotalItems:
		entry.total = msg.Data.(int64)
	case WatchFraction:
		entry.fraction = msg.Data.(float64)
	case WatchPulse, WatchTitle:
		// Activity and label changes don't alter the aggregate; pulses
		// are re-emitted below so downstream still sees liveness.
	case WatchComplete:
		entry.done = true
		entry.fraction = 1.0
	case WatchCancelled:
		entry.done = true
		entry.cancelled = true
	}

	var out []*kmsg.Message

	allDone := true
	cancelled := false
	var sumProcessed, sumTotal int64
	var sumFraction float64
	for _, e := range m.entries {
		if !e.done {
			allDone = false
		}
		cancelled = cancelled || e.cancelled
		sumProcessed += e.processed
		sumTotal += e.total
		sumFraction += e.fraction
	}

	if allDone {
		m.terminal = true
		what := WatchComplete
		if cancelled {
			what = WatchCancelled
		}
		out = append(out, kmsg.New(what, nil))
	} else {
		switch m.mode {
		case ActivityOnly:
			out = append(out, kmsg.New(WatchPulse, nil))
		case Continuous:
			fraction := 0.0
			if n := len(m.entries); n > 0 {
				fraction = sumFraction / float64(n)
			}
			out = append(out, kmsg.New(WatchFraction, fraction))
		case Discrete:
			if sumTotal > m.totalSeen {
				m.totalSeen = sumTotal
				out = append(out, kmsg.New(WatchTotalItems, sumTotal))
			}
			out = append(out, kmsg.New(WatchProcessedItems, sumProcessed))
		}
	}

	watches := make([]*port.Port, len(m.watches))
	copy(watches, m.watches)
	m.mu.Unlock()

	for _, msg := range out {
		postAll(ctx, watches, msg)
	}
}

func (m *Monitor) anyCancelledLocked() bool {
	for _, e := range m.entries {
		if e.cancelled {
			return true
		}
	}
	return false
}
