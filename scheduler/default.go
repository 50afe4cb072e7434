package scheduler

import (
	"runtime"
	"sync"
)

// DefaultConfig is the configuration Default builds its pool with:
// a floor of two workers, growing up to one per CPU.
func DefaultConfig() Config {
	return Config{MinThreads: 2, MaxThreads: runtime.NumCPU()}
}

var (
	defaultOnce  sync.Once
	defaultSched *PooledScheduler
	controlOnce  sync.Once
	controlSched *PooledScheduler
)

// Default returns the process-wide pooled scheduler used by tasks and
// processes that don't specify their own work scheduler. It is created
// lazily, on first use, with DefaultConfig.
func Default() *PooledScheduler {
	defaultOnce.Do(func() {
		defaultSched = New(DefaultConfig())
	})
	return defaultSched
}

// DefaultControl returns the process-wide scheduler used for control-port
// dispatch (task/process state machines) when none is specified. Kept
// separate from Default so a saturated work pool can't starve control
// message processing.
func DefaultControl() *PooledScheduler {
	controlOnce.Do(func() {
		controlSched = New(Config{MinThreads: 1, MaxThreads: 4})
	})
	return controlSched
}
